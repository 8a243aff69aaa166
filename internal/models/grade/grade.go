// Package grade implements graph + domain-adversarial cross-domain
// recommendation. A stack of graph convolution layers shared between two
// domains encodes each domain's interaction graph; a shared scorer predicts
// user-item matches, and two domain discriminators consume the embeddings
// through a gradient-reversal op so that their training signal pushes the
// encoder toward domain-invariant features.
package grade

import (
	"math"
	"math/rand"

	"github.com/cnclabs/grade/pkg/sparse"
	"github.com/cnclabs/grade/pkg/tensor"
)

// Config holds the model hyperparameters.
type Config struct {
	// EmbedDim is the per-layer embedding dimension.
	EmbedDim int
	// NumLayers is the graph convolution depth.
	NumLayers int
	// DomainLossWeight scales the adversarial loss term.
	DomainLossWeight float64
}

// DefaultConfig returns the standard GRADE setting: two convolution layers
// and a 0.1 adversarial loss weight.
func DefaultConfig(embedDim int) Config {
	return Config{
		EmbedDim:         embedDim,
		NumLayers:        2,
		DomainLossWeight: 0.1,
	}
}

// Domain is one domain's static graph: node features (user rows first, item
// rows from NumUsers on) and the normalized adjacency over the same node set.
// Both are read-only and shared across every forward pass.
type Domain struct {
	NumUsers int
	NumItems int
	Feats    *tensor.Tensor
	Adj      *sparse.CSR
}

// Batch is one training batch of (user, item, label) triples for a single
// domain. Item indices are domain-local; the model offsets them by the
// domain's user count when indexing the shared node layout.
type Batch struct {
	Users  []int
	Items  []int
	Labels []float64
}

// GraphConvolution is one propagation layer: a linear projection followed by
// neighborhood aggregation through the adjacency, plus bias. No activation is
// applied inside the layer.
type GraphConvolution struct {
	InFeatures  int
	OutFeatures int
	Weight      *tensor.Tensor
	Bias        *tensor.Tensor
}

// NewGraphConvolution creates a layer with weights and bias drawn uniformly
// from [-1/sqrt(out), 1/sqrt(out)].
func NewGraphConvolution(in, out int, rng *rand.Rand) *GraphConvolution {
	stdv := 1.0 / math.Sqrt(float64(out))
	return &GraphConvolution{
		InFeatures:  in,
		OutFeatures: out,
		Weight:      tensor.Param(in, out, stdv, rng),
		Bias:        tensor.Param(1, out, stdv, rng),
	}
}

// Forward propagates node features one step: adj · (x · W) + bias.
func (gc *GraphConvolution) Forward(tp *tensor.Tape, x *tensor.Tensor, adj *sparse.CSR) *tensor.Tensor {
	support := tp.MatMul(x, gc.Weight)
	return tp.AddBias(tp.SpMM(adj, support), gc.Bias)
}

// scorer is an affine projection to a scalar followed by a logistic squash,
// used for both the prediction head and the domain discriminators.
type scorer struct {
	weight *tensor.Tensor
	bias   *tensor.Tensor
}

func newScorer(in int, rng *rand.Rand) *scorer {
	stdv := 1.0 / math.Sqrt(float64(in))
	return &scorer{
		weight: tensor.Param(in, 1, stdv, rng),
		bias:   tensor.Param(1, 1, stdv, rng),
	}
}

func (s *scorer) score(tp *tensor.Tape, x *tensor.Tensor) *tensor.Tensor {
	return tp.Sigmoid(tp.AddBias(tp.MatMul(x, s.weight), s.bias))
}

// Model is the full GRADE model. The convolution stack is owned once and
// reused for both domains' encoder passes; that sharing is what lets the
// adversarial signal align the two embedding spaces.
type Model struct {
	cfg    Config
	source Domain
	target Domain

	gc        []*GraphConvolution
	predictor *scorer
	discUser  *scorer
	discItem  *scorer
}

// New creates a GRADE model over the two domains. Both feature matrices must
// have the same width, since the convolution stack is shared.
func New(cfg Config, source, target Domain, rng *rand.Rand) *Model {
	dims := make([]int, cfg.NumLayers+1)
	dims[0] = source.Feats.Cols()
	for i := 1; i <= cfg.NumLayers; i++ {
		dims[i] = cfg.EmbedDim
	}

	gc := make([]*GraphConvolution, cfg.NumLayers)
	for i := range gc {
		gc[i] = NewGraphConvolution(dims[i], dims[i+1], rng)
	}

	return &Model{
		cfg:       cfg,
		source:    source,
		target:    target,
		gc:        gc,
		predictor: newScorer(cfg.NumLayers*cfg.EmbedDim*2, rng),
		discUser:  newScorer(cfg.NumLayers*cfg.EmbedDim, rng),
		discItem:  newScorer(cfg.NumLayers*cfg.EmbedDim, rng),
	}
}

// Parameters returns every trainable tensor, for the optimizer.
func (m *Model) Parameters() []*tensor.Tensor {
	params := make([]*tensor.Tensor, 0, 2*len(m.gc)+6)
	for _, gc := range m.gc {
		params = append(params, gc.Weight, gc.Bias)
	}
	for _, s := range []*scorer{m.predictor, m.discUser, m.discItem} {
		params = append(params, s.weight, s.bias)
	}
	return params
}

// offsetItems maps domain-local item indices into the shared node layout,
// where item k lives at row numUsers+k.
func offsetItems(items []int, numUsers int) []int {
	rows := make([]int, len(items))
	for i, it := range items {
		rows[i] = numUsers + it
	}
	return rows
}

// encode runs the shared convolution stack over one domain's full graph and
// gathers the batch rows from every layer's output, concatenated along the
// feature axis into multi-scale user and item embeddings.
func (m *Model) encode(tp *tensor.Tape, d Domain, users, items []int) (userEmb, itemEmb *tensor.Tensor) {
	itemRows := offsetItems(items, d.NumUsers)
	userFeats := make([]*tensor.Tensor, 0, len(m.gc))
	itemFeats := make([]*tensor.Tensor, 0, len(m.gc))

	x := d.Feats
	for _, gc := range m.gc {
		x = tp.ReLU(gc.Forward(tp, x, d.Adj))
		userFeats = append(userFeats, tp.Gather(x, users))
		itemFeats = append(itemFeats, tp.Gather(x, itemRows))
	}
	return tp.ConcatCols(userFeats...), tp.ConcatCols(itemFeats...)
}

// domainLabels builds the synthetic discriminator targets for a stack of
// numSource source rows followed by numTarget target rows: 0 for source,
// 1 for target.
func domainLabels(numSource, numTarget int) []float64 {
	labels := make([]float64, numSource+numTarget)
	for i := numSource; i < len(labels); i++ {
		labels[i] = 1
	}
	return labels
}

// Forward runs one training pass over a source and a target batch and returns
// the composite scalar loss: the summed supervised matching losses of both
// domains plus DomainLossWeight times the discriminators' domain
// classification loss. alpha scales the reversed gradient flowing from the
// discriminators into the encoder. Call Backward on the result to accumulate
// parameter gradients.
func (m *Model) Forward(batchS, batchT Batch, alpha float64) *tensor.Tensor {
	tp := tensor.NewTape()

	userS, itemS := m.encode(tp, m.source, batchS.Users, batchS.Items)
	userT, itemT := m.encode(tp, m.target, batchT.Users, batchT.Items)

	predS := m.predictor.score(tp, tp.ConcatCols(userS, itemS))
	predT := m.predictor.score(tp, tp.ConcatCols(userT, itemT))
	supervised := tp.Add(tp.BCE(predS, batchS.Labels), tp.BCE(predT, batchT.Labels))

	// Source rows first, then target rows; the label vector matches that order.
	userStack := tp.GradReverse(tp.ConcatRows(userS, userT), alpha)
	itemStack := tp.GradReverse(tp.ConcatRows(itemS, itemT), alpha)
	userPreds := m.discUser.score(tp, userStack)
	itemPreds := m.discItem.score(tp, itemStack)
	labels := domainLabels(userS.Rows(), userT.Rows())
	domainLoss := tp.Add(tp.BCE(itemPreds, labels), tp.BCE(userPreds, labels))

	return tp.Add(supervised, tp.Scale(domainLoss, m.cfg.DomainLossWeight))
}

// Inference scores candidate (user, item) pairs in the target domain and
// returns the match probability for each pair. No loss is computed and the
// discriminators are not involved.
func (m *Model) Inference(users, items []int) []float64 {
	tp := tensor.NewTape()
	userEmb, itemEmb := m.encode(tp, m.target, users, items)
	pred := m.predictor.score(tp, tp.ConcatCols(userEmb, itemEmb))

	out := make([]float64, len(pred.Data()))
	copy(out, pred.Data())
	return out
}

// TargetEmbeddings encodes every user and item of the target domain and
// returns their multi-scale embeddings, for export after training.
func (m *Model) TargetEmbeddings() (users, items [][]float64) {
	userIdx := make([]int, m.target.NumUsers)
	for i := range userIdx {
		userIdx[i] = i
	}
	itemIdx := make([]int, m.target.NumItems)
	for i := range itemIdx {
		itemIdx[i] = i
	}

	tp := tensor.NewTape()
	userEmb, itemEmb := m.encode(tp, m.target, userIdx, itemIdx)
	return toRows(userEmb), toRows(itemEmb)
}

func toRows(t *tensor.Tensor) [][]float64 {
	rows := make([][]float64, t.Rows())
	for i := range rows {
		row := make([]float64, t.Cols())
		copy(row, t.Data()[i*t.Cols():(i+1)*t.Cols()])
		rows[i] = row
	}
	return rows
}
