package grade

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnclabs/grade/pkg/optim"
	"github.com/cnclabs/grade/pkg/sparse"
	"github.com/cnclabs/grade/pkg/tensor"
)

// toyDomain builds a 2-user, 2-item domain with one-hot features and a
// normalized self-looped adjacency where user u interacts with item u.
func toyDomain(t *testing.T) Domain {
	t.Helper()
	const n = 4
	feats := make([]float64, n*n)
	for i := 0; i < n; i++ {
		feats[i*n+i] = 1
	}

	entries := make([]sparse.Entry, 0, n+4)
	for i := 0; i < n; i++ {
		entries = append(entries, sparse.Entry{Row: i, Col: i, Val: 0.5})
	}
	for u := 0; u < 2; u++ {
		entries = append(entries,
			sparse.Entry{Row: u, Col: 2 + u, Val: 0.5},
			sparse.Entry{Row: 2 + u, Col: u, Val: 0.5},
		)
	}

	return Domain{
		NumUsers: 2,
		NumItems: 2,
		Feats:    tensor.Const(n, n, feats),
		Adj:      sparse.New(n, n, entries),
	}
}

func toyBatch() Batch {
	return Batch{
		Users:  []int{0, 0, 1, 1},
		Items:  []int{0, 1, 0, 1},
		Labels: []float64{1, 0, 0, 1},
	}
}

func newToyModel(t *testing.T, seed int64, domainWeight float64) *Model {
	t.Helper()
	cfg := DefaultConfig(8)
	cfg.DomainLossWeight = domainWeight
	rng := rand.New(rand.NewSource(seed))
	return New(cfg, toyDomain(t), toyDomain(t), rng)
}

func TestInferenceProbabilitiesInRange(t *testing.T) {
	m := newToyModel(t, 42, 0.1)

	probs := m.Inference([]int{0, 0, 1, 1}, []int{0, 1, 0, 1})

	require.Len(t, probs, 4)
	for _, p := range probs {
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
	}
}

func TestOffsetItems(t *testing.T) {
	// Item k of a domain with numUsers users lives at node row numUsers+k.
	assert.Equal(t, []int{7}, offsetItems([]int{2}, 5))
	assert.Equal(t, []int{3, 5, 4}, offsetItems([]int{0, 2, 1}, 3))
}

func TestEncodeGathersOffsetItemRows(t *testing.T) {
	// An item embedding must come from the same node row a user index
	// pointing at that row would read: item 1 with 2 users is node 3.
	m := newToyModel(t, 9, 0.1)

	tp := tensor.NewTape()
	userEmb, itemEmb := m.encode(tp, m.target, []int{3}, []int{1})

	assert.Equal(t, userEmb.Data(), itemEmb.Data())
}

func TestSharedStackGivesIdenticalEmbeddings(t *testing.T) {
	// Structurally identical domains run through the shared layer stack
	// must produce identical embeddings.
	m := newToyModel(t, 5, 0.1)
	users, items := []int{0, 1}, []int{0, 1}

	tp := tensor.NewTape()
	userS, itemS := m.encode(tp, m.source, users, items)
	userT, itemT := m.encode(tp, m.target, users, items)

	assert.Equal(t, userS.Data(), userT.Data())
	assert.Equal(t, itemS.Data(), itemT.Data())
}

func TestGraphConvolutionDeterminism(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	gc := NewGraphConvolution(4, 8, rng)
	d := toyDomain(t)

	first := gc.Forward(tensor.NewTape(), d.Feats, d.Adj)
	second := gc.Forward(tensor.NewTape(), d.Feats, d.Adj)

	assert.Equal(t, first.Data(), second.Data())
}

func TestDomainLabels(t *testing.T) {
	labels := domainLabels(3, 2)

	assert.Equal(t, []float64{0, 0, 0, 1, 1}, labels)
}

func TestCompositeLossAtLeastSupervised(t *testing.T) {
	// Same seed gives identical parameters; the only difference is the
	// adversarial term, which is nonnegative.
	full := newToyModel(t, 17, 0.1)
	supervisedOnly := newToyModel(t, 17, 0)

	lossFull := full.Forward(toyBatch(), toyBatch(), 1.0).Scalar()
	lossSup := supervisedOnly.Forward(toyBatch(), toyBatch(), 1.0).Scalar()

	assert.GreaterOrEqual(t, lossFull, lossSup-1e-12)
}

func TestTrainingStepReducesLoss(t *testing.T) {
	// alpha=0 cuts the reversed gradient, so the step is plain descent on
	// the composite loss and must not increase it on the same batch.
	m := newToyModel(t, 42, 0.1)
	params := m.Parameters()
	opt := optim.NewSGD(0.05)
	bs, bt := toyBatch(), toyBatch()

	loss := m.Forward(bs, bt, 0)
	first := loss.Scalar()
	require.False(t, math.IsNaN(first))
	require.False(t, math.IsInf(first, 0))
	require.Greater(t, first, 0.0)

	loss.Backward()
	opt.Step(params)
	optim.ZeroGrad(params)

	second := m.Forward(bs, bt, 0).Scalar()
	assert.LessOrEqual(t, second, first+1e-9)
}

func TestAdversarialStepKeepsLossFinite(t *testing.T) {
	m := newToyModel(t, 42, 0.1)
	params := m.Parameters()
	opt := optim.NewSGD(0.05)
	bs, bt := toyBatch(), toyBatch()

	loss := m.Forward(bs, bt, 1.0)
	loss.Backward()
	opt.Step(params)
	optim.ZeroGrad(params)

	after := m.Forward(bs, bt, 1.0).Scalar()
	require.False(t, math.IsNaN(after))
	require.False(t, math.IsInf(after, 0))
	assert.Greater(t, after, 0.0)
}

func TestParametersCount(t *testing.T) {
	m := newToyModel(t, 1, 0.1)

	// Two convolution layers with weight+bias, plus three scorers.
	assert.Len(t, m.Parameters(), 2*2+3*2)
}
