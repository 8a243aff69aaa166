package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"

	"github.com/cnclabs/grade/internal/config"
	"github.com/cnclabs/grade/internal/models/grade"
	"github.com/cnclabs/grade/pkg/bipartite"
	"github.com/cnclabs/grade/pkg/optim"
	"github.com/cnclabs/grade/pkg/tensor"
)

func main() {
	defaults := config.Default()

	// Define command-line flags
	configPath := flag.String("config", "", "Optional YAML config file")
	trainS := flag.String("train_s", "", "Source-domain labeled interactions")
	trainT := flag.String("train_t", "", "Target-domain labeled interactions")
	featsS := flag.String("feats_s", "", "Optional source-domain node feature file")
	featsT := flag.String("feats_t", "", "Optional target-domain node feature file")
	save := flag.String("save", "", "Save the target-domain embedding data")
	dimensions := flag.Int("dimensions", defaults.Dimensions, "Dimension of each convolution layer")
	layers := flag.Int("layers", defaults.Layers, "Number of graph convolution layers")
	domainWeight := flag.Float64("domain_weight", defaults.DomainWeight, "Weight of the adversarial domain loss")
	epochs := flag.Int("epochs", defaults.Epochs, "Number of training epochs")
	batchSize := flag.Int("batch_size", defaults.BatchSize, "Training batch size")
	lr := flag.Float64("lr", defaults.LearningRate, "Learning rate")
	optimizer := flag.String("optimizer", defaults.Optimizer, "Optimizer: adam or sgd")
	seed := flag.Int64("seed", defaults.Seed, "Random seed")

	flag.Usage = func() {
		fmt.Println("[GRADE-Go]")
		fmt.Println("\tGraph + domain-adversarial cross-domain recommendation")
		fmt.Println()
		fmt.Println("Options Description:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("./grade -train_s source.txt -train_t target.txt -save rep.txt -dimensions 64 -epochs 10 -lr 0.01")
	}

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Explicit flags take precedence over config file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "train_s":
			cfg.TrainSource = *trainS
		case "train_t":
			cfg.TrainTarget = *trainT
		case "feats_s":
			cfg.FeatsSource = *featsS
		case "feats_t":
			cfg.FeatsTarget = *featsT
		case "save":
			cfg.Save = *save
		case "dimensions":
			cfg.Dimensions = *dimensions
		case "layers":
			cfg.Layers = *layers
		case "domain_weight":
			cfg.DomainWeight = *domainWeight
		case "epochs":
			cfg.Epochs = *epochs
		case "batch_size":
			cfg.BatchSize = *batchSize
		case "lr":
			cfg.LearningRate = *lr
		case "optimizer":
			cfg.Optimizer = *optimizer
		case "seed":
			cfg.Seed = *seed
		}
	})

	// Check required parameters
	if cfg.TrainSource == "" || cfg.TrainTarget == "" || cfg.Save == "" {
		flag.Usage()
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	rng := rand.New(rand.NewSource(cfg.Seed))

	sourceSet := bipartite.NewDataset()
	if err := sourceSet.LoadExamples(cfg.TrainSource); err != nil {
		return err
	}
	targetSet := bipartite.NewDataset()
	if err := targetSet.LoadExamples(cfg.TrainTarget); err != nil {
		return err
	}
	if len(sourceSet.Examples) == 0 || len(targetSet.Examples) == 0 {
		return fmt.Errorf("both domains need at least one training example")
	}

	sourceFeats, targetFeats, err := loadFeatures(cfg, sourceSet, targetSet)
	if err != nil {
		return err
	}

	source := grade.Domain{
		NumUsers: sourceSet.NumUsers,
		NumItems: sourceSet.NumItems,
		Feats:    sourceFeats,
		Adj:      sourceSet.Adjacency(),
	}
	target := grade.Domain{
		NumUsers: targetSet.NumUsers,
		NumItems: targetSet.NumItems,
		Feats:    targetFeats,
		Adj:      targetSet.Adjacency(),
	}

	modelCfg := grade.Config{
		EmbedDim:         cfg.Dimensions,
		NumLayers:        cfg.Layers,
		DomainLossWeight: cfg.DomainWeight,
	}
	model := grade.New(modelCfg, source, target, rng)
	params := model.Parameters()

	var opt optim.Optimizer
	switch cfg.Optimizer {
	case "sgd":
		opt = optim.NewSGD(cfg.LearningRate)
	case "adam":
		opt = optim.NewAdam(cfg.LearningRate)
	default:
		return fmt.Errorf("unknown optimizer %q", cfg.Optimizer)
	}

	fmt.Println("Model:")
	fmt.Println("\t[GRADE]")
	fmt.Println("Model Setting:")
	fmt.Printf("\tdimension:\t\t%d\n", cfg.Dimensions)
	fmt.Printf("\tgcn_layers:\t\t%d\n", cfg.Layers)
	fmt.Printf("\tdomain_weight:\t\t%.3f\n", cfg.DomainWeight)
	fmt.Println("Learning Parameters:")
	fmt.Printf("\tepochs:\t\t\t%d\n", cfg.Epochs)
	fmt.Printf("\tbatch_size:\t\t%d\n", cfg.BatchSize)
	fmt.Printf("\tlearning_rate:\t\t%.6f\n", cfg.LearningRate)
	fmt.Printf("\toptimizer:\t\t%s\n", cfg.Optimizer)

	fmt.Println("Start Training:")

	stepsPerEpoch := (len(sourceSet.Examples) + cfg.BatchSize - 1) / cfg.BatchSize
	if t := (len(targetSet.Examples) + cfg.BatchSize - 1) / cfg.BatchSize; t > stepsPerEpoch {
		stepsPerEpoch = t
	}
	total := cfg.Epochs * stepsPerEpoch
	step := 0

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		batchesS := sourceSet.Batches(cfg.BatchSize, rng)
		batchesT := targetSet.Batches(cfg.BatchSize, rng)

		epochLoss := 0.0
		for i := 0; i < stepsPerEpoch; i++ {
			bs := toBatch(batchesS[i%len(batchesS)])
			bt := toBatch(batchesT[i%len(batchesT)])

			// DANN schedule: ramp the adversarial weight with training progress.
			p := float64(step) / float64(total)
			alpha := 2.0/(1.0+math.Exp(-10.0*p)) - 1.0

			loss := model.Forward(bs, bt, alpha)
			loss.Backward()
			opt.Step(params)
			optim.ZeroGrad(params)

			epochLoss += loss.Scalar()
			step++

			fmt.Printf("\tAlpha: %.4f\tLoss: %.6f\tProgress: %.3f %%\r",
				alpha, loss.Scalar(), float64(step)/float64(total)*100)
		}
		fmt.Printf("\tEpoch: %d/%d\tAvg Loss: %.6f\t\t\t\n",
			epoch, cfg.Epochs, epochLoss/float64(stepsPerEpoch))
	}

	return saveEmbeddings(cfg.Save, model, targetSet)
}

// loadFeatures returns both domains' node feature matrices: loaded from file
// when configured, otherwise one-hot features padded to a shared width.
func loadFeatures(cfg config.Config, sourceSet, targetSet *bipartite.Dataset) (*tensor.Tensor, *tensor.Tensor, error) {
	width := sourceSet.NumNodes()
	if n := targetSet.NumNodes(); n > width {
		width = n
	}

	sourceFeats := sourceSet.Features(width)
	if cfg.FeatsSource != "" {
		f, err := sourceSet.LoadFeatures(cfg.FeatsSource)
		if err != nil {
			return nil, nil, err
		}
		sourceFeats = f
	}

	targetFeats := targetSet.Features(width)
	if cfg.FeatsTarget != "" {
		f, err := targetSet.LoadFeatures(cfg.FeatsTarget)
		if err != nil {
			return nil, nil, err
		}
		targetFeats = f
	}

	if sourceFeats.Cols() != targetFeats.Cols() {
		return nil, nil, fmt.Errorf("feature width mismatch: source %d, target %d (the convolution stack is shared)",
			sourceFeats.Cols(), targetFeats.Cols())
	}
	return sourceFeats, targetFeats, nil
}

func toBatch(examples []bipartite.Example) grade.Batch {
	b := grade.Batch{
		Users:  make([]int, len(examples)),
		Items:  make([]int, len(examples)),
		Labels: make([]float64, len(examples)),
	}
	for i, ex := range examples {
		b.Users[i] = ex.User
		b.Items[i] = ex.Item
		b.Labels[i] = ex.Label
	}
	return b
}

// saveEmbeddings writes the target domain's multi-scale embeddings, users
// first then items, one "name v1 v2 ..." line per node.
func saveEmbeddings(filename string, model *grade.Model, targetSet *bipartite.Dataset) error {
	fmt.Println("Save Model:")

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %v", err)
	}
	defer file.Close()

	users, items := model.TargetEmbeddings()
	dim := 0
	if len(users) > 0 {
		dim = len(users[0])
	}

	fmt.Fprintf(file, "%d %d\n", len(users)+len(items), dim)
	for i, emb := range users {
		fmt.Fprintf(file, "%s", targetSet.UserKeys[i])
		for _, v := range emb {
			fmt.Fprintf(file, " %.6f", v)
		}
		fmt.Fprintln(file)
	}
	for i, emb := range items {
		fmt.Fprintf(file, "%s", targetSet.ItemKeys[i])
		for _, v := range emb {
			fmt.Fprintf(file, " %.6f", v)
		}
		fmt.Fprintln(file)
	}

	fmt.Printf("\tSave to <%s>\n", filename)
	return nil
}
