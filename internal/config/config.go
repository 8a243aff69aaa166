package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envPrefix is stripped from environment variables before they are mapped
// onto config keys, e.g. GRADE_BATCH_SIZE -> batch_size.
const envPrefix = "GRADE_"

// Config holds the trainer settings. Values are layered: struct defaults,
// then an optional YAML file, then GRADE_* environment variables.
type Config struct {
	TrainSource string `koanf:"train_source"`
	TrainTarget string `koanf:"train_target"`
	FeatsSource string `koanf:"feats_source"`
	FeatsTarget string `koanf:"feats_target"`
	Save        string `koanf:"save"`

	Dimensions   int     `koanf:"dimensions"`
	Layers       int     `koanf:"layers"`
	DomainWeight float64 `koanf:"domain_weight"`

	Epochs       int     `koanf:"epochs"`
	BatchSize    int     `koanf:"batch_size"`
	LearningRate float64 `koanf:"learning_rate"`
	Optimizer    string  `koanf:"optimizer"`
	Seed         int64   `koanf:"seed"`
}

// Default returns the trainer defaults.
func Default() Config {
	return Config{
		Dimensions:   64,
		Layers:       2,
		DomainWeight: 0.1,
		Epochs:       10,
		BatchSize:    256,
		LearningRate: 0.01,
		Optimizer:    "adam",
		Seed:         1,
	}
}

// Load builds the layered configuration. path may be empty, in which case
// only defaults and environment variables apply.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	defaults := Default()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}
