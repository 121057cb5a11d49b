package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"convnet-forge/internal/model"
)

// ErrConfig marks malformed configuration input.
var ErrConfig = errors.New("config error")

// Corpus formats.
const (
	CorpusImageNet  = "imagenet"
	CorpusShards    = "shards"
	CorpusSynthetic = "synthetic"
)

// ImageConfig is the target spatial layout every image is decoded to.
type ImageConfig struct {
	Rows     int `yaml:"rows"`
	Cols     int `yaml:"cols"`
	Channels int `yaml:"channels"`
}

// Config captures the runtime knobs for a training run. It is built once from
// Defaults, an optional file and the command line, and is passed by value.
type Config struct {
	Architecture   string `yaml:"model_type"`
	BatchSize      int    `yaml:"batch_size"`
	TestBatchSize  int    `yaml:"test_batch_size"`
	NumBatches     int    `yaml:"num_batches"`
	NumTestBatches int    `yaml:"num_test_batches"`
	NumEpochs      int    `yaml:"num_epochs"`
	Iterations     int    `yaml:"iterations"`
	NumCategories  int    `yaml:"num_categories"`
	OutputNum      int    `yaml:"output_num"`
	Seed           int64  `yaml:"seed"`

	Image ImageConfig `yaml:",inline"`

	TrainFolder string `yaml:"train_folder"`
	TestFolder  string `yaml:"test_folder"`
	Corpus      string `yaml:"corpus"`
	BaseDir     string `yaml:"base_dir"`
	LabelFile   string `yaml:"label_file"`
	ValMapFile  string `yaml:"val_map_file"`
	Workers     int    `yaml:"workers"`
	Prefetch    bool   `yaml:"prefetch"`

	SplitTrain    bool    `yaml:"split_train"`
	TrainFraction float64 `yaml:"train_fraction"`

	GradientCheck         bool `yaml:"gradient_check"`
	GradientCheckRequired bool `yaml:"gradient_check_required"`

	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`
	L2           float64 `yaml:"l2"`

	SaveModel  bool      `yaml:"save_model"`
	SaveParams bool      `yaml:"save_params"`
	ConfName   string    `yaml:"conf_name"`
	ParamName  string    `yaml:"param_name"`
	LoadParams bool      `yaml:"load_params"`
	LayerIDs   LayerList `yaml:"layer_ids"`
	OutputDir  string    `yaml:"output_dir"`

	Width        float64 `yaml:"width"`
	LogEvery     int     `yaml:"log_every"`
	ListenerFreq int     `yaml:"listener_freq"`
	RunDB        string  `yaml:"run_db"`
}

// Defaults returns the stock run: a single AlexNet batch over four ImageNet
// categories with a 1860-way output.
func Defaults() Config {
	return Config{
		Architecture:   model.AlexNet.String(),
		BatchSize:      10,
		TestBatchSize:  10,
		NumBatches:     1,
		NumTestBatches: 1,
		NumEpochs:      1,
		Iterations:     2,
		NumCategories:  4,
		OutputNum:      1860,
		Seed:           123,
		Image:          ImageConfig{Rows: 224, Cols: 224, Channels: 3},
		TrainFolder:    "train",
		TestFolder:     "CLS_VAL",
		Corpus:         CorpusImageNet,
		BaseDir:        "data/imagenet",
		LabelFile:      "labels.txt",
		ValMapFile:     "val_map.txt",
		TrainFraction:  0.8,
		LearningRate:   0.01,
		Momentum:       0.9,
		L2:             5e-4,
		Width:          1,
		LogEvery:       1,
		ListenerFreq:   1,
	}
}

// Load reads a config file over Defaults and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open config: %v", ErrConfig, err)
	}
	defer f.Close()

	cfg := Defaults()
	if err := decode(f, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// TotalTrainExamples is the per-epoch training budget.
func (c *Config) TotalTrainExamples() int { return c.BatchSize * c.NumBatches }

// TotalTestExamples is the evaluation budget.
func (c *Config) TotalTestExamples() int { return c.TestBatchSize * c.NumTestBatches }

func (c *Config) Shape() model.Shape {
	return model.Shape{Rows: c.Image.Rows, Cols: c.Image.Cols, Channels: c.Image.Channels}
}

// ModelDir resolves where checkpoints are written.
func (c *Config) ModelDir() string {
	if c.OutputDir != "" {
		return c.OutputDir
	}
	return filepath.Join(c.BaseDir, "models", strings.ToLower(c.Architecture))
}

// SplitCounts is the fitted and held-out share of every batch when
// SplitTrain is set.
func (c *Config) SplitCounts() (train, test int) {
	train = int(math.Floor(float64(c.BatchSize) * c.TrainFraction))
	return train, c.TotalTrainExamples()/c.NumBatches - train
}

// LoadCheckpoint reports whether the model comes from disk instead of the
// factory.
func (c *Config) LoadCheckpoint() bool { return c.ConfName != "" && c.ParamName != "" }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// Validate verifies the config is runnable. The architecture tag is resolved
// later by the model factory.
func (c *Config) Validate() error {
	if c == nil {
		return invalid("config is nil")
	}
	if strings.TrimSpace(c.Architecture) == "" {
		return invalid("model_type must be set")
	}
	for _, p := range []struct {
		name string
		v    int
	}{
		{"batch_size", c.BatchSize},
		{"test_batch_size", c.TestBatchSize},
		{"num_batches", c.NumBatches},
		{"num_test_batches", c.NumTestBatches},
		{"num_epochs", c.NumEpochs},
		{"iterations", c.Iterations},
		{"num_categories", c.NumCategories},
		{"output_num", c.OutputNum},
		{"rows", c.Image.Rows},
		{"cols", c.Image.Cols},
	} {
		if p.v <= 0 {
			return invalid("%s must be > 0 (got %d)", p.name, p.v)
		}
	}
	if c.Image.Channels != 1 && c.Image.Channels != 3 {
		return invalid("channels must be 1 or 3 (got %d)", c.Image.Channels)
	}
	if c.NumCategories > c.OutputNum {
		return invalid("num_categories %d exceeds output_num %d", c.NumCategories, c.OutputNum)
	}
	if c.TrainFolder == "" || c.TestFolder == "" {
		return invalid("train_folder and test_folder must be set")
	}
	switch c.Corpus {
	case CorpusImageNet, CorpusShards, CorpusSynthetic:
	default:
		return invalid("unknown corpus %q", c.Corpus)
	}
	if c.SplitTrain {
		if c.TrainFraction <= 0 || c.TrainFraction >= 1 {
			return invalid("train_fraction must be in (0,1) (got %g)", c.TrainFraction)
		}
		train, test := c.SplitCounts()
		if train <= 0 {
			return invalid("split_train fits %d of %d examples per batch", train, c.BatchSize)
		}
		if test <= 0 {
			return invalid("split_train leaves %d test examples per batch of %d", test, c.BatchSize)
		}
	}
	if c.GradientCheckRequired && !c.GradientCheck {
		return invalid("gradient_check_required needs gradient_check")
	}
	if c.LearningRate <= 0 {
		return invalid("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return invalid("momentum must be in [0,1) (got %g)", c.Momentum)
	}
	if c.L2 < 0 {
		return invalid("l2 must be >= 0 (got %g)", c.L2)
	}
	if c.Width <= 0 {
		return invalid("width must be > 0 (got %g)", c.Width)
	}
	if c.Workers < 0 {
		return invalid("workers must be >= 0 (got %d)", c.Workers)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 1
	}
	if c.ListenerFreq <= 0 {
		c.ListenerFreq = 1
	}
	return nil
}

// LayerList accepts a YAML sequence or a comma separated scalar.
type LayerList []string

func (l *LayerList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*l = splitList(node.Value)
		return nil
	}
	var ids []string
	if err := node.Decode(&ids); err != nil {
		return err
	}
	*l = ids
	return nil
}

// decode overlays the keys present in r onto cfg; unknown keys are errors.
func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	cfg.Corpus = strings.ToLower(cfg.Corpus)
	return nil
}

func splitList(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' })
}
