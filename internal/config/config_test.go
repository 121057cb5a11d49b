package config

import (
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.TotalTrainExamples() != 10 || cfg.TotalTestExamples() != 10 {
		t.Fatalf("unexpected budgets %d/%d", cfg.TotalTrainExamples(), cfg.TotalTestExamples())
	}
	if cfg.LoadCheckpoint() {
		t.Fatal("defaults should not load a checkpoint")
	}
}

func TestTotals(t *testing.T) {
	cfg := Defaults()
	cfg.BatchSize, cfg.NumBatches = 7, 3
	cfg.TestBatchSize, cfg.NumTestBatches = 5, 4
	if cfg.TotalTrainExamples() != 21 || cfg.TotalTestExamples() != 20 {
		t.Fatalf("unexpected budgets %d/%d", cfg.TotalTrainExamples(), cfg.TotalTestExamples())
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
# small run
model_type: LeNet
batch_size: 4
num_categories: 2
layer_ids: cnn1, ffn1
corpus: synthetic
save_model: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Architecture != "LeNet" || cfg.BatchSize != 4 || cfg.NumCategories != 2 || !cfg.SaveModel {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.TestFolder != "CLS_VAL" || cfg.OutputNum != 1860 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if len(cfg.LayerIDs) != 2 || cfg.LayerIDs[1] != "ffn1" {
		t.Fatalf("layer ids %v", cfg.LayerIDs)
	}
}

func TestLoadYAMLForms(t *testing.T) {
	path := writeConfig(t, `
model_type: "VGGNetA"
corpus: Shards
rows: 32
cols: 32
channels: 1
layer_ids:
  - cnn1
  - output
learning_rate: 0.05
momentum: 0.5
l2: 0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Architecture != "VGGNetA" || cfg.Corpus != CorpusShards {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Image != (ImageConfig{Rows: 32, Cols: 32, Channels: 1}) {
		t.Fatalf("image %+v", cfg.Image)
	}
	if len(cfg.LayerIDs) != 2 || cfg.LayerIDs[1] != "output" {
		t.Fatalf("layer ids %v", cfg.LayerIDs)
	}
	if cfg.LearningRate != 0.05 || cfg.Momentum != 0.5 || cfg.L2 != 0 {
		t.Fatalf("optimizer %g/%g/%g", cfg.LearningRate, cfg.Momentum, cfg.L2)
	}

	empty, err := Load(writeConfig(t, "# nothing set\n"))
	if err != nil {
		t.Fatalf("comment-only file: %v", err)
	}
	if empty.BatchSize != Defaults().BatchSize {
		t.Fatalf("defaults lost: %+v", empty)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	for _, body := range []string{"unknown_key: 1\n", "batch_size: ten\n", "no colon here\n", "batch_size: 0\n"} {
		if _, err := Load(writeConfig(t, body)); !errors.Is(err, ErrConfig) {
			t.Fatalf("%q: expected ErrConfig, got %v", body, err)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, ErrConfig) {
		t.Fatalf("missing file: expected ErrConfig, got %v", err)
	}
}

func TestValidateSplitTrainCarveOut(t *testing.T) {
	cfg := Defaults()
	cfg.SplitTrain = true
	cfg.BatchSize = 1
	if err := cfg.Validate(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for empty split, got %v", err)
	}
	cfg.BatchSize = 10
	if err := cfg.Validate(); err != nil {
		t.Fatalf("batch 10 should split: %v", err)
	}
	if train, test := cfg.SplitCounts(); train != 8 || test != 2 {
		t.Fatalf("split counts %d/%d", train, test)
	}
	cfg.TrainFraction = 1
	if err := cfg.Validate(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for fraction 1, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"outputs below categories": func(c *Config) { c.OutputNum = 2 },
		"zero epochs":              func(c *Config) { c.NumEpochs = 0 },
		"two channels":             func(c *Config) { c.Image.Channels = 2 },
		"corpus":                   func(c *Config) { c.Corpus = "tfrecord" },
		"required without check":   func(c *Config) { c.GradientCheckRequired = true },
		"momentum of one":          func(c *Config) { c.Momentum = 1 },
		"negative l2":              func(c *Config) { c.L2 = -1 },
		"zero learning rate":       func(c *Config) { c.LearningRate = 0 },
	}
	for name, mutate := range cases {
		cfg := Defaults()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrConfig) {
			t.Fatalf("%s: expected ErrConfig, got %v", name, err)
		}
	}
}

func TestParseFlagsAliases(t *testing.T) {
	f, err := ParseFlags("test", []string{"-mT", "VGGNetD", "-b", "20", "--numEpochs", "3", "-sM", "-conf", "vgg_", "-layerIds", "cnn1,output"}, io.Discard)
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	cfg, err := f.Config()
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.Architecture != "VGGNetD" || cfg.BatchSize != 20 || cfg.NumEpochs != 3 || !cfg.SaveModel || cfg.ConfName != "vgg_" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.LayerIDs) != 2 || cfg.LayerIDs[0] != "cnn1" {
		t.Fatalf("layer ids %v", cfg.LayerIDs)
	}
}

func TestFlagsOnlyOverrideWhatIsSet(t *testing.T) {
	path := writeConfig(t, "batch_size: 6\nnum_batches: 2\n")
	f, err := ParseFlags("test", []string{"-config", path, "-nB", "5"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := f.Config()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BatchSize != 6 || cfg.NumBatches != 5 {
		t.Fatalf("batch=%d batches=%d", cfg.BatchSize, cfg.NumBatches)
	}
}

func TestParseFlagsErrors(t *testing.T) {
	if _, err := ParseFlags("test", []string{"-b", "ten"}, io.Discard); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	if _, err := ParseFlags("test", []string{"extra"}, io.Discard); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for positional args, got %v", err)
	}
	if _, err := ParseFlags("test", []string{"-h"}, io.Discard); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
	f, err := ParseFlags("test", []string{"-b", "0"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Config(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig from validation, got %v", err)
	}
}
