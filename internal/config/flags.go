package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"convnet-forge/internal/model"
)

// Flags is a parsed command line. Only flags that were actually given
// override the file and default values.
type Flags struct {
	// ConfigPath is the optional YAML config file.
	ConfigPath string

	fs     *flag.FlagSet
	values Config
	apply  map[string]func(*Config)
}

func bind[T any](f *Flags, register func(*T, string, T, string), field func(*Config) *T, usage string, names ...string) {
	dst := field(&f.values)
	for _, name := range names {
		register(dst, name, *dst, usage)
		f.apply[name] = func(c *Config) { *field(c) = *dst }
	}
}

// ParseFlags parses args. Every option has a long name and most keep a short
// alias, e.g. -batchSize / -b. Parse failures wrap ErrConfig, except
// flag.ErrHelp which is returned as is.
func ParseFlags(name string, args []string, output io.Writer) (*Flags, error) {
	f := &Flags{values: Defaults(), apply: make(map[string]func(*Config))}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	f.fs = fs

	fs.StringVar(&f.ConfigPath, "config", "", "Path to a YAML config file")

	bind(f, fs.StringVar, func(c *Config) *string { return &c.Architecture }, "Type of model ("+architectureList()+")", "modelType", "mT")
	bind(f, fs.IntVar, func(c *Config) *int { return &c.BatchSize }, "Batch size", "batchSize", "b")
	bind(f, fs.IntVar, func(c *Config) *int { return &c.TestBatchSize }, "Test batch size", "testBatchSize", "tB")
	bind(f, fs.IntVar, func(c *Config) *int { return &c.NumBatches }, "Number of batches", "numBatches", "nB")
	bind(f, fs.IntVar, func(c *Config) *int { return &c.NumTestBatches }, "Number of test batches", "numTestBatches", "nTB")
	bind(f, fs.IntVar, func(c *Config) *int { return &c.NumEpochs }, "Number of epochs", "numEpochs", "nE")
	bind(f, fs.IntVar, func(c *Config) *int { return &c.Iterations }, "Optimizer iterations per batch", "iterations", "i")
	bind(f, fs.IntVar, func(c *Config) *int { return &c.NumCategories }, "Number of categories", "numCategories", "nC")
	bind(f, fs.IntVar, func(c *Config) *int { return &c.OutputNum }, "Output layer width", "outputNum")
	bind(f, fs.StringVar, func(c *Config) *string { return &c.TrainFolder }, "Train folder", "trainFolder", "taF")
	bind(f, fs.StringVar, func(c *Config) *string { return &c.TestFolder }, "Test folder", "testFolder", "teF")
	bind(f, fs.BoolVar, func(c *Config) *bool { return &c.SaveModel }, "Save model", "saveModel", "sM")
	bind(f, fs.BoolVar, func(c *Config) *bool { return &c.SaveParams }, "Save parameters", "saveParams", "sP")
	bind(f, fs.StringVar, func(c *Config) *string { return &c.ConfName }, "Model configuration file name", "confName", "conf")
	bind(f, fs.StringVar, func(c *Config) *string { return &c.ParamName }, "Parameter file name", "paramName", "param")
	bind(f, fs.BoolVar, func(c *Config) *bool { return &c.SplitTrain }, "Carve test examples out of every training batch", "splitTrain")
	bind(f, fs.Float64Var, func(c *Config) *float64 { return &c.TrainFraction }, "Fitted share of a batch with -splitTrain", "trainFraction")
	bind(f, fs.BoolVar, func(c *Config) *bool { return &c.GradientCheck }, "Check gradients before training", "gradientCheck")
	bind(f, fs.BoolVar, func(c *Config) *bool { return &c.GradientCheckRequired }, "Abort when the gradient check fails", "gradientCheckRequired")
	bind(f, fs.BoolVar, func(c *Config) *bool { return &c.LoadParams }, "Load per-layer parameters before training", "loadParams")
	bind(f, fs.Int64Var, func(c *Config) *int64 { return &c.Seed }, "PRNG seed", "seed")
	bind(f, fs.IntVar, func(c *Config) *int { return &c.Image.Rows }, "Image rows", "rows")
	bind(f, fs.IntVar, func(c *Config) *int { return &c.Image.Cols }, "Image columns", "cols")
	bind(f, fs.IntVar, func(c *Config) *int { return &c.Image.Channels }, "Image channels (1 or 3)", "channels")
	bind(f, fs.StringVar, func(c *Config) *string { return &c.Corpus }, "Corpus format (imagenet, shards, synthetic)", "corpus")
	bind(f, fs.StringVar, func(c *Config) *string { return &c.BaseDir }, "Corpus base directory", "baseDir")
	bind(f, fs.StringVar, func(c *Config) *string { return &c.LabelFile }, "Label vocabulary file", "labelFile")
	bind(f, fs.StringVar, func(c *Config) *string { return &c.ValMapFile }, "Validation label map file", "valMapFile")
	bind(f, fs.StringVar, func(c *Config) *string { return &c.OutputDir }, "Checkpoint directory", "outputDir")
	bind(f, fs.StringVar, func(c *Config) *string { return &c.RunDB }, "Run history sqlite file", "runDB")
	bind(f, fs.IntVar, func(c *Config) *int { return &c.Workers }, "Number of decode workers", "workers")
	bind(f, fs.BoolVar, func(c *Config) *bool { return &c.Prefetch }, "Decode the next batch in the background", "prefetch")
	bind(f, fs.Float64Var, func(c *Config) *float64 { return &c.LearningRate }, "SGD learning rate", "learningRate", "lr")
	bind(f, fs.Float64Var, func(c *Config) *float64 { return &c.Momentum }, "SGD momentum", "momentum")
	bind(f, fs.Float64Var, func(c *Config) *float64 { return &c.L2 }, "L2 weight decay", "l2")
	bind(f, fs.Float64Var, func(c *Config) *float64 { return &c.Width }, "Scale of hidden layer widths", "width")
	bind(f, fs.IntVar, func(c *Config) *int { return &c.LogEvery }, "Log throughput every N batches", "logEvery")
	bind(f, fs.IntVar, func(c *Config) *int { return &c.ListenerFreq }, "Log the score every N iterations", "listenerFreq")

	fs.Func("layerIds", "Comma separated layer IDs for per-layer parameters", func(s string) error {
		f.values.LayerIDs = splitList(s)
		return nil
	})
	f.apply["layerIds"] = func(c *Config) { c.LayerIDs = append([]string(nil), f.values.LayerIDs...) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if fs.NArg() > 0 {
		return nil, invalid("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return f, nil
}

// Apply copies every flag that was set onto c.
func (f *Flags) Apply(c *Config) {
	f.fs.Visit(func(fl *flag.Flag) {
		if apply, ok := f.apply[fl.Name]; ok {
			apply(c)
		}
	})
}

// Config layers the command line over the config file, or over Defaults when
// no file was given, and validates the result.
func (f *Flags) Config() (Config, error) {
	cfg := Defaults()
	if f.ConfigPath != "" {
		loaded, err := Load(f.ConfigPath)
		if err != nil {
			return Config{}, err
		}
		cfg = *loaded
	}
	f.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func architectureList() string {
	var names []string
	for _, a := range model.Architectures() {
		names = append(names, a.String())
	}
	return strings.Join(names, ", ")
}
