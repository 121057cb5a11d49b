package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/klauspost/cpuid/v2"

	"convnet-forge/internal/config"
	"convnet-forge/internal/dataset"
	"convnet-forge/internal/orchestrator"
	"convnet-forge/internal/runstore"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	flags, err := config.ParseFlags(os.Args[0], os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatalf("invalid arguments: %v", err)
	}
	cfg, err := flags.Config()
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg config.Config) error {
	log.Printf("host cpu=%q logical_cores=%d avx2=%t avx512=%t",
		cpuid.CPU.BrandName, cpuid.CPU.LogicalCores,
		cpuid.CPU.Supports(cpuid.AVX2), cpuid.CPU.Supports(cpuid.AVX512F))

	corpus, err := openCorpus(cfg)
	if err != nil {
		return fmt.Errorf("open corpus: %w", err)
	}

	var opts []orchestrator.Option
	if cfg.RunDB != "" {
		store, err := runstore.Open(cfg.RunDB)
		if err != nil {
			return fmt.Errorf("open run history: %w", err)
		}
		defer store.Close()
		opts = append(opts, orchestrator.WithRecorder(store))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.New(cfg, corpus, opts...)
	log.Printf("run=%s model_type=%s train_examples=%d test_examples=%d epochs=%d",
		orch.ID(), cfg.Architecture, cfg.TotalTrainExamples(), cfg.TotalTestExamples(), cfg.NumEpochs)
	report, err := orch.Run(ctx)
	if err != nil {
		return fmt.Errorf("run %s failed in state %s: %w", orch.ID(), orch.State(), err)
	}

	fmt.Println(report.Stats)
	fmt.Printf("Total training runtime: %.2f minutes\n", report.TrainMinutes())
	fmt.Printf("Total evaluation runtime: %.2f minutes\n", report.EvalMinutes())
	return nil
}

func openCorpus(cfg config.Config) (dataset.Corpus, error) {
	switch cfg.Corpus {
	case config.CorpusSynthetic:
		return dataset.Synthetic{Shape: cfg.Shape(), Categories: cfg.NumCategories, Seed: cfg.Seed}, nil
	case config.CorpusShards:
		return &dataset.Shards{
			BaseDir:    cfg.BaseDir,
			Shape:      cfg.Shape(),
			Categories: cfg.NumCategories,
			Seed:       cfg.Seed,
			Workers:    cfg.Workers,
		}, nil
	default:
		return dataset.NewImageNet(dataset.ImageNetOptions{
			BaseDir:    cfg.BaseDir,
			LabelFile:  resolve(cfg.BaseDir, cfg.LabelFile),
			ValMapFile: resolve(cfg.BaseDir, cfg.ValMapFile),
			Shape:      cfg.Shape(),
			Categories: cfg.NumCategories,
			Seed:       cfg.Seed,
		})
	}
}

// resolve places relative label files under the corpus base directory.
func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
