package dataset

import (
	"context"
	"fmt"
	"path/filepath"

	"convnet-forge/internal/model"
)

// Shards reads splits stored as WebDataset tar shards under <base>/<split>.
// Labels are the integer .cls payloads.
type Shards struct {
	BaseDir    string
	Shape      model.Shape
	Categories int
	Seed       int64
	Workers    int
}

func (s *Shards) Labels() []string { return nil }

// Open makes one pass over the split's shards, keeping samples whose label is
// below Categories, up to limit.
func (s *Shards) Open(split string, limit int) (Source, error) {
	root := filepath.Join(s.BaseDir, split)
	shards, err := DiscoverShards(root)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("shards %s: none under %s", split, root)
	}
	workers := s.Workers
	if workers <= 0 {
		workers = DefaultWorkers()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	samples, errs, err := StartSampler(ctx, SamplerOptions{
		Roots:      map[string][]string{root: shards},
		Seed:       s.Seed,
		NumWorkers: workers,
		Passes:     1,
	})
	if err != nil {
		return nil, err
	}

	src := &shardSource{name: split, shape: s.Shape}
	for limit <= 0 || len(src.samples) < limit {
		select {
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("shards %s: %w", split, err)
			}
		case sample, ok := <-samples:
			if !ok {
				return s.finish(src, errs)
			}
			if sample.Label >= 0 && sample.Label < s.Categories {
				src.samples = append(src.samples, sample)
			}
		}
	}
	return src, nil
}

func (s *Shards) finish(src *shardSource, errs <-chan error) (Source, error) {
	if errs != nil {
		for err := range errs {
			if err != nil {
				return nil, fmt.Errorf("shards %s: %w", src.name, err)
			}
		}
	}
	if len(src.samples) == 0 {
		return nil, fmt.Errorf("shards %s: no samples for the first %d categories", src.name, s.Categories)
	}
	return src, nil
}

type shardSource struct {
	name    string
	shape   model.Shape
	samples []Sample
}

func (s *shardSource) Split() string { return s.name }
func (s *shardSource) Len() int      { return len(s.samples) }

func (s *shardSource) Example(i int) (Example, error) {
	if i < 0 || i >= len(s.samples) {
		return Example{}, fmt.Errorf("%s: example %d out of range [0,%d)", s.name, i, len(s.samples))
	}
	sample := s.samples[i]
	features, err := Decode(sample.Image, s.shape)
	if err != nil {
		return Example{}, fmt.Errorf("%s/%s: %w", s.name, sample.Key, err)
	}
	return Example{Features: features, Label: sample.Label}, nil
}
