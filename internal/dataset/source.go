package dataset

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"

	"convnet-forge/internal/model"
)

// Example is one decoded (features, label) pair.
type Example struct {
	Features []float64
	Label    int
}

// Source is an indexable, read-only view of one corpus split. Example must be
// safe for concurrent use.
type Source interface {
	Split() string
	Len() int
	Example(i int) (Example, error)
}

// Corpus opens named splits, keeping at most limit examples (limit <= 0
// keeps everything).
type Corpus interface {
	Open(split string, limit int) (Source, error)
	// Labels names the label indices, when known.
	Labels() []string
}

// MemorySource serves pre-decoded examples.
type MemorySource struct {
	name     string
	examples []Example
}

func NewMemorySource(split string, examples []Example) *MemorySource {
	return &MemorySource{name: split, examples: examples}
}

func (m *MemorySource) Split() string { return m.name }
func (m *MemorySource) Len() int      { return len(m.examples) }

func (m *MemorySource) Example(i int) (Example, error) {
	if i < 0 || i >= len(m.examples) {
		return Example{}, fmt.Errorf("%s: example %d out of range [0,%d)", m.name, i, len(m.examples))
	}
	return m.examples[i], nil
}

// Synthetic generates deterministic labeled images without touching disk.
// Labels cycle over Categories; pixel intensity is biased by label so that
// the task is learnable.
type Synthetic struct {
	Shape      model.Shape
	Categories int
	Seed       int64
	// Size caps every split; zero means a split holds exactly the limit.
	Size int
}

func (s Synthetic) Open(split string, limit int) (Source, error) {
	if s.Categories <= 0 {
		return nil, errors.New("synthetic: categories must be > 0")
	}
	if s.Shape.Size() <= 0 {
		return nil, fmt.Errorf("synthetic: invalid shape %s", s.Shape)
	}
	n := limit
	if s.Size > 0 && (n <= 0 || n > s.Size) {
		n = s.Size
	}
	if n <= 0 {
		return nil, errors.New("synthetic: limit or size must be > 0")
	}
	h := fnv.New64a()
	h.Write([]byte(split))
	rng := rand.New(rand.NewSource(s.Seed ^ int64(h.Sum64())))
	examples := make([]Example, n)
	for i := range examples {
		label := i % s.Categories
		base := float64(label+1) / float64(s.Categories+1)
		features := make([]float64, s.Shape.Size())
		for j := range features {
			features[j] = base + 0.1*(rng.Float64()-0.5)
		}
		examples[i] = Example{Features: features, Label: label}
	}
	return NewMemorySource(split, examples), nil
}

func (s Synthetic) Labels() []string {
	out := make([]string, s.Categories)
	for i := range out {
		out[i] = fmt.Sprintf("class%d", i)
	}
	return out
}
