package model

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Batch pairs a feature matrix with one-hot labels, one example per row.
type Batch struct {
	Features *mat.Dense
	Labels   *mat.Dense
}

// Len reports the number of examples in the batch.
func (b Batch) Len() int {
	if b.Features == nil {
		return 0
	}
	r, _ := b.Features.Dims()
	return r
}

// Split partitions the batch into its first n rows and the remainder. Both
// halves are views over the original storage.
func (b Batch) Split(n int) (Batch, Batch, error) {
	total := b.Len()
	if n <= 0 || n >= total {
		return Batch{}, Batch{}, errors.Errorf("split batch of %d at %d: both halves must be non-empty", total, n)
	}
	_, fc := b.Features.Dims()
	_, lc := b.Labels.Dims()
	head := Batch{
		Features: b.Features.Slice(0, n, 0, fc).(*mat.Dense),
		Labels:   b.Labels.Slice(0, n, 0, lc).(*mat.Dense),
	}
	tail := Batch{
		Features: b.Features.Slice(n, total, 0, fc).(*mat.Dense),
		Labels:   b.Labels.Slice(n, total, 0, lc).(*mat.Dense),
	}
	return head, tail, nil
}

// Classes returns the argmax of every label row.
func (b Batch) Classes() []int {
	return Argmax(b.Labels)
}

// Argmax returns the index of the largest entry of each row of m.
func Argmax(m *mat.Dense) []int {
	if m == nil {
		return nil
	}
	r, _ := m.Dims()
	out := make([]int, r)
	for i := 0; i < r; i++ {
		out[i] = floats.MaxIdx(m.RawRowView(i))
	}
	return out
}

// OneHot encodes classes as rows of a width-column indicator matrix.
func OneHot(classes []int, width int) (*mat.Dense, error) {
	if len(classes) == 0 {
		return nil, errors.New("one-hot: no classes")
	}
	m := mat.NewDense(len(classes), width, nil)
	for i, c := range classes {
		if c < 0 || c >= width {
			return nil, errors.Errorf("one-hot: label %d outside [0,%d)", c, width)
		}
		m.Set(i, c, 1)
	}
	return m, nil
}

// Shape is the spatial layout of one example: rows x cols x channels,
// flattened row-major with channels innermost.
type Shape struct {
	Rows     int
	Cols     int
	Channels int
}

// Size is the flattened feature count.
func (s Shape) Size() int { return s.Rows * s.Cols * s.Channels }

func (s Shape) String() string { return fmt.Sprintf("%dx%dx%d", s.Rows, s.Cols, s.Channels) }

// LayerInfo describes one layer for introspection and per-layer persistence.
type LayerInfo struct {
	Index     int
	ID        string
	Kind      string
	NumParams int
	Offset    int
}

// Model is the capability set the training, evaluation and gradient check
// phases rely on.
type Model interface {
	// Fit runs the configured number of optimizer iterations on one batch.
	Fit(b Batch) error
	// Output returns class probabilities, one row per example.
	Output(features *mat.Dense) (*mat.Dense, error)
	// Score is the loss of the last ComputeGradientAndScore or Fit iteration.
	Score() float64
	// ComputeGradientAndScore evaluates loss and gradient on the current
	// input and labels without changing parameters.
	ComputeGradientAndScore() error
	// Gradient is the flat analytic gradient of the last computation,
	// regularization included.
	Gradient() []float64
	// Regularization returns the penalty term of the score and its gradient
	// at the current parameters.
	Regularization() (float64, []float64)
	Params() []float64
	SetParams(p []float64) error
	NumParams() int
	NumOutputs() int
	NumLayers() int
	Layer(i int) LayerInfo
	SetInput(x *mat.Dense) error
	SetLabels(y *mat.Dense) error
	SetListeners(ls ...IterationListener)
}
