// Package gradcheck compares a model's backprop gradient with a centered
// finite-difference estimate.
package gradcheck

import (
	"errors"
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/diff/fd"

	"convnet-forge/internal/model"
)

// ErrGradientCheck reports that at least one parameter diverged.
var ErrGradientCheck = errors.New("gradient check failed")

// Options tunes a check.
type Options struct {
	// Epsilon is the perturbation step and the floor of the relative error
	// denominator.
	Epsilon          float64
	MaxRelativeError float64
	// UseOptimizerState checks the gradient the optimizer consumes, L2
	// decay included. Otherwise the regularization term is removed from both
	// sides and only the data loss is checked.
	UseOptimizerState bool
}

// DefaultOptions matches the settings used before training.
func DefaultOptions() Options {
	return Options{Epsilon: 1e-6, MaxRelativeError: 0.25, UseOptimizerState: true}
}

// Result is the outcome of one check.
type Result struct {
	Pass bool
	// RelativeErrors holds one entry per parameter, in flat order.
	RelativeErrors []float64
	// Worst is the index of the largest relative error, -1 without params.
	Worst  int
	Failed int
}

// Check perturbs every parameter by +/- Epsilon on batch b and compares the
// centered difference of the score with the analytic gradient. The model's
// parameters are restored before returning; a failed restore is returned as
// the error.
func Check(m model.Model, b model.Batch, opts Options) (res Result, err error) {
	if opts.Epsilon <= 0 {
		return Result{}, fmt.Errorf("gradcheck: epsilon must be > 0 (got %g)", opts.Epsilon)
	}
	if err := m.SetInput(b.Features); err != nil {
		return Result{}, err
	}
	if err := m.SetLabels(b.Labels); err != nil {
		return Result{}, err
	}
	original := m.Params()
	defer func() {
		restoreErr := m.SetParams(original)
		if restoreErr == nil {
			restoreErr = m.ComputeGradientAndScore()
		}
		if restoreErr != nil && err == nil {
			res, err = Result{}, fmt.Errorf("gradcheck: restore params: %w", restoreErr)
		}
	}()

	if err := m.ComputeGradientAndScore(); err != nil {
		return Result{}, fmt.Errorf("gradcheck: analytic gradient: %w", err)
	}
	analytic := m.Gradient()
	if !opts.UseOptimizerState {
		_, reg := m.Regularization()
		for i := range analytic {
			analytic[i] -= reg[i]
		}
	}

	var evalErr error
	loss := func(x []float64) float64 {
		if evalErr != nil {
			return 0
		}
		if err := m.SetParams(x); err != nil {
			evalErr = err
			return 0
		}
		if err := m.ComputeGradientAndScore(); err != nil {
			evalErr = err
			return 0
		}
		s := m.Score()
		if !opts.UseOptimizerState {
			penalty, _ := m.Regularization()
			s -= penalty
		}
		return s
	}
	numeric := fd.Gradient(nil, loss, append([]float64(nil), original...), &fd.Settings{
		Formula: fd.Central,
		Step:    opts.Epsilon,
	})
	if evalErr != nil {
		return Result{}, fmt.Errorf("gradcheck: numeric gradient: %w", evalErr)
	}

	res = Result{Pass: true, Worst: -1, RelativeErrors: make([]float64, len(analytic))}
	for i := range analytic {
		rel := RelativeError(analytic[i], numeric[i], opts.Epsilon)
		res.RelativeErrors[i] = rel
		if res.Worst < 0 || rel > res.RelativeErrors[res.Worst] {
			res.Worst = i
		}
		if rel > opts.MaxRelativeError {
			res.Failed++
			res.Pass = false
		}
	}
	return res, nil
}

// RelativeError is |a-n| / max(|a|, |n|, floor).
func RelativeError(analytic, numeric, floor float64) float64 {
	den := math.Max(math.Max(math.Abs(analytic), math.Abs(numeric)), floor)
	return math.Abs(analytic-numeric) / den
}

// LogLayers prints the parameter count of every layer.
func LogLayers(m model.Model) {
	for i := 0; i < m.NumLayers(); i++ {
		l := m.Layer(i)
		log.Printf("layer=%d id=%s kind=%s params=%d", i, l.ID, l.Kind, l.NumParams)
	}
}
