package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"convnet-forge/internal/metrics"
	"convnet-forge/internal/model"
)

// Feed is the batch source the loops pull from.
type Feed interface {
	Next() (model.Batch, error)
	NextN(n int) (model.Batch, error)
}

// BatchEvent describes one fitted batch.
type BatchEvent struct {
	Epoch       int
	Batch       int
	Examples    int
	DataTime    time.Duration
	ComputeTime time.Duration
	Score       float64
}

// Observer is invoked after every Fit call.
type Observer interface {
	BatchDone(m model.Model, ev BatchEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(m model.Model, ev BatchEvent)

func (f ObserverFunc) BatchDone(m model.Model, ev BatchEvent) { f(m, ev) }

// LogObserver logs throughput every Every batches.
type LogObserver struct {
	Every  int
	window metrics.Window
	seen   int
}

func (o *LogObserver) BatchDone(_ model.Model, ev BatchEvent) {
	every := o.Every
	if every <= 0 {
		every = 1
	}
	o.window.Record(ev.Examples, ev.DataTime, ev.ComputeTime, ev.Score)
	o.seen++
	if o.seen%every == 0 {
		snap := o.window.Snapshot()
		log.Printf("epoch=%d batch=%d images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f",
			ev.Epoch,
			ev.Batch,
			snap.ExamplesPerSec,
			snap.AvgDataMS,
			snap.AvgComputeMS,
			snap.LastScore,
		)
	}
}

// Timing brackets a phase.
type Timing struct {
	Start time.Time
	End   time.Time
}

func (t Timing) Duration() time.Duration { return t.End.Sub(t.Start) }

func (t Timing) Minutes() float64 { return t.Duration().Minutes() }

func checkCounts(epochs, batches int) error {
	if epochs <= 0 {
		return fmt.Errorf("trainer: epochs must be > 0 (got %d)", epochs)
	}
	if batches <= 0 {
		return fmt.Errorf("trainer: batches per epoch must be > 0 (got %d)", batches)
	}
	return nil
}

// Run fits m on batchesPerEpoch batches for each of epochs epochs. Any feed or
// fit error aborts the loop. ctx is only checked between batches.
func Run(ctx context.Context, m model.Model, feed Feed, epochs, batchesPerEpoch int, obs ...Observer) (Timing, error) {
	timing := Timing{Start: time.Now()}
	if err := checkCounts(epochs, batchesPerEpoch); err != nil {
		return timing, err
	}
	for epoch := 0; epoch < epochs; epoch++ {
		for b := 0; b < batchesPerEpoch; b++ {
			if err := ctx.Err(); err != nil {
				return timing, err
			}
			startData := time.Now()
			batch, err := feed.Next()
			if err != nil {
				return timing, fmt.Errorf("trainer: epoch %d batch %d: %w", epoch, b, err)
			}
			dataTime := time.Since(startData)

			startCompute := time.Now()
			if err := m.Fit(batch); err != nil {
				return timing, fmt.Errorf("trainer: fit epoch %d batch %d: %w", epoch, b, err)
			}
			notify(m, obs, BatchEvent{
				Epoch:       epoch,
				Batch:       b,
				Examples:    batch.Len(),
				DataTime:    dataTime,
				ComputeTime: time.Since(startCompute),
				Score:       m.Score(),
			})
		}
	}
	timing.End = time.Now()
	return timing, nil
}

// TrainCount is the size of the fitted head of a batch of n examples.
func TrainCount(n int, fraction float64) int {
	return int(math.Floor(float64(n) * fraction))
}

// RunSplit is Run where every batch is cut in two: the first
// floor(len*trainFraction) examples are fitted and the rest are evaluated
// straight away. The returned evaluation covers every held-out tail.
func RunSplit(ctx context.Context, m model.Model, feed Feed, epochs, batchesPerEpoch int, trainFraction float64, names []string, obs ...Observer) (*metrics.Evaluation, Timing, error) {
	timing := Timing{Start: time.Now()}
	if err := checkCounts(epochs, batchesPerEpoch); err != nil {
		return nil, timing, err
	}
	if trainFraction <= 0 || trainFraction >= 1 {
		return nil, timing, fmt.Errorf("trainer: train fraction must be in (0,1) (got %g)", trainFraction)
	}
	eval := metrics.NewEvaluation(m.NumOutputs(), names)
	for epoch := 0; epoch < epochs; epoch++ {
		for b := 0; b < batchesPerEpoch; b++ {
			if err := ctx.Err(); err != nil {
				return nil, timing, err
			}
			startData := time.Now()
			batch, err := feed.Next()
			if err != nil {
				return nil, timing, fmt.Errorf("trainer: epoch %d batch %d: %w", epoch, b, err)
			}
			n := TrainCount(batch.Len(), trainFraction)
			train, test, err := batch.Split(n)
			if err != nil {
				return nil, timing, fmt.Errorf("trainer: epoch %d batch %d: %w", epoch, b, err)
			}
			dataTime := time.Since(startData)

			startCompute := time.Now()
			if err := m.Fit(train); err != nil {
				return nil, timing, fmt.Errorf("trainer: fit epoch %d batch %d: %w", epoch, b, err)
			}
			computeTime := time.Since(startCompute)
			if err := evalBatch(m, eval, test); err != nil {
				return nil, timing, fmt.Errorf("trainer: epoch %d batch %d: %w", epoch, b, err)
			}
			notify(m, obs, BatchEvent{
				Epoch:       epoch,
				Batch:       b,
				Examples:    train.Len(),
				DataTime:    dataTime,
				ComputeTime: computeTime,
				Score:       m.Score(),
			})
		}
	}
	timing.End = time.Now()
	return eval, timing, nil
}

func notify(m model.Model, obs []Observer, ev BatchEvent) {
	for _, o := range obs {
		if o != nil {
			o.BatchDone(m, ev)
		}
	}
}

var errEmptyBatch = errors.New("empty batch")

func evalBatch(m model.Model, eval *metrics.Evaluation, b model.Batch) error {
	if b.Len() == 0 {
		return errEmptyBatch
	}
	out, err := m.Output(b.Features)
	if err != nil {
		return fmt.Errorf("output: %w", err)
	}
	return eval.Eval(b.Labels, out)
}
