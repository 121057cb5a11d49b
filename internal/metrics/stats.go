package metrics

import "time"

// Window accumulates per-batch timings between log lines.
type Window struct {
	examples int
	data     time.Duration
	compute  time.Duration
	batches  int
	score    float64
}

// Record adds one fitted batch.
func (w *Window) Record(examples int, dataTime, computeTime time.Duration, score float64) {
	w.examples += examples
	w.data += dataTime
	w.compute += computeTime
	w.batches++
	w.score = score
}

// Snapshot returns the aggregate since the last snapshot and clears the window.
func (w *Window) Snapshot() Snapshot {
	var snap Snapshot
	if total := w.data + w.compute; total > 0 {
		snap.ExamplesPerSec = float64(w.examples) / total.Seconds()
	}
	if w.batches > 0 {
		snap.AvgDataMS = float64(w.data.Microseconds()) / 1000 / float64(w.batches)
		snap.AvgComputeMS = float64(w.compute.Microseconds()) / 1000 / float64(w.batches)
	}
	snap.LastScore = w.score
	*w = Window{}
	return snap
}

// Snapshot is the loggable form of a Window.
type Snapshot struct {
	ExamplesPerSec float64
	AvgDataMS      float64
	AvgComputeMS   float64
	LastScore      float64
}
