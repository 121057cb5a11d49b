package trainer

import (
	"context"
	"fmt"
	"time"

	"convnet-forge/internal/metrics"
	"convnet-forge/internal/model"
)

// Evaluate pulls batchCount batches of testBatchSize examples and folds the
// model's predictions into a fresh evaluation. The model is only read.
func Evaluate(ctx context.Context, m model.Model, feed Feed, batchCount, testBatchSize int, names []string) (*metrics.Evaluation, Timing, error) {
	timing := Timing{Start: time.Now()}
	if batchCount <= 0 {
		return nil, timing, fmt.Errorf("evaluate: batch count must be > 0 (got %d)", batchCount)
	}
	if testBatchSize <= 0 {
		return nil, timing, fmt.Errorf("evaluate: test batch size must be > 0 (got %d)", testBatchSize)
	}
	eval := metrics.NewEvaluation(m.NumOutputs(), names)
	for i := 0; i < batchCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, timing, err
		}
		batch, err := feed.NextN(testBatchSize)
		if err != nil {
			return nil, timing, fmt.Errorf("evaluate: batch %d: %w", i, err)
		}
		if err := evalBatch(m, eval, batch); err != nil {
			return nil, timing, fmt.Errorf("evaluate: batch %d: %w", i, err)
		}
	}
	timing.End = time.Now()
	return eval, timing, nil
}
