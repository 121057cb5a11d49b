package dataset

import (
	"context"
	"errors"
	"math/rand"
	"sync"
)

// SamplerOptions configures the shard sampler.
type SamplerOptions struct {
	// Roots maps a root directory to its shard paths.
	Roots      map[string][]string
	Seed       int64
	NumWorkers int
	PendingCap int
	// Passes bounds the number of sweeps over every shard; zero repeats
	// forever.
	Passes int
}

// StartSampler streams samples from shards opened by NumWorkers goroutines,
// alternating between roots. Output order depends only on Seed. Both channels
// close when the passes are done or ctx is cancelled.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan Sample, <-chan error, error) {
	total := 0
	for _, shards := range opts.Roots {
		total += len(shards)
	}
	if total == 0 {
		return nil, nil, errors.New("sampler: no shards")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}

	ctx, cancel := context.WithCancel(parent)
	jobs := make(chan shardJob, opts.NumWorkers)
	cursors := make(chan shardCursor, opts.NumWorkers)
	out := make(chan Sample, opts.NumWorkers*2)
	errCh := make(chan error, 1)

	go produceJobs(ctx, jobs, opts.Roots, rand.New(rand.NewSource(opts.Seed)), opts.Passes)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			openShards(ctx, jobs, cursors, opts.PendingCap)
		}()
	}
	go func() {
		wg.Wait()
		close(cursors)
	}()

	go func() {
		defer cancel()
		defer close(errCh)
		defer close(out)
		if err := reorder(ctx, cursors, out); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	return out, errCh, nil
}

type shardJob struct {
	id   int64
	path string
}

type shardCursor struct {
	id      int64
	samples <-chan Sample
	errCh   <-chan error
}

func produceJobs(ctx context.Context, jobs chan<- shardJob, roots map[string][]string, rng *rand.Rand, passes int) {
	defer close(jobs)
	var id int64
	for pass := 0; passes <= 0 || pass < passes; pass++ {
		for _, entry := range interleave(roots, rng) {
			select {
			case <-ctx.Done():
				return
			case jobs <- shardJob{id: id, path: entry.path}:
				id++
			}
		}
	}
}

func openShards(ctx context.Context, jobs <-chan shardJob, cursors chan<- shardCursor, pendingCap int) {
	for job := range jobs {
		samples, errCh := StreamShard(ctx, job.path, pendingCap)
		select {
		case <-ctx.Done():
			return
		case cursors <- shardCursor{id: job.id, samples: samples, errCh: errCh}:
		}
	}
}

// reorder drains shard cursors strictly in job order, whatever order the
// workers opened them in.
func reorder(ctx context.Context, cursors <-chan shardCursor, out chan<- Sample) error {
	waiting := make(map[int64]shardCursor)
	var next int64
	for {
		cur, ok := waiting[next]
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case c, open := <-cursors:
				if !open {
					return nil
				}
				waiting[c.id] = c
			}
			continue
		}
		for sample := range cur.samples {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- sample:
			}
		}
		if err := <-cur.errCh; err != nil {
			return err
		}
		delete(waiting, next)
		next++
	}
}
