package dataset

import (
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"

	"convnet-forge/internal/model"
)

// ErrExhaustedSplit is returned when a request cannot be served from the
// remaining budget and no further epoch is configured.
var ErrExhaustedSplit = errors.New("exhausted split")

// FeedOptions bounds a Feed.
type FeedOptions struct {
	// BatchSize is the default request size of Next.
	BatchSize int
	// Budget is the number of examples served per epoch.
	Budget int
	// Epochs is the number of passes over the budget; at least one.
	Epochs int
	// Outputs is the width of the one-hot label rows.
	Outputs int
	// Workers decode examples in parallel; zero uses DefaultWorkers.
	Workers int
	// Prefetch decodes the next default-sized batch in the background.
	Prefetch bool
}

// Cursor is a snapshot of the feed position.
type Cursor struct {
	Split  string
	Offset int
	Epoch  int
	Budget int
}

// Feed serves batches from the first Budget examples of a Source, for a fixed
// number of epochs. It is not safe for concurrent use.
type Feed struct {
	src  Source
	opts FeedOptions

	offset  int
	epoch   int
	pending *prefetch
}

type prefetch struct {
	start int
	n     int
	done  chan struct{}
	batch model.Batch
	err   error
}

// NewFeed validates opts against src.
func NewFeed(src Source, opts FeedOptions) (*Feed, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("feed %s: batch size must be > 0 (got %d)", src.Split(), opts.BatchSize)
	}
	if opts.Budget <= 0 {
		return nil, fmt.Errorf("feed %s: budget must be > 0 (got %d)", src.Split(), opts.Budget)
	}
	if opts.Outputs <= 0 {
		return nil, fmt.Errorf("feed %s: outputs must be > 0 (got %d)", src.Split(), opts.Outputs)
	}
	if opts.Epochs <= 0 {
		opts.Epochs = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers()
	}
	if src.Len() < opts.Budget {
		return nil, fmt.Errorf("%w: %s holds %d examples, budget is %d", ErrExhaustedSplit, src.Split(), src.Len(), opts.Budget)
	}
	return &Feed{src: src, opts: opts}, nil
}

func (f *Feed) Cursor() Cursor {
	return Cursor{Split: f.src.Split(), Offset: f.offset, Epoch: f.epoch, Budget: f.opts.Budget}
}

// Reset rewinds to the start of epoch zero.
func (f *Feed) Reset() {
	f.offset = 0
	f.epoch = 0
	f.pending = nil
}

// Next serves BatchSize examples.
func (f *Feed) Next() (model.Batch, error) {
	return f.NextN(f.opts.BatchSize)
}

// NextN serves n examples, moving to the next epoch when the current one
// cannot hold them. The cursor only advances on success.
func (f *Feed) NextN(n int) (model.Batch, error) {
	if n <= 0 {
		return model.Batch{}, fmt.Errorf("feed %s: request size must be > 0 (got %d)", f.src.Split(), n)
	}
	offset, epoch := f.offset, f.epoch
	if offset+n > f.opts.Budget {
		if epoch+1 >= f.opts.Epochs || n > f.opts.Budget {
			return model.Batch{}, fmt.Errorf("%w: %s epoch %d has %d of %d examples left, requested %d",
				ErrExhaustedSplit, f.src.Split(), epoch, f.opts.Budget-offset, f.opts.Budget, n)
		}
		offset, epoch = 0, epoch+1
	}

	var batch model.Batch
	var err error
	if p := f.pending; p != nil && p.start == offset && p.n == n {
		<-p.done
		batch, err = p.batch, p.err
	} else {
		batch, err = f.load(offset, n)
	}
	f.pending = nil
	if err != nil {
		return model.Batch{}, err
	}

	f.offset, f.epoch = offset+n, epoch
	if f.opts.Prefetch {
		f.schedule()
	}
	return batch, nil
}

func (f *Feed) schedule() {
	n := f.opts.BatchSize
	start := f.offset
	if start+n > f.opts.Budget {
		if f.epoch+1 >= f.opts.Epochs || n > f.opts.Budget {
			return
		}
		start = 0
	}
	p := &prefetch{start: start, n: n, done: make(chan struct{})}
	f.pending = p
	go func() {
		defer close(p.done)
		p.batch, p.err = f.load(start, n)
	}()
}

// load decodes examples [start, start+n) with the worker pool.
func (f *Feed) load(start, n int) (model.Batch, error) {
	examples := make([]Example, n)
	errs := make([]error, n)
	jobs := make(chan int)
	workers := f.opts.Workers
	if workers > n {
		workers = n
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				examples[i], errs[i] = f.src.Example(start + i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return model.Batch{}, fmt.Errorf("feed %s: example %d: %w", f.src.Split(), start+i, err)
		}
	}
	width := len(examples[0].Features)
	if width == 0 {
		return model.Batch{}, fmt.Errorf("feed %s: example %d has no features", f.src.Split(), start)
	}
	features := mat.NewDense(n, width, nil)
	classes := make([]int, n)
	for i, ex := range examples {
		if len(ex.Features) != width {
			return model.Batch{}, fmt.Errorf("feed %s: example %d has %d features, want %d", f.src.Split(), start+i, len(ex.Features), width)
		}
		features.SetRow(i, ex.Features)
		classes[i] = ex.Label
	}
	labels, err := model.OneHot(classes, f.opts.Outputs)
	if err != nil {
		return model.Batch{}, fmt.Errorf("feed %s: %w", f.src.Split(), err)
	}
	return model.Batch{Features: features, Labels: labels}, nil
}
