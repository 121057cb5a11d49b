// Package orchestrator runs one build, check, train, evaluate and persist
// cycle for a validated configuration.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"convnet-forge/internal/checkpoint"
	"convnet-forge/internal/config"
	"convnet-forge/internal/dataset"
	"convnet-forge/internal/gradcheck"
	"convnet-forge/internal/metrics"
	"convnet-forge/internal/model"
	"convnet-forge/internal/runstore"
	"convnet-forge/internal/trainer"
)

// ErrAlreadyRun is returned when Run is called twice.
var ErrAlreadyRun = errors.New("orchestrator: run already started")

// Recorder stores the summary of a finished run.
type Recorder interface {
	Record(r runstore.Run) error
}

// Report is the end-of-run summary of a successful run.
type Report struct {
	RunID         string
	Evaluation    *metrics.Evaluation
	Stats         string
	GradientCheck *gradcheck.Result
	TrainTime     time.Duration
	EvalTime      time.Duration
	Saved         []string

	// TrainedExamples counts the examples passed to Fit; Iterations the
	// optimizer steps the model has taken in total.
	TrainedExamples int
	Iterations      int
}

func (r *Report) TrainMinutes() float64 { return r.TrainTime.Minutes() }
func (r *Report) EvalMinutes() float64  { return r.EvalTime.Minutes() }

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder stores every finished run, failed ones included.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithRunID overrides the generated run ID.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.id = id }
}

// WithGradientOptions replaces the gradient check settings.
func WithGradientOptions(g gradcheck.Options) Option {
	return func(o *Orchestrator) { o.gradOpts = g }
}

// Orchestrator owns the single model of a run and moves it through the
// lifecycle states. It is single use.
type Orchestrator struct {
	cfg      config.Config
	corpus   dataset.Corpus
	recorder Recorder
	id       string
	gradOpts gradcheck.Options

	state   State
	history []State
	net     *model.Network
	names   []string
}

func New(cfg config.Config, corpus dataset.Corpus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		corpus:   corpus,
		id:       uuid.New().String(),
		gradOpts: gradcheck.DefaultOptions(),
		state:    Configured,
		history:  []State{Configured},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) ID() string   { return o.id }
func (o *Orchestrator) State() State { return o.state }

// History lists every state entered, in order.
func (o *Orchestrator) History() []State { return append([]State(nil), o.history...) }

// Model is nil until MODEL_READY.
func (o *Orchestrator) Model() *model.Network { return o.net }

func (o *Orchestrator) advance(to State) {
	if o.state.Terminal() || to <= o.state {
		panic(fmt.Sprintf("orchestrator: illegal transition %s -> %s", o.state, to))
	}
	log.Printf("run=%s state=%s", o.id, to)
	o.state = to
	o.history = append(o.history, to)
}

// Run executes every configured phase in order. Any error moves the run to
// FAILED and aborts the remaining phases.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	if o.state != Configured {
		return nil, ErrAlreadyRun
	}
	started := time.Now()
	rep := &Report{RunID: o.id}
	err := o.run(ctx, rep)
	if err != nil {
		last := o.state
		o.state = Failed
		o.history = append(o.history, Failed)
		log.Printf("run=%s state=%s after=%s err=%v", o.id, Failed, last, err)
		o.record(started, last, rep, err)
		return nil, err
	}
	o.advance(Done)
	o.record(started, o.history[len(o.history)-2], rep, nil)
	return rep, nil
}

func (o *Orchestrator) run(ctx context.Context, rep *Report) error {
	if err := o.cfg.Validate(); err != nil {
		return err
	}
	if err := o.buildModel(); err != nil {
		return fmt.Errorf("build model: %w", err)
	}
	o.advance(ModelReady)

	if o.cfg.GradientCheck {
		res, err := o.checkGradients()
		if err != nil {
			return fmt.Errorf("gradient check: %w", err)
		}
		rep.GradientCheck = &res
		o.advance(GradientChecked)
	}

	eval, err := o.train(ctx, rep)
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}
	o.advance(Trained)

	if eval == nil {
		if eval, err = o.evaluate(ctx, rep); err != nil {
			return fmt.Errorf("evaluate: %w", err)
		}
	}
	rep.Evaluation = eval
	rep.Stats = eval.Stats()
	log.Printf("run=%s examples=%d accuracy=%.4f train_minutes=%.2f eval_minutes=%.2f",
		o.id, eval.Total(), eval.Accuracy(), rep.TrainMinutes(), rep.EvalMinutes())
	o.advance(Evaluated)

	if o.cfg.SaveModel || o.cfg.SaveParams {
		saved, err := o.persist()
		if err != nil {
			return fmt.Errorf("persist: %w", err)
		}
		rep.Saved = saved
		o.advance(Persisted)
	}
	return nil
}

func (o *Orchestrator) buildModel() error {
	dir := o.cfg.ModelDir()
	if o.cfg.LoadCheckpoint() {
		paths := checkpoint.ModelPaths(dir, o.cfg.ConfName, o.cfg.ParamName)
		log.Printf("run=%s load conf=%s params=%s", o.id, paths.Conf, paths.Params)
		net, err := checkpoint.LoadModelAndParameters(paths.Conf, paths.Params)
		if err != nil {
			return err
		}
		o.net = net
	} else {
		arch, err := model.ParseArchitecture(o.cfg.Architecture)
		if err != nil {
			return err
		}
		net, err := model.Build(arch, o.cfg.Shape(), o.cfg.OutputNum, o.cfg.Seed, o.cfg.Iterations,
			model.WithWidth(o.cfg.Width),
			model.WithLearningRate(o.cfg.LearningRate),
			model.WithMomentum(o.cfg.Momentum),
			model.WithL2(o.cfg.L2))
		if err != nil {
			return err
		}
		o.net = net
		if o.cfg.LoadParams {
			ids := o.layerIDs()
			if err := checkpoint.LoadParameters(net, ids, checkpoint.ParamPaths(dir, ids)); err != nil {
				return err
			}
			log.Printf("run=%s loaded_layers=%s", o.id, strings.Join(ids, ","))
		}
	}
	o.net.SetListeners(model.ScoreListener{Every: o.cfg.ListenerFreq})
	log.Printf("run=%s architecture=%s input=%s outputs=%d params=%d",
		o.id, o.net.Spec().Architecture, o.net.Spec().Input, o.net.NumOutputs(), o.net.NumParams())
	return nil
}

// layerIDs is the configured per-layer list, or every layer with parameters.
func (o *Orchestrator) layerIDs() []string {
	if len(o.cfg.LayerIDs) > 0 {
		return o.cfg.LayerIDs
	}
	var ids []string
	for _, l := range o.net.Layers() {
		if l.NumParams > 0 {
			ids = append(ids, l.ID)
		}
	}
	return ids
}

func (o *Orchestrator) feed(split string, batch, budget, epochs int) (*dataset.Feed, error) {
	src, err := o.corpus.Open(split, budget)
	if err != nil {
		return nil, err
	}
	if o.names == nil {
		o.names = o.corpus.Labels()
	}
	return dataset.NewFeed(src, dataset.FeedOptions{
		BatchSize: batch,
		Budget:    budget,
		Epochs:    epochs,
		Outputs:   o.cfg.OutputNum,
		Workers:   o.cfg.Workers,
		Prefetch:  o.cfg.Prefetch,
	})
}

// checkGradients pulls its own training batch so the training feed is left
// untouched.
func (o *Orchestrator) checkGradients() (gradcheck.Result, error) {
	feed, err := o.feed(o.cfg.TrainFolder, o.cfg.BatchSize, o.cfg.BatchSize, 1)
	if err != nil {
		return gradcheck.Result{}, err
	}
	batch, err := feed.Next()
	if err != nil {
		return gradcheck.Result{}, err
	}
	gradcheck.LogLayers(o.net)
	res, err := gradcheck.Check(o.net, batch, o.gradOpts)
	if err != nil {
		return gradcheck.Result{}, err
	}
	worst := 0.0
	if res.Worst >= 0 {
		worst = res.RelativeErrors[res.Worst]
	}
	log.Printf("run=%s gradient_check pass=%t failed=%d worst_param=%d worst_rel=%.3g",
		o.id, res.Pass, res.Failed, res.Worst, worst)
	if !res.Pass && o.cfg.GradientCheckRequired {
		return res, fmt.Errorf("%w: %d of %d params exceed %g", gradcheck.ErrGradientCheck,
			res.Failed, len(res.RelativeErrors), o.gradOpts.MaxRelativeError)
	}
	return res, nil
}

// train returns the interleaved evaluation when the batches are split.
func (o *Orchestrator) train(ctx context.Context, rep *Report) (*metrics.Evaluation, error) {
	feed, err := o.feed(o.cfg.TrainFolder, o.cfg.BatchSize, o.cfg.TotalTrainExamples(), o.cfg.NumEpochs)
	if err != nil {
		return nil, err
	}
	obs := []trainer.Observer{
		&trainer.LogObserver{Every: o.cfg.LogEvery},
		trainer.ObserverFunc(func(_ model.Model, ev trainer.BatchEvent) { rep.TrainedExamples += ev.Examples }),
	}
	var eval *metrics.Evaluation
	var timing trainer.Timing
	if o.cfg.SplitTrain {
		eval, timing, err = trainer.RunSplit(ctx, o.net, feed, o.cfg.NumEpochs, o.cfg.NumBatches, o.cfg.TrainFraction, o.names, obs...)
	} else {
		timing, err = trainer.Run(ctx, o.net, feed, o.cfg.NumEpochs, o.cfg.NumBatches, obs...)
	}
	if err != nil {
		return nil, err
	}
	rep.TrainTime = timing.Duration()
	rep.Iterations = o.net.Iteration()
	cur := feed.Cursor()
	log.Printf("run=%s split=%s epoch=%d offset=%d budget=%d trained=%d iterations=%d",
		o.id, cur.Split, cur.Epoch, cur.Offset, cur.Budget, rep.TrainedExamples, rep.Iterations)
	return eval, nil
}

func (o *Orchestrator) evaluate(ctx context.Context, rep *Report) (*metrics.Evaluation, error) {
	feed, err := o.feed(o.cfg.TestFolder, o.cfg.TestBatchSize, o.cfg.TotalTestExamples(), 1)
	if err != nil {
		return nil, err
	}
	eval, timing, err := trainer.Evaluate(ctx, o.net, feed, o.cfg.NumTestBatches, o.cfg.TestBatchSize, o.names)
	if err != nil {
		return nil, err
	}
	rep.EvalTime = timing.Duration()
	return eval, nil
}

// persist writes the whole model, per-layer parameters or both.
func (o *Orchestrator) persist() ([]string, error) {
	dir := o.cfg.ModelDir()
	var saved []string
	if o.cfg.SaveModel {
		prefix := strings.ToLower(o.net.Spec().Architecture.String()) + "_"
		confName, paramName := o.cfg.ConfName, o.cfg.ParamName
		if confName == "" {
			confName = prefix
		}
		if paramName == "" {
			paramName = prefix
		}
		paths := checkpoint.ModelPaths(dir, confName, paramName)
		if err := checkpoint.SaveModelAndParameters(o.net, paths); err != nil {
			return nil, err
		}
		saved = append(saved, paths.Conf, paths.Params)
	}
	if o.cfg.SaveParams {
		ids := o.layerIDs()
		paths := checkpoint.ParamPaths(dir, ids)
		if err := checkpoint.SaveParameters(o.net, ids, paths); err != nil {
			return nil, err
		}
		for _, id := range ids {
			saved = append(saved, paths[id])
		}
	}
	for _, p := range saved {
		log.Printf("run=%s saved=%s", o.id, p)
	}
	return saved, nil
}

func (o *Orchestrator) record(started time.Time, last State, rep *Report, runErr error) {
	if o.recorder == nil {
		return
	}
	r := runstore.Run{
		ID:           o.id,
		Architecture: o.cfg.Architecture,
		Status:       runstore.StatusDone,
		State:        last.String(),
		StartedAt:    started,
		FinishedAt:   time.Now(),
		Config:       summarize(o.cfg),
	}
	if runErr != nil {
		r.Status = runstore.StatusFailed
		r.Error = runErr.Error()
	} else {
		r.TrainMinutes = rep.TrainMinutes()
		r.EvalMinutes = rep.EvalMinutes()
		r.Examples = rep.Evaluation.Total()
		r.Accuracy = rep.Evaluation.Accuracy()
		for _, row := range rep.Evaluation.ClassRows() {
			r.Classes = append(r.Classes, runstore.ClassStat{
				Class:     row.Class,
				Name:      row.Name,
				Support:   row.Support,
				Precision: row.Precision,
				Recall:    row.Recall,
				F1:        row.F1,
			})
		}
	}
	if err := o.recorder.Record(r); err != nil {
		log.Printf("run=%s record err=%v", o.id, err)
	}
}

func summarize(c config.Config) string {
	return fmt.Sprintf("model_type=%s batch_size=%d test_batch_size=%d num_batches=%d num_test_batches=%d "+
		"num_epochs=%d iterations=%d num_categories=%d output_num=%d split_train=%t corpus=%s image=%s "+
		"learning_rate=%g momentum=%g l2=%g",
		c.Architecture, c.BatchSize, c.TestBatchSize, c.NumBatches, c.NumTestBatches,
		c.NumEpochs, c.Iterations, c.NumCategories, c.OutputNum, c.SplitTrain, c.Corpus, c.Shape(),
		c.LearningRate, c.Momentum, c.L2)
}
