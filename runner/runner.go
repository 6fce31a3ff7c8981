package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/mail-extract/config"
	"github.com/dhcgn/mail-extract/extract"
	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/state"
	"github.com/dhcgn/mail-extract/stats"
)

type StageFunc func(context.Context) error

// Extractor is the part of extract.Extractor the workers need.
type Extractor interface {
	Extract(path string) (model.Result, error)
}

type stage struct {
	name string
	fn   StageFunc
}

type subscriber struct {
	name   string
	fn     func(context.Context, <-chan stats.Event) error
	events chan stats.Event
}

// Runner feeds source paths through a pool of extraction workers. Stages and
// subscribers are registered first and launched together by Start.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	jobs chan model.Job

	extractor Extractor
	closer    func() error

	stages      []stage
	subscribers []*subscriber
	outcomeMu   sync.Mutex
	onOutcome   []func(model.Outcome)

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu     sync.Mutex
	stageErr  error
	sourceErr []error

	closeJobsOnce   sync.Once
	closeEventsOnce sync.Once
	since           time.Time
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runner, error) {
	tracker, err := state.NewFileTracker(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}

	logger = logger.With("run", uuid.New().String())
	logger.Debug("journal opened", "path", tracker.Path(), "recorded", tracker.Snapshot().Recorded)

	r := newRunner(ctx, cfg, logger, nil)
	r.closer = tracker.Close
	r.extractor = extract.New(extract.Options{
		Root:    cfg.Root,
		Logger:  logger,
		Tracker: tracker,
	})
	return r, nil
}

func newRunner(ctx context.Context, cfg config.Config, logger *slog.Logger, x Extractor) *Runner {
	ctx, cancel := context.WithCancel(ctx)
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Runner{
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(chan model.Job, 32),
		extractor: x,
	}
}

func (r *Runner) JobWriter() chan<- model.Job {
	return r.jobs
}

func (r *Runner) CloseJobs() {
	r.closeJobsOnce.Do(func() {
		close(r.jobs)
	})
}

// OnOutcome registers a callback invoked once per finished job. Callbacks are
// never called concurrently.
func (r *Runner) OnOutcome(fn func(model.Outcome)) {
	r.onOutcome = append(r.onOutcome, fn)
}

// EmitEvent delivers evt to every subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	for _, sub := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case sub.events <- evt:
		}
	}
}

func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers = append(r.subscribers, &subscriber{
		name:   name,
		fn:     fn,
		events: make(chan stats.Event, 128),
	})
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, fn: fn})
}

// Start launches subscribers, stages and workers and waits for all of them.
// Failed sources do not stop the batch; their errors are joined into the
// returned error.
func (r *Runner) Start() error {
	r.since = time.Now()

	for _, sub := range r.subscribers {
		r.statsWG.Add(1)
		go func(sub *subscriber) {
			defer r.statsWG.Done()
			if err := sub.fn(r.ctx, sub.events); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stats: %w", sub.name, err))
			}
		}(sub)
	}

	for _, st := range r.stages {
		r.launch(st.name, st.fn)
	}
	for i := 0; i < r.cfg.Workers; i++ {
		r.launch(fmt.Sprintf("worker-%d", i+1), r.work)
	}

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	if r.closer != nil {
		if err := r.closer(); err != nil {
			r.fail(fmt.Errorf("close journal: %w", err))
		}
	}

	r.errMu.Lock()
	err := errors.Join(append([]error{r.stageErr}, r.sourceErr...)...)
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("batch finished with errors", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("batch completed", "duration", duration)
	return nil
}

func (r *Runner) launch(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

func (r *Runner) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-r.jobs:
			if !ok {
				return nil
			}
			res, err := r.extractor.Extract(job.Path)
			r.report(model.Outcome{Job: job, Result: res, Err: err})
		}
	}
}

func (r *Runner) report(o model.Outcome) {
	switch {
	case o.Err != nil:
		r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeError, Source: o.Job.Path, Err: o.Err})
		r.errMu.Lock()
		r.sourceErr = append(r.sourceErr, o.Err)
		r.errMu.Unlock()
	case o.Result.Cached:
		r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeCached, Source: o.Job.Path, Items: o.Result.Items})
	default:
		for _, failure := range o.Result.Failures {
			r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeItemError, Source: o.Job.Path, Err: failure, Detail: failure.Name})
		}
		r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeExtracted, Source: o.Job.Path, Items: o.Result.Items})
	}

	r.outcomeMu.Lock()
	defer r.outcomeMu.Unlock()
	for _, fn := range r.onOutcome {
		fn(o)
	}
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		for _, sub := range r.subscribers {
			close(sub.events)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.stageErr == nil {
		r.stageErr = err
		r.cancel()
	}
	r.errMu.Unlock()
}
