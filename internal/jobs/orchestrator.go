// Package jobs runs update jobs asynchronously on a bounded worker pool and
// tracks their status.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/moeryomenko/bumpguard/internal/models"
	"github.com/moeryomenko/bumpguard/internal/utils"
)

// Status is the lifecycle state of a job.
type Status string

const (
	Queued     Status = "queued"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueFull   = errors.New("job queue is full")
	ErrClosed      = errors.New("orchestrator is closed")
)

// Request describes the work of one job.
type Request struct {
	Repository string `json:"repository"`
	// Dir is a local working copy to use instead of cloning Repository.
	Dir string `json:"dir,omitempty"`
}

// Engine performs one job. A returned error is a hard failure; a failing
// build is reported through the Outcome.
type Engine interface {
	Run(ctx context.Context, req Request) (*models.Outcome, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, req Request) (*models.Outcome, error)

// Run implements Engine.
func (f EngineFunc) Run(ctx context.Context, req Request) (*models.Outcome, error) {
	return f(ctx, req)
}

// Job is a snapshot of a submitted job. Completed jobs carry the Outcome,
// failed jobs the error and, when the engine produced one, the Outcome too.
type Job struct {
	ID         string          `json:"job_id"`
	Request    Request         `json:"request"`
	Status     Status          `json:"status"`
	Outcome    *models.Outcome `json:"outcome,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  time.Time       `json:"started_at,omitzero"`
	FinishedAt time.Time       `json:"finished_at,omitzero"`
}

type entry struct {
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
}

// Options tunes an Orchestrator.
type Options struct {
	Workers   int
	QueueSize int
}

// Orchestrator owns job identity and status transitions.
type Orchestrator struct {
	engine Engine
	logger *utils.Logger

	mu     sync.RWMutex
	jobs   map[string]*entry
	queue  chan string
	closed bool

	group     errgroup.Group
	closeOnce sync.Once
}

// NewOrchestrator starts opts.Workers workers that run jobs until Close.
// Jobs run under ctx; cancelling it cancels every running job.
func NewOrchestrator(ctx context.Context, engine Engine, opts Options, logger *utils.Logger) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	o := &Orchestrator{
		engine: engine,
		logger: logger,
		jobs:   make(map[string]*entry),
		queue:  make(chan string, opts.QueueSize),
	}
	for range opts.Workers {
		o.group.Go(func() error {
			for id := range o.queue {
				o.process(ctx, id)
			}
			return nil
		})
	}
	return o
}

// Submit queues req and returns the new job's id.
func (o *Orchestrator) Submit(req Request) (string, error) {
	id := uuid.Must(uuid.NewV7()).String()
	e := &entry{
		job:  Job{ID: id, Request: req, Status: Queued, CreatedAt: time.Now()},
		done: make(chan struct{}),
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrClosed
	}
	select {
	case o.queue <- id:
	default:
		return "", ErrQueueFull
	}
	o.jobs[id] = e
	o.logger.WithField("job", id).Info("Queued %s", describe(req))
	return id, nil
}

// Get returns a snapshot of job id.
func (o *Orchestrator) Get(id string) (Job, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return e.job, nil
}

// List returns snapshots of every job, oldest first.
func (o *Orchestrator) List() []Job {
	o.mu.RLock()
	out := make([]Job, 0, len(o.jobs))
	for _, e := range o.jobs {
		out = append(out, e.job)
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt) ||
			(out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID)
	})
	return out
}

// Await blocks until job id is completed or failed.
func (o *Orchestrator) Await(ctx context.Context, id string) (Job, error) {
	o.mu.RLock()
	e, ok := o.jobs[id]
	o.mu.RUnlock()
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	select {
	case <-e.done:
		return o.Get(id)
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Cancel stops job id. A queued job fails without running; a processing job
// has its context cancelled and finishes with a cancelled outcome.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	switch e.job.Status {
	case Queued:
		o.finishLocked(e, Failed, nil, context.Canceled)
	case Processing:
		e.cancel()
	}
	return nil
}

// Close stops accepting jobs and waits for queued and running ones.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		close(o.queue)
		o.mu.Unlock()
	})
	return o.group.Wait()
}

func (o *Orchestrator) process(ctx context.Context, id string) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	e := o.jobs[id]
	if e.job.Status != Queued {
		o.mu.Unlock()
		return
	}
	e.job.Status = Processing
	e.job.StartedAt = time.Now()
	e.cancel = cancel
	req := e.job.Request
	o.mu.Unlock()

	logger := o.logger.WithField("job", id)
	logger.Info("Processing %s", describe(req))

	outcome, err := o.run(jobCtx, req)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		logger.Error("Job failed: %v", err)
		o.finishLocked(e, Failed, outcome, err)
		return
	}
	logger.Info("Job completed: %s", outcome.TerminationReason)
	o.finishLocked(e, Completed, outcome, nil)
}

// run calls the engine, turning a panic into a failed job.
func (o *Orchestrator) run(ctx context.Context, req Request) (outcome *models.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	outcome, err = o.engine.Run(ctx, req)
	if err == nil && outcome == nil {
		err = errors.New("engine returned no outcome")
	}
	return outcome, err
}

func (o *Orchestrator) finishLocked(e *entry, status Status, outcome *models.Outcome, err error) {
	e.job.Status = status
	e.job.Outcome = outcome
	if err != nil {
		e.job.Error = err.Error()
	}
	e.job.FinishedAt = time.Now()
	close(e.done)
}

func describe(req Request) string {
	if req.Dir != "" {
		return req.Dir
	}
	return req.Repository
}
