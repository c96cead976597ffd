package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mj2154/tickbus/internal/provider/binance"
	"github.com/mj2154/tickbus/internal/store"
	"github.com/mj2154/tickbus/pkg/logging"
	"github.com/mj2154/tickbus/pkg/models"
)

// TaskRunner executes one claimed task and returns its result payload.
// Errors are classified into transient (retry with backoff) and
// permanent (fail at once); return a *TaskError to pick the code.
type TaskRunner func(ctx context.Context, task *models.Task) (models.JSONB, error)

// TaskError is a classified task failure.
type TaskError struct {
	Code      string
	Message   string
	Transient bool
}

func (e *TaskError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// classifyTaskError maps an arbitrary runner error onto a task error
// code and retry class. Upstream rate limits and server trouble retry,
// bad symbols and bad credentials fail the same way every time.
func classifyTaskError(err error) *TaskError {
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}

	var apiErr *binance.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.RateLimited():
			return &TaskError{Code: models.TaskErrRateLimited, Message: apiErr.Message, Transient: true}
		case apiErr.Transient():
			return &TaskError{Code: models.TaskErrUpstream, Message: apiErr.Message, Transient: true}
		case apiErr.Code == -2014 || apiErr.Code == -2015 || apiErr.Code == -1022:
			return &TaskError{Code: models.TaskErrUnauthorized, Message: apiErr.Message, Transient: false}
		case apiErr.Code == -1121 || apiErr.Code == -1100 || apiErr.Code == -1102:
			return &TaskError{Code: models.TaskErrBadRequest, Message: apiErr.Message, Transient: false}
		default:
			return &TaskError{Code: models.TaskErrUpstream, Message: apiErr.Message, Transient: false}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TaskError{Code: models.TaskErrTimeout, Message: "task deadline exceeded", Transient: true}
	}

	// Network trouble, store hiccups and everything else unclassified
	// gets another attempt.
	return &TaskError{Code: models.TaskErrUpstream, Message: err.Error(), Transient: true}
}

// TaskQueue is the queue surface the pool drives.
type TaskQueue interface {
	ClaimTask(ctx context.Context, workerID string, typeFilter ...models.TaskType) (*models.Task, error)
	CompleteTask(ctx context.Context, taskID, workerID string, result models.JSONB) error
	FailTask(ctx context.Context, taskID, workerID, code, message string) error
	AbandonTask(ctx context.Context, taskID, workerID, reason string, backoff time.Duration) (models.TaskStatus, error)
}

// PoolConfig configures the task worker pool.
type PoolConfig struct {
	Queue   TaskQueue
	Runners map[models.TaskType]TaskRunner
	// Workers defaults to NumCPU.
	Workers int
	// Sweep is the claim poll fallback for wakeups lost to listener
	// gaps. Defaults to 5s.
	Sweep time.Duration
	// WorkerID prefixes per-worker claim identities. Defaults to the
	// hostname.
	WorkerID string
	Logger   logging.Logger
	Metrics  *Metrics
}

// Pool claims and executes queued tasks. Wakeups arrive from the
// task.new channel, a periodic sweep catches anything the listener
// missed.
type Pool struct {
	queue   TaskQueue
	runners map[models.TaskType]TaskRunner
	types   []models.TaskType
	workers int
	sweep   time.Duration
	base    string
	logger  logging.Logger
	metrics *Metrics
	wake    chan struct{}
}

// NewPool creates a pool over the given queue and runners.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Sweep <= 0 {
		cfg.Sweep = 5 * time.Second
	}
	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "tapeman"
		}
		cfg.WorkerID = host
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger()
	}

	types := make([]models.TaskType, 0, len(cfg.Runners))
	for t := range cfg.Runners {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	return &Pool{
		queue:   cfg.Queue,
		runners: cfg.Runners,
		types:   types,
		workers: cfg.Workers,
		sweep:   cfg.Sweep,
		base:    cfg.WorkerID,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		wake:    make(chan struct{}, 1),
	}
}

// Wake nudges the pool after a task.new notification. Safe from any
// goroutine; wakeups coalesce while the pool is busy.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Handles reports whether the pool runs the given task type, letting
// wakeup routing skip types this pool never claims.
func (p *Pool) Handles(t models.TaskType) bool {
	_, ok := p.runners[t]
	return ok
}

// Run blocks executing tasks until the context ends.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.base, i)
		g.Go(func() error {
			return p.worker(ctx, workerID)
		})
	}
	return g.Wait()
}

func (p *Pool) worker(ctx context.Context, workerID string) error {
	ticker := time.NewTicker(p.sweep)
	defer ticker.Stop()

	// Catch up on work queued before the pool came up.
	p.drain(ctx, workerID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
			p.drain(ctx, workerID)
		case <-ticker.C:
			p.drain(ctx, workerID)
		}
	}
}

func (p *Pool) drain(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		task, err := p.queue.ClaimTask(ctx, workerID, p.types...)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				p.logger.WithError(err).Error("Task claim failed")
			}
			return
		}
		// Claimed one, there may be more behind it; an idle sibling
		// can drain in parallel.
		p.Wake()
		p.execute(ctx, workerID, task)
	}
}

func (p *Pool) execute(ctx context.Context, workerID string, task *models.Task) {
	log := p.logger.WithFields(logging.Fields{
		"task_id":  task.ID,
		"type":     string(task.Type),
		"attempts": task.Attempts,
	})

	runner, ok := p.runners[task.Type]
	if !ok {
		// The claim filter keeps unknown types out, this is a wiring
		// bug if it ever fires.
		p.finish(workerID, task, nil, &TaskError{
			Code:    models.TaskErrInternal,
			Message: "no runner for task type " + string(task.Type),
		}, log, time.Now())
		return
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, task.Type.Deadline())
	result, err := runner(runCtx, task)
	cancel()

	if err == nil {
		p.finish(workerID, task, result, nil, log, start)
		return
	}
	p.finish(workerID, task, nil, classifyTaskError(err), log, start)
}

func (p *Pool) finish(workerID string, task *models.Task, result models.JSONB, taskErr *TaskError, log *logrus.Entry, start time.Time) {
	// The work is done either way; persist the outcome even while
	// shutting down.
	finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	elapsed := time.Since(start).Seconds()

	switch {
	case taskErr == nil:
		if err := p.queue.CompleteTask(finishCtx, task.ID, workerID, result); err != nil {
			log.WithError(err).Error("Task completion write failed")
			return
		}
		p.metrics.task(string(task.Type), "succeeded", elapsed)
		log.Debug("Task completed")

	case taskErr.Transient:
		status, err := p.queue.AbandonTask(finishCtx, task.ID, workerID, taskErr.Error(), models.RetryBackoff(task.Attempts))
		if err != nil {
			log.WithError(err).Error("Task abandon write failed")
			return
		}
		outcome := "abandoned"
		if status == models.TaskFailed {
			outcome = "failed"
		}
		p.metrics.task(string(task.Type), outcome, elapsed)
		log.WithError(taskErr).WithField("status", string(status)).Warn("Task failed transiently")

	default:
		if err := p.queue.FailTask(finishCtx, task.ID, workerID, taskErr.Code, taskErr.Message); err != nil {
			log.WithError(err).Error("Task failure write failed")
			return
		}
		p.metrics.task(string(task.Type), "failed", elapsed)
		log.WithError(taskErr).Warn("Task failed permanently")
	}
}
