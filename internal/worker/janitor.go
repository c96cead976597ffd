package worker

import (
	"context"
	"time"

	"github.com/mj2154/tickbus/pkg/logging"
	"github.com/mj2154/tickbus/pkg/models"
)

const (
	defaultJanitorInterval = 30 * time.Second
	defaultTaskRetention   = 24 * time.Hour
)

// JanitorStore is the queue maintenance surface.
type JanitorStore interface {
	ReapOrphanedTasks(ctx context.Context, taskType models.TaskType, olderThan time.Duration) ([]string, error)
	PruneTasks(ctx context.Context, olderThan time.Duration) (int64, error)
}

// JanitorConfig configures the queue janitor.
type JanitorConfig struct {
	Store JanitorStore
	// Types to sweep; defaults to every known task type.
	Types     []models.TaskType
	Interval  time.Duration
	Retention time.Duration
	Logger    logging.Logger
	Metrics   *Metrics
}

// Janitor sweeps the task queue. Claimed tasks whose worker went quiet
// past three deadlines return to the queue, terminal rows past
// retention are pruned. The reap is the queue's only at-least-once
// path.
type Janitor struct {
	store     JanitorStore
	types     []models.TaskType
	interval  time.Duration
	retention time.Duration
	logger    logging.Logger
	metrics   *Metrics
}

// NewJanitor creates a janitor over the given queue.
func NewJanitor(cfg JanitorConfig) *Janitor {
	if len(cfg.Types) == 0 {
		cfg.Types = []models.TaskType{
			models.TaskFetchHistory,
			models.TaskFetchQuotes,
			models.TaskSearchSymbols,
			models.TaskResolveSymbol,
			models.TaskFetchExchangeInfo,
			models.TaskGetSpotAccount,
			models.TaskGetFuturesAccount,
		}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultJanitorInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultTaskRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger()
	}
	return &Janitor{
		store:     cfg.Store,
		types:     cfg.Types,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// Run sweeps on the configured interval until the context ends.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	for _, t := range j.types {
		// Three deadlines of silence means the claim is dead, not slow.
		reaped, err := j.store.ReapOrphanedTasks(ctx, t, 3*t.Deadline())
		if err != nil {
			j.logger.WithError(err).WithField("type", string(t)).Error("Orphan reap failed")
			continue
		}
		if len(reaped) > 0 {
			j.logger.WithFields(logging.Fields{
				"type":  string(t),
				"count": len(reaped),
			}).Warn("Returned orphaned tasks to the queue")
			j.metrics.reaped(string(t), len(reaped))
		}
	}

	pruned, err := j.store.PruneTasks(ctx, j.retention)
	if err != nil {
		j.logger.WithError(err).Error("Task prune failed")
		return
	}
	if pruned > 0 {
		j.logger.WithField("count", pruned).Info("Pruned finished tasks")
	}
}
