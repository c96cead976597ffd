package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/mj2154/tickbus/pkg/logging"
	"github.com/mj2154/tickbus/pkg/models"
)

// taskReader is the slice of the store the correlator needs.
type taskReader interface {
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
}

type pendingTask struct {
	session   *Session
	requestID string
	timer     *time.Timer
}

// Correlator maps in-flight task ids back to the session request that
// spawned them. Each slot resolves exactly once: either the completion
// notification arrives and the task row supplies the terminal frame, or
// the per-type deadline fires first and the session gets TIMEOUT. A
// completion for an already-resolved or never-tracked task is discarded.
type Correlator struct {
	tasks   taskReader
	logger  logging.Logger
	metrics *Metrics

	mu      sync.Mutex
	pending map[string]*pendingTask
}

// NewCorrelator returns an empty correlator reading completions from
// the given task store.
func NewCorrelator(tasks taskReader, logger logging.Logger, metrics *Metrics) *Correlator {
	return &Correlator{
		tasks:   tasks,
		logger:  logger,
		metrics: metrics,
		pending: make(map[string]*pendingTask),
	}
}

// Track registers a task watch. Call before the task insert commits so
// a fast completion cannot beat the watch into existence.
func (c *Correlator) Track(taskID string, s *Session, requestID string, deadline time.Duration) {
	slot := &pendingTask{session: s, requestID: requestID}
	slot.timer = time.AfterFunc(deadline, func() {
		c.timeout(taskID)
	})
	c.mu.Lock()
	c.pending[taskID] = slot
	c.mu.Unlock()
	c.metrics.pendingDelta(1)
}

// Untrack drops a watch without responding, used when the task insert
// itself failed and the handler already sent the error.
func (c *Correlator) Untrack(taskID string) {
	if slot := c.take(taskID); slot != nil {
		slot.timer.Stop()
	}
}

// take removes and returns the slot, or nil when already resolved.
func (c *Correlator) take(taskID string) *pendingTask {
	c.mu.Lock()
	slot, ok := c.pending[taskID]
	if ok {
		delete(c.pending, taskID)
	}
	c.mu.Unlock()
	if ok {
		c.metrics.pendingDelta(-1)
		return slot
	}
	return nil
}

func (c *Correlator) timeout(taskID string) {
	slot := c.take(taskID)
	if slot == nil {
		return
	}
	c.logger.WithFields(logging.Fields{
		"task_id":    taskID,
		"request_id": slot.requestID,
	}).Warn("Task deadline expired before completion")
	// The task row stays; a late result is discarded on arrival.
	slot.session.sendError(slot.requestID, CodeTimeout, "request deadline expired")
}

// Resolve answers the origin request from the terminal task row. Called
// on task.completed notifications and from the resync sweep.
func (c *Correlator) Resolve(ctx context.Context, taskID string) {
	slot := c.take(taskID)
	if slot == nil {
		return
	}
	task, err := c.tasks.GetTask(ctx, taskID)
	if err != nil {
		slot.timer.Stop()
		c.logger.WithError(err).WithField("task_id", taskID).Error("Failed to load completed task")
		slot.session.sendError(slot.requestID, CodeStoreUnavailable, "task result unavailable")
		return
	}
	if !task.Status.Terminal() {
		// Spurious wakeup; put the watch back, its deadline timer is
		// still armed.
		c.mu.Lock()
		c.pending[taskID] = slot
		c.mu.Unlock()
		c.metrics.pendingDelta(1)
		return
	}
	slot.timer.Stop()
	c.deliver(slot, task)
}

func (c *Correlator) deliver(slot *pendingTask, task *models.Task) {
	if task.Status == models.TaskSucceeded {
		slot.session.sendSuccess(slot.requestID, CamelizeKeys(task.Result))
		return
	}
	msg := task.ErrorMessage
	if msg == "" {
		msg = "upstream request failed"
	}
	slot.session.sendError(slot.requestID, taskErrorCode(task.ErrorCode), msg)
}

// DropSession discards every watch owned by the session, used at
// teardown. Matching task rows are flagged origin-gone by the caller.
func (c *Correlator) DropSession(sessionID string) {
	c.mu.Lock()
	var dropped []*pendingTask
	for taskID, slot := range c.pending {
		if slot.session.ID == sessionID {
			dropped = append(dropped, slot)
			delete(c.pending, taskID)
		}
	}
	c.mu.Unlock()
	for _, slot := range dropped {
		slot.timer.Stop()
		c.metrics.pendingDelta(-1)
	}
}

// Sweep re-checks every pending watch against the store. Run after a
// listener reconnect, when completion notifications may have been lost.
func (c *Correlator) Sweep(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for taskID := range c.pending {
		ids = append(ids, taskID)
	}
	c.mu.Unlock()
	for _, taskID := range ids {
		task, err := c.tasks.GetTask(ctx, taskID)
		if err != nil {
			continue
		}
		if task.Status.Terminal() {
			c.Resolve(ctx, taskID)
		}
	}
	if len(ids) > 0 {
		c.logger.WithField("pending", len(ids)).Info("Swept pending task watches after listener resync")
	}
}

// PendingCount reports how many watches are outstanding.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
