package worker

import (
	"context"

	"github.com/mj2154/tickbus/internal/dispatch"
	"github.com/mj2154/tickbus/pkg/models"
)

// Events routes the adapter's notification channels into its
// components: registry transitions feed the reconciler, queue activity
// wakes the pool.
type Events struct {
	reconciler *Reconciler
	pool       *Pool
}

// NewEvents wires the adapter event routing.
func NewEvents(reconciler *Reconciler, pool *Pool) *Events {
	return &Events{reconciler: reconciler, pool: pool}
}

// BindDispatcher subscribes the adapter's control paths to the store's
// notification channels. The resync hook forces a full registry diff,
// which re-covers any add or remove a listener gap swallowed.
func (e *Events) BindDispatcher(d *dispatch.Dispatcher) error {
	channels := map[string]dispatch.Handler{
		dispatch.ChannelSubscriptionAdd:    e.onSubscriptionAdd,
		dispatch.ChannelSubscriptionRemove: e.onSubscriptionRemove,
		dispatch.ChannelSubscriptionClean:  e.onSubscriptionClean,
		dispatch.ChannelTaskNew:            e.onTaskNew,
	}
	for channel, handler := range channels {
		if err := d.Handle(channel, handler); err != nil {
			return err
		}
	}
	d.OnResync(func(ctx context.Context) {
		e.reconciler.Resync()
	})
	return nil
}

func (e *Events) onSubscriptionAdd(ctx context.Context, payload []byte) error {
	ev, err := dispatch.DecodeKeyEvent(payload)
	if err != nil {
		return err
	}
	e.reconciler.Add(ev.Key)
	return nil
}

func (e *Events) onSubscriptionRemove(ctx context.Context, payload []byte) error {
	ev, err := dispatch.DecodeKeyEvent(payload)
	if err != nil {
		return err
	}
	e.reconciler.Remove(ev.Key)
	return nil
}

// onSubscriptionClean handles a gateway boot sweep. The registry has
// been rewritten wholesale, so only a full diff is safe.
func (e *Events) onSubscriptionClean(ctx context.Context, payload []byte) error {
	e.reconciler.Resync()
	return nil
}

func (e *Events) onTaskNew(ctx context.Context, payload []byte) error {
	ev, err := dispatch.DecodeTaskEvent(payload)
	if err != nil {
		return err
	}
	// Typed announcements for runners this pool lacks are not ours.
	if ev.Type != "" && !e.pool.Handles(models.TaskType(ev.Type)) {
		return nil
	}
	e.pool.Wake()
	return nil
}
