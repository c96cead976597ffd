package gateway

import (
	"context"
	"strings"

	"github.com/mj2154/tickbus/internal/dispatch"
	"github.com/mj2154/tickbus/internal/streamkey"
)

// BindDispatcher subscribes the gateway's push paths to the store's
// notification channels. Live rows fan out to subscribed sessions, task
// completions resolve request watches, and alert and signal changes go
// to the matching SIGNAL:{alert_id}@EVENTS subscribers. The resync hook
// sweeps pending task watches, the only gateway state a notification
// gap can strand.
func (h *Handlers) BindDispatcher(d *dispatch.Dispatcher) error {
	channels := map[string]dispatch.Handler{
		dispatch.ChannelKlineLive:         h.onKlineLive,
		dispatch.ChannelRealtimeUpdate:    h.onRealtimeUpdate,
		dispatch.ChannelTaskCompleted:     h.onTaskCompleted,
		dispatch.ChannelAlertConfigNew:    h.alertChangeHandler("created"),
		dispatch.ChannelAlertConfigUpdate: h.alertChangeHandler("updated"),
		dispatch.ChannelAlertConfigDelete: h.alertChangeHandler("deleted"),
		dispatch.ChannelSignalNew:         h.onSignalNew,
	}
	for channel, handler := range channels {
		if err := d.Handle(channel, handler); err != nil {
			return err
		}
	}
	d.OnResync(func(ctx context.Context) {
		h.correlator.Sweep(ctx)
	})
	return nil
}

func (h *Handlers) onKlineLive(ctx context.Context, payload []byte) error {
	ev, err := dispatch.DecodeLiveEvent(payload)
	if err != nil {
		return err
	}
	frame, err := NewUpdate(UpdateKline, ev.Key, ev.Payload)
	if err != nil {
		return err
	}
	// Closed bars must reach every subscriber; live ticks are sheddable.
	h.hub.Publish(ev.Key, frame, !ev.IsClosed)
	return nil
}

// onRealtimeUpdate handles the non-kline live families: quotes, trades,
// depth and account snapshots. The update type comes from the key.
func (h *Handlers) onRealtimeUpdate(ctx context.Context, payload []byte) error {
	ev, err := dispatch.DecodeLiveEvent(payload)
	if err != nil {
		return err
	}
	k, err := streamkey.Parse(ev.Key)
	if err != nil {
		return err
	}
	updateType := UpdateQuote
	switch k.Stream {
	case streamkey.StreamTrade:
		updateType = UpdateTrade
	case streamkey.StreamDepth:
		updateType = UpdateDepth
	case streamkey.StreamAccount:
		updateType = UpdateAccount
	}
	frame, err := NewUpdate(updateType, ev.Key, ev.Payload)
	if err != nil {
		return err
	}
	h.hub.Publish(ev.Key, frame, true)
	return nil
}

func (h *Handlers) onTaskCompleted(ctx context.Context, payload []byte) error {
	ev, err := dispatch.DecodeTaskEvent(payload)
	if err != nil {
		return err
	}
	h.correlator.Resolve(ctx, ev.TaskID)
	return nil
}

// signalEventsKey is the gateway-local key alert and signal pushes fan
// out under. Lowercasing matches the canonicalization subscribe stored.
func signalEventsKey(alertID string) string {
	return streamkey.Key{
		Exchange: streamkey.SignalExchange,
		Symbol:   strings.ToLower(alertID),
		Stream:   streamkey.StreamSignal,
	}.String()
}

func (h *Handlers) alertChangeHandler(change string) dispatch.Handler {
	return func(ctx context.Context, payload []byte) error {
		ev, err := dispatch.DecodeAlertEvent(payload)
		if err != nil {
			return err
		}
		frame, err := NewUpdate(UpdateAlertConfig, signalEventsKey(ev.AlertID), map[string]interface{}{
			"change":   change,
			"alert_id": ev.AlertID,
			"name":     ev.Name,
			"symbol":   ev.Symbol,
			"interval": ev.Interval,
			"enabled":  ev.Enabled,
		})
		if err != nil {
			return err
		}
		h.hub.Publish(signalEventsKey(ev.AlertID), frame, true)
		return nil
	}
}

func (h *Handlers) onSignalNew(ctx context.Context, payload []byte) error {
	ev, err := dispatch.DecodeSignalEvent(payload)
	if err != nil {
		return err
	}
	frame, err := NewUpdate(UpdateSignal, signalEventsKey(ev.AlertID), map[string]interface{}{
		"id":          ev.ID,
		"alert_id":    ev.AlertID,
		"symbol":      ev.Symbol,
		"interval":    ev.Interval,
		"signal_type": ev.SignalType,
	})
	if err != nil {
		return err
	}
	h.hub.Publish(signalEventsKey(ev.AlertID), frame, true)
	return nil
}
