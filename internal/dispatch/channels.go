// Package dispatch routes Postgres NOTIFY traffic to per-channel
// handlers. The schema's row triggers are the producers; each runtime
// consumes through a single listener connection.
package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/mj2154/tickbus/pkg/models"
)

// Notification channels emitted by the schema triggers. The names are
// part of the coordination contract; renaming one is a schema change.
const (
	ChannelKlineLive          = "kline_live"
	ChannelKlineClosed        = "kline_closed"
	ChannelRealtimeUpdate     = "realtime.update"
	ChannelSubscriptionAdd    = "subscription.add"
	ChannelSubscriptionRemove = "subscription.remove"
	ChannelSubscriptionClean  = "subscription.clean"
	ChannelTaskNew            = "task.new"
	ChannelTaskCompleted      = "task.completed"
	ChannelAlertConfigNew     = "alert_config.new"
	ChannelAlertConfigUpdate  = "alert_config.update"
	ChannelAlertConfigDelete  = "alert_config.delete"
	ChannelSignalNew          = "signal.new"
)

// LiveEvent carries one live-row write. kline_live, kline_closed and
// realtime.update all share this shape; is_closed only travels on the
// bar channels.
type LiveEvent struct {
	Key      string       `json:"key"`
	Payload  models.JSONB `json:"payload"`
	IsClosed bool         `json:"is_closed"`
}

// KeyEvent is a registry transition: subscription.add on 0→1,
// subscription.remove on 1→0.
type KeyEvent struct {
	Key string `json:"key"`
}

// TaskEvent announces queue activity. task.new carries the type so
// workers can skip wakeups for types they do not run; task.completed
// carries only the id, the correlator reads the row for the result.
type TaskEvent struct {
	TaskID string `json:"task_id"`
	Type   string `json:"type,omitempty"`
}

// AlertEvent is an alert_config.* change. Deletes carry only the id.
type AlertEvent struct {
	AlertID  string `json:"alert_id"`
	Name     string `json:"name,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Interval string `json:"interval,omitempty"`
	Enabled  bool   `json:"enabled,omitempty"`
}

// SignalEvent announces a fired strategy signal.
type SignalEvent struct {
	ID         string `json:"id"`
	AlertID    string `json:"alert_id"`
	Symbol     string `json:"symbol"`
	Interval   string `json:"interval"`
	SignalType string `json:"signal_type"`
}

// DecodeLiveEvent parses a live-row notification payload.
func DecodeLiveEvent(data []byte) (*LiveEvent, error) {
	var ev LiveEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode live event: %w", err)
	}
	if ev.Key == "" {
		return nil, fmt.Errorf("live event missing key")
	}
	return &ev, nil
}

// DecodeKeyEvent parses a registry transition payload.
func DecodeKeyEvent(data []byte) (*KeyEvent, error) {
	var ev KeyEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode key event: %w", err)
	}
	if ev.Key == "" {
		return nil, fmt.Errorf("key event missing key")
	}
	return &ev, nil
}

// DecodeTaskEvent parses a task queue notification payload.
func DecodeTaskEvent(data []byte) (*TaskEvent, error) {
	var ev TaskEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode task event: %w", err)
	}
	if ev.TaskID == "" {
		return nil, fmt.Errorf("task event missing task_id")
	}
	return &ev, nil
}

// DecodeAlertEvent parses an alert_config.* notification payload.
func DecodeAlertEvent(data []byte) (*AlertEvent, error) {
	var ev AlertEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode alert event: %w", err)
	}
	if ev.AlertID == "" {
		return nil, fmt.Errorf("alert event missing alert_id")
	}
	return &ev, nil
}

// DecodeSignalEvent parses a signal.new notification payload.
func DecodeSignalEvent(data []byte) (*SignalEvent, error) {
	var ev SignalEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode signal event: %w", err)
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("signal event missing id")
	}
	return &ev, nil
}
