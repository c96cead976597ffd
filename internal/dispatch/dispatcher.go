package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mj2154/tickbus/pkg/logging"
	"github.com/mj2154/tickbus/pkg/monitoring"
)

const (
	minReconnectInterval = time.Second
	maxReconnectInterval = 30 * time.Second
	pingInterval         = 90 * time.Second
)

// Handler processes one notification payload. Handlers run on the
// dispatcher goroutine and must hand heavy work off quickly.
type Handler func(ctx context.Context, payload []byte) error

// listenerConn is the subset of pq.Listener the dispatcher drives.
type listenerConn interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// Dispatcher multiplexes one LISTEN connection onto registered
// per-channel handlers and invokes the resync hook whenever the
// connection gap may have swallowed notifications.
type Dispatcher struct {
	conn     listenerConn
	pl       *pq.Listener
	logger   logging.Logger
	onResync func(ctx context.Context)

	mu       sync.RWMutex
	handlers map[string]Handler

	events     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	reconnects *prometheus.CounterVec
}

// New creates a dispatcher on a fresh listener connection.
func New(databaseURL string, logger logging.Logger, metrics *monitoring.MetricsCollector) *Dispatcher {
	d := newDispatcher(nil, logger, metrics)
	d.pl = pq.NewListener(databaseURL, minReconnectInterval, maxReconnectInterval, d.listenerEvent)
	d.conn = d.pl
	return d
}

func newDispatcher(conn listenerConn, logger logging.Logger, metrics *monitoring.MetricsCollector) *Dispatcher {
	d := &Dispatcher{
		conn:     conn,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
	if metrics != nil {
		d.events, d.latency, d.reconnects = metrics.CreateDispatchMetrics()
	}
	return d
}

func (d *Dispatcher) listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		d.logger.Info("Notification listener connected")
	case pq.ListenerEventDisconnected:
		d.logger.WithError(err).Warn("Notification listener disconnected")
	case pq.ListenerEventReconnected:
		d.logger.Warn("Notification listener reconnected")
		if d.reconnects != nil {
			d.reconnects.WithLabelValues("reconnected").Inc()
		}
	case pq.ListenerEventConnectionAttemptFailed:
		d.logger.WithError(err).Error("Notification listener connection attempt failed")
		if d.reconnects != nil {
			d.reconnects.WithLabelValues("attempt_failed").Inc()
		}
	}
}

// Handle registers a handler and starts listening on its channel.
func (d *Dispatcher) Handle(channel string, handler Handler) error {
	d.mu.Lock()
	d.handlers[channel] = handler
	d.mu.Unlock()

	if err := d.conn.Listen(channel); err != nil {
		return fmt.Errorf("listen on %s: %w", channel, err)
	}
	return nil
}

// OnResync registers the hook run whenever notifications may have been
// missed. The gateway refreshes its registry cache here, the adapter
// runs a full desired-vs-actual diff.
func (d *Dispatcher) OnResync(hook func(ctx context.Context)) {
	d.onResync = hook
}

// Listener exposes the underlying connection for health checks.
func (d *Dispatcher) Listener() *pq.Listener {
	return d.pl
}

// Close tears down the listener connection.
func (d *Dispatcher) Close() error {
	return d.conn.Close()
}

// Start consumes notifications until the context ends. Notifications
// are not durable: lib/pq delivers a nil notification after each
// reconnect, and that gap forces a resync.
func (d *Dispatcher) Start(ctx context.Context) error {
	notifications := d.conn.NotificationChannel()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-notifications:
			if n == nil {
				d.resync(ctx)
				continue
			}
			d.route(ctx, n.Channel, []byte(n.Extra))
		case <-ping.C:
			if err := d.conn.Ping(); err != nil {
				d.logger.WithError(err).Error("Notification listener ping failed")
			}
		}
	}
}

func (d *Dispatcher) resync(ctx context.Context) {
	if d.reconnects != nil {
		d.reconnects.WithLabelValues("resync").Inc()
	}
	if d.onResync == nil {
		return
	}
	d.logger.Warn("Notification gap detected, resyncing")
	d.onResync(ctx)
}

func (d *Dispatcher) route(ctx context.Context, channel string, payload []byte) {
	d.mu.RLock()
	handler, ok := d.handlers[channel]
	d.mu.RUnlock()

	if !ok {
		d.logger.WithField("channel", channel).Warn("No handler registered for channel")
		d.count(channel, "unrouted")
		return
	}

	start := time.Now()
	if err := handler(ctx, payload); err != nil {
		d.logger.WithError(err).WithField("channel", channel).Error("Failed to handle notification")
		d.count(channel, "error")
	} else {
		d.count(channel, "ok")
	}
	if d.latency != nil {
		d.latency.WithLabelValues(channel).Observe(time.Since(start).Seconds())
	}
}

func (d *Dispatcher) count(channel, status string) {
	if d.events != nil {
		d.events.WithLabelValues(channel, status).Inc()
	}
}
