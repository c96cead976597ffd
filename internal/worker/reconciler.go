package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mj2154/tickbus/internal/provider/binance"
	"github.com/mj2154/tickbus/internal/streamkey"
	"github.com/mj2154/tickbus/pkg/logging"
)

// DefaultReconcileWindow is how long registry deltas coalesce before
// they flush upstream as one batched control request per connection.
const DefaultReconcileWindow = 250 * time.Millisecond

// ConnGroupConfig configures the connection fan-out for one exchange
// slot. Spot and futures endpoints get separate groups.
type ConnGroupConfig struct {
	// Exchange is the registry slot the group serves, e.g. "BINANCE".
	Exchange string
	// Name prefixes connection log names, e.g. "spot" -> "spot-0".
	Name       string
	URL        string
	MaxStreams int
	BatchSize  int
	Logger     logging.Logger
	OnFrame    binance.FrameHandler
	// OnActive propagates to every connection; the reconciler hangs
	// its resync on it.
	OnActive func()
}

// ConnGroup spreads one exchange slot's streams across as many
// upstream connections as the per-connection cap requires. New
// connections open on demand when the existing ones fill up.
type ConnGroup struct {
	cfg    ConnGroupConfig
	logger logging.Logger

	mu       sync.Mutex
	conns    []*binance.MarketStream
	assigned map[string]int
}

// NewConnGroup creates an empty group. Connections open lazily on the
// first Assign that needs them.
func NewConnGroup(cfg ConnGroupConfig) *ConnGroup {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger()
	}
	return &ConnGroup{
		cfg:      cfg,
		logger:   cfg.Logger,
		assigned: make(map[string]int),
	}
}

// Exchange returns the registry slot the group serves.
func (g *ConnGroup) Exchange() string { return g.cfg.Exchange }

// Assign subscribes the given upstream streams, opening connections as
// capacity demands. Already assigned names are skipped. The context
// bounds the lifetime of any connection opened here.
func (g *ConnGroup) Assign(ctx context.Context, streams []string) {
	if len(streams) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	batches := make(map[int][]string)
	pending := make(map[int]int)
	for _, name := range streams {
		if _, ok := g.assigned[name]; ok {
			continue
		}
		idx := -1
		for i, c := range g.conns {
			if c.Capacity()-pending[i] > 0 {
				idx = i
				break
			}
		}
		if idx == -1 {
			idx = g.spawnLocked(ctx)
		}
		batches[idx] = append(batches[idx], name)
		pending[idx]++
		g.assigned[name] = idx
	}

	for idx, batch := range batches {
		if err := g.conns[idx].Subscribe(batch); err != nil {
			g.logger.WithError(err).WithField("conn", g.conns[idx].Name()).Warn("Subscribe batch failed")
		}
	}
}

// Drop unsubscribes the given streams. Unknown names are skipped.
func (g *ConnGroup) Drop(streams []string) {
	if len(streams) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	batches := make(map[int][]string)
	for _, name := range streams {
		idx, ok := g.assigned[name]
		if !ok {
			continue
		}
		batches[idx] = append(batches[idx], name)
		delete(g.assigned, name)
	}

	for idx, batch := range batches {
		if err := g.conns[idx].Unsubscribe(batch); err != nil {
			g.logger.WithError(err).WithField("conn", g.conns[idx].Name()).Warn("Unsubscribe batch failed")
		}
	}
}

// Actual returns the sorted set of streams the group tracks.
func (g *ConnGroup) Actual() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.assigned))
	for name := range g.assigned {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Size returns how many streams the group tracks.
func (g *ConnGroup) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.assigned)
}

// ConnCount returns how many connections the group has opened.
func (g *ConnGroup) ConnCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// States reports each connection's name and state for the ops surface.
func (g *ConnGroup) States() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.conns))
	for _, c := range g.conns {
		out[c.Name()] = c.State().String()
	}
	return out
}

func (g *ConnGroup) spawnLocked(ctx context.Context) int {
	idx := len(g.conns)
	conn := binance.NewMarketStream(binance.StreamConfig{
		Name:       fmt.Sprintf("%s-%d", g.cfg.Name, idx),
		URL:        g.cfg.URL,
		MaxStreams: g.cfg.MaxStreams,
		BatchSize:  g.cfg.BatchSize,
		Logger:     g.logger,
		OnFrame:    g.cfg.OnFrame,
		OnActive:   g.cfg.OnActive,
	})
	g.conns = append(g.conns, conn)
	g.logger.WithFields(logging.Fields{
		"conn": conn.Name(),
		"url":  g.cfg.URL,
	}).Info("Opening upstream connection")
	go conn.Run(ctx)
	return idx
}

// RegistryReader is the registry view the reconciler diffs against.
type RegistryReader interface {
	RegistrySnapshot(ctx context.Context) (map[string]int, error)
}

// ReconcilerConfig configures the subscription reconciler.
type ReconcilerConfig struct {
	Registry RegistryReader
	// Groups maps exchange slots to connection groups. Keys with an
	// unmapped exchange are skipped; a second slot can route futures
	// market data to the futures endpoint.
	Groups  map[string]*ConnGroup
	Window  time.Duration
	Logger  logging.Logger
	Metrics *Metrics
}

// Reconciler keeps upstream subscriptions matched to the registry. It
// is the single writer of upstream control traffic: deltas arrive via
// Add and Remove, coalesce for a window, and flush batched per
// connection. Resync forces a full registry diff, which covers clean
// sweeps, listener gaps and upstream reconnects.
type Reconciler struct {
	registry RegistryReader
	groups   map[string]*ConnGroup
	window   time.Duration
	logger   logging.Logger
	metrics  *Metrics

	mu      sync.Mutex
	adds    map[string]struct{}
	removes map[string]struct{}
	full    bool
	kick    chan struct{}
}

// NewReconciler creates a reconciler over the given groups.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Window <= 0 {
		cfg.Window = DefaultReconcileWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger()
	}
	return &Reconciler{
		registry: cfg.Registry,
		groups:   cfg.Groups,
		window:   cfg.Window,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		adds:     make(map[string]struct{}),
		removes:  make(map[string]struct{}),
		kick:     make(chan struct{}, 1),
	}
}

// Add queues an upstream subscribe for a key that gained its first
// subscriber. Keys outside the configured exchange slots and keys with
// no upstream stream (signals, accounts) are ignored.
func (r *Reconciler) Add(key string) {
	if !r.routable(key) {
		return
	}
	r.mu.Lock()
	delete(r.removes, key)
	r.adds[key] = struct{}{}
	r.mu.Unlock()
	r.kickLoop()
}

// Remove queues an upstream unsubscribe for a key that lost its last
// subscriber.
func (r *Reconciler) Remove(key string) {
	if !r.routable(key) {
		return
	}
	r.mu.Lock()
	delete(r.adds, key)
	r.removes[key] = struct{}{}
	r.mu.Unlock()
	r.kickLoop()
}

// Resync schedules a full registry diff. Pending deltas are dropped,
// the snapshot supersedes them.
func (r *Reconciler) Resync() {
	r.mu.Lock()
	r.full = true
	r.mu.Unlock()
	r.kickLoop()
}

func (r *Reconciler) kickLoop() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Reconciler) routable(key string) bool {
	k, err := streamkey.Parse(key)
	if err != nil {
		r.logger.WithError(err).WithField("key", key).Warn("Unroutable registry key")
		return false
	}
	_, _, ok := r.streamFor(k)
	return ok
}

func (r *Reconciler) streamFor(k streamkey.Key) (*ConnGroup, string, bool) {
	if k.Local() || k.Stream == streamkey.StreamAccount {
		return nil, "", false
	}
	group, ok := r.groups[k.Exchange]
	if !ok {
		r.logger.WithField("exchange", k.Exchange).Debug("No connection group for exchange")
		return nil, "", false
	}
	name, err := binance.StreamName(k)
	if err != nil {
		r.logger.WithError(err).WithField("key", k.String()).Warn("Key has no upstream stream")
		return nil, "", false
	}
	return group, name, true
}

// Run drives the coalesce-and-flush loop until the context ends.
func (r *Reconciler) Run(ctx context.Context) error {
	timer := time.NewTimer(r.window)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	armed := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.kick:
			if !armed {
				timer.Reset(r.window)
				armed = true
			}
		case <-timer.C:
			armed = false
			r.flush(ctx)
		}
	}
}

func (r *Reconciler) flush(ctx context.Context) {
	r.mu.Lock()
	adds, removes, full := r.adds, r.removes, r.full
	r.adds = make(map[string]struct{})
	r.removes = make(map[string]struct{})
	r.full = false
	r.mu.Unlock()

	if full {
		r.fullDiff(ctx)
		return
	}

	addBatch := make(map[*ConnGroup][]string)
	dropBatch := make(map[*ConnGroup][]string)
	for key := range adds {
		k, err := streamkey.Parse(key)
		if err != nil {
			continue
		}
		if group, name, ok := r.streamFor(k); ok {
			addBatch[group] = append(addBatch[group], name)
		}
	}
	for key := range removes {
		k, err := streamkey.Parse(key)
		if err != nil {
			continue
		}
		if group, name, ok := r.streamFor(k); ok {
			dropBatch[group] = append(dropBatch[group], name)
		}
	}

	for group, batch := range dropBatch {
		group.Drop(batch)
	}
	for group, batch := range addBatch {
		group.Assign(ctx, batch)
	}

	r.metrics.reconcile("delta")
	r.observeTracked()
}

func (r *Reconciler) fullDiff(ctx context.Context) {
	snapshot, err := r.registry.RegistrySnapshot(ctx)
	if err != nil {
		r.logger.WithError(err).Error("Registry snapshot failed, resync rescheduled")
		r.Resync()
		return
	}

	desired := make(map[*ConnGroup]map[string]bool)
	for _, group := range r.groups {
		desired[group] = make(map[string]bool)
	}
	for key := range snapshot {
		k, err := streamkey.Parse(key)
		if err != nil {
			r.logger.WithError(err).WithField("key", key).Warn("Skipping unparseable registry key")
			continue
		}
		if group, name, ok := r.streamFor(k); ok {
			desired[group][name] = true
		}
	}

	for group, want := range desired {
		actual := group.Actual()
		var toDrop []string
		for _, name := range actual {
			if !want[name] {
				toDrop = append(toDrop, name)
			}
		}
		var toAdd []string
		for name := range want {
			toAdd = append(toAdd, name)
		}
		group.Drop(toDrop)
		group.Assign(ctx, toAdd)

		r.logger.WithFields(logging.Fields{
			"exchange": group.Exchange(),
			"desired":  len(want),
			"dropped":  len(toDrop),
		}).Info("Reconciled upstream subscriptions")
	}

	r.metrics.reconcile("full")
	r.observeTracked()
}

func (r *Reconciler) observeTracked() {
	for name, group := range r.groups {
		r.metrics.tracked(name, group.Size())
	}
}
