package worker

import (
	"context"
	"sync"
	"time"

	"github.com/mj2154/tickbus/internal/provider/binance"
	"github.com/mj2154/tickbus/pkg/logging"
	"github.com/mj2154/tickbus/pkg/models"
)

// DefaultSnapshotInterval is how often a full account snapshot
// overwrites the incrementally maintained state.
const DefaultSnapshotInterval = 5 * time.Minute

const snapshotTimeout = 15 * time.Second

// AccountStore is the persistence surface for account state. The live
// row write publishes the update, the state row survives restarts.
type AccountStore interface {
	UpsertAccountState(ctx context.Context, accountKey string, payload interface{}, eventTime int64) error
	UpsertLiveRow(ctx context.Context, key string, payload interface{}, eventTime int64, isClosed bool) error
}

// AccountConfig configures the account manager. Signed must be set;
// the manager only exists when upstream credentials are configured.
type AccountConfig struct {
	Signed           *binance.SignedClient
	Store            AccountStore
	SnapshotInterval time.Duration
	// SpotWSAPIURL and FuturesWSURL override the user stream
	// endpoints, mainly for tests.
	SpotWSAPIURL string
	FuturesWSURL string
	Logger       logging.Logger
	Metrics      *Metrics
}

// AccountManager materializes exchange account state. Signed REST
// snapshots seed and periodically overwrite it, user-stream events
// overlay it in between. Every applied change flows through the
// live-row upsert so subscribers see it as a realtime update.
type AccountManager struct {
	signed   *binance.SignedClient
	store    AccountStore
	interval time.Duration
	logger   logging.Logger
	metrics  *Metrics

	spot    *binance.SpotUserStream
	futures *binance.FuturesUserStream

	mu       sync.Mutex
	accounts map[string]*models.Account

	refresh chan struct{}
}

// NewAccountManager creates a manager for both markets of one account.
func NewAccountManager(cfg AccountConfig) *AccountManager {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger()
	}

	m := &AccountManager{
		signed:   cfg.Signed,
		store:    cfg.Store,
		interval: cfg.SnapshotInterval,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		accounts: make(map[string]*models.Account),
		refresh:  make(chan struct{}, 1),
	}

	m.spot = binance.NewSpotUserStream(cfg.Signed, binance.UserStreamConfig{
		URL:      cfg.SpotWSAPIURL,
		Logger:   cfg.Logger,
		OnEvent:  m.HandleSpotEvent,
		OnActive: m.requestRefresh,
	})
	m.futures = binance.NewFuturesUserStream(cfg.Signed, binance.UserStreamConfig{
		URL:      cfg.FuturesWSURL,
		Logger:   cfg.Logger,
		OnEvent:  m.HandleFuturesEvent,
		OnActive: m.requestRefresh,
	})
	return m
}

// StreamStates reports the user stream states for the ops surface.
func (m *AccountManager) StreamStates() map[string]string {
	return map[string]string{
		"spot_user":    m.spot.State().String(),
		"futures_user": m.futures.State().String(),
	}
}

// Run starts both user streams and the snapshot loop, blocking until
// the context ends.
func (m *AccountManager) Run(ctx context.Context) error {
	// Seed state before the streams come up so reads work even while
	// the upstream WS is unreachable. Each stream triggers another
	// snapshot once active, closing the gap between this fetch and
	// the first delivered event.
	m.snapshotAll(ctx)

	go m.spot.Run(ctx)
	go m.futures.Run(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.snapshotAll(ctx)
		case <-m.refresh:
			m.snapshotAll(ctx)
		}
	}
}

func (m *AccountManager) requestRefresh() {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

func (m *AccountManager) snapshotAll(ctx context.Context) {
	m.snapshotOne(ctx, models.MarketSpot)
	m.snapshotOne(ctx, models.MarketFutures)
}

func (m *AccountManager) snapshotOne(ctx context.Context, market string) {
	sctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	var (
		acct *models.Account
		err  error
	)
	if market == models.MarketSpot {
		acct, err = m.signed.SpotAccount(sctx)
	} else {
		acct, err = m.signed.FuturesAccount(sctx)
	}
	if err != nil {
		m.logger.WithError(err).WithField("market", market).Warn("Account snapshot failed")
		return
	}

	m.apply(ctx, acct.AccountKey, market, "snapshot", func(*models.Account) *models.Account {
		return acct
	})
}

// HandleSpotEvent overlays one spot user-stream event.
func (m *AccountManager) HandleSpotEvent(ctx context.Context, ev *binance.UserEvent) {
	key := m.signed.SpotAccountKey()

	switch ev.Type {
	case binance.UserEventBalances:
		m.apply(ctx, key, models.MarketSpot, "stream", func(*models.Account) *models.Account {
			update := models.NewAccount(key, models.MarketSpot)
			update.EventTime = ev.EventTime
			for _, b := range ev.Balances {
				update.Balances[b.Asset] = b
			}
			return update
		})

	case binance.UserEventBalanceDelta:
		// Deposits and withdrawals arrive as a signed delta against
		// the asset's free amount.
		m.apply(ctx, key, models.MarketSpot, "stream", func(current *models.Account) *models.Account {
			cur := current.Balances[ev.Asset]
			update := models.NewAccount(key, models.MarketSpot)
			update.EventTime = ev.EventTime
			update.Balances[ev.Asset] = models.Balance{
				Asset:  ev.Asset,
				Free:   cur.Free.Add(ev.Delta),
				Locked: cur.Locked,
			}
			return update
		})
	}
}

// HandleFuturesEvent overlays one futures user-stream event.
func (m *AccountManager) HandleFuturesEvent(ctx context.Context, ev *binance.UserEvent) {
	if ev.Type != binance.UserEventBalances {
		return
	}
	key := m.signed.FuturesAccountKey()

	m.apply(ctx, key, models.MarketFutures, "stream", func(current *models.Account) *models.Account {
		update := models.NewAccount(key, models.MarketFutures)
		update.EventTime = ev.EventTime
		for _, b := range ev.Balances {
			update.Balances[b.Asset] = b
		}
		for _, p := range ev.Positions {
			// Deltas never carry leverage, keep what the snapshot set.
			if prev, ok := current.Positions[p.Key()]; ok {
				p.Leverage = prev.Leverage
				if p.MarginType == "" {
					p.MarginType = prev.MarginType
				}
			}
			update.Positions[p.Key()] = p
		}
		return update
	})
}

// apply overlays an update built under the lock and persists the
// result when it lands. Stale updates are dropped by the overlay.
func (m *AccountManager) apply(ctx context.Context, key, market, source string, build func(current *models.Account) *models.Account) {
	m.mu.Lock()
	acct, ok := m.accounts[key]
	if !ok {
		acct = models.NewAccount(key, market)
		m.accounts[key] = acct
	}
	update := build(acct)
	applied := update != nil && acct.Overlay(update)
	var snap *models.Account
	if applied {
		// The clone carries the full materialized state, not a delta,
		// so consumers replace rather than merge.
		snap = cloneAccount(acct)
		snap.Snapshot = true
	}
	m.mu.Unlock()

	if !applied {
		m.logger.WithFields(logging.Fields{
			"account": key,
			"source":  source,
		}).Debug("Dropped stale account update")
		return
	}

	m.persist(ctx, snap)
	m.metrics.account(market, source)
}

func (m *AccountManager) persist(ctx context.Context, acct *models.Account) {
	if err := m.store.UpsertAccountState(ctx, acct.AccountKey, acct, acct.EventTime); err != nil {
		m.logger.WithError(err).WithField("account", acct.AccountKey).Error("Account state write failed")
	}
	if err := m.store.UpsertLiveRow(ctx, acct.AccountKey, acct, acct.EventTime, false); err != nil {
		m.logger.WithError(err).WithField("account", acct.AccountKey).Error("Account live row write failed")
	}
}

func cloneAccount(a *models.Account) *models.Account {
	out := &models.Account{
		AccountKey: a.AccountKey,
		MarketType: a.MarketType,
		EventTime:  a.EventTime,
		Snapshot:   a.Snapshot,
		Balances:   make(map[string]models.Balance, len(a.Balances)),
		Positions:  make(map[string]models.Position, len(a.Positions)),
	}
	for k, v := range a.Balances {
		out.Balances[k] = v
	}
	for k, v := range a.Positions {
		out.Positions[k] = v
	}
	return out
}
