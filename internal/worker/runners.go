package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mj2154/tickbus/internal/provider/binance"
	"github.com/mj2154/tickbus/internal/store"
	"github.com/mj2154/tickbus/internal/streamkey"
	"github.com/mj2154/tickbus/pkg/cache"
	"github.com/mj2154/tickbus/pkg/logging"
	"github.com/mj2154/tickbus/pkg/models"
)

const defaultSearchLimit = 20

// RunnerStore is the store surface the task runners write and read.
type RunnerStore interface {
	BackfillKlines(ctx context.Context, bars []models.Kline) error
	ReplaceExchangeInfo(ctx context.Context, exchange, marketType string, symbols []models.SymbolInfo) error
	GetSymbol(ctx context.Context, exchange, marketType, symbol string) (*models.SymbolInfo, error)
	SearchSymbols(ctx context.Context, exchange, marketType, term string, limit int) ([]models.SymbolInfo, error)
	CountSymbols(ctx context.Context, exchange, marketType string) (int, error)
	UpsertAccountState(ctx context.Context, accountKey string, payload interface{}, eventTime int64) error
	UpsertLiveRow(ctx context.Context, key string, payload interface{}, eventTime int64, isClosed bool) error
}

// RunnerConfig wires the task runners' dependencies. Signed may be nil
// when no upstream credentials are configured; account tasks then fail
// UNAUTHORIZED instead of dangling unclaimed.
type RunnerConfig struct {
	// Exchange is the registry slot the runners serve, default BINANCE.
	Exchange string
	Spot     *binance.RESTClient
	Futures  *binance.RESTClient
	Signed   *binance.SignedClient
	Store    RunnerStore
	// Resolve caches symbol lookups between resolve tasks. A default
	// cache is created when nil.
	Resolve *cache.Cache
	Logger  logging.Logger
	Metrics *Metrics
}

// Runners holds the per-type task implementations.
type Runners struct {
	exchange string
	spot     *binance.RESTClient
	futures  *binance.RESTClient
	signed   *binance.SignedClient
	store    RunnerStore
	resolve  *cache.Cache
	logger   logging.Logger
}

// NewRunners creates the runner set.
func NewRunners(cfg RunnerConfig) *Runners {
	if cfg.Exchange == "" {
		cfg.Exchange = "BINANCE"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger()
	}
	if cfg.Resolve == nil {
		m := cfg.Metrics
		cfg.Resolve = cache.New(cache.Options{
			TTL:                  5 * time.Minute,
			StaleWhileRevalidate: 5 * time.Minute,
			NegativeTTL:          30 * time.Second,
			MaxEntries:           4096,
		}, cache.Hooks{
			OnHit:   func() { m.resolve("hit") },
			OnMiss:  func() { m.resolve("miss") },
			OnStale: func() { m.resolve("stale") },
		})
	}
	return &Runners{
		exchange: cfg.Exchange,
		spot:     cfg.Spot,
		futures:  cfg.Futures,
		signed:   cfg.Signed,
		store:    cfg.Store,
		resolve:  cfg.Resolve,
		logger:   cfg.Logger,
	}
}

// Map returns the runner set keyed for pool registration.
func (r *Runners) Map() map[models.TaskType]TaskRunner {
	return map[models.TaskType]TaskRunner{
		models.TaskFetchHistory:      r.FetchHistory,
		models.TaskFetchQuotes:       r.FetchQuotes,
		models.TaskSearchSymbols:     r.SearchSymbols,
		models.TaskResolveSymbol:     r.ResolveSymbol,
		models.TaskFetchExchangeInfo: r.FetchExchangeInfo,
		models.TaskGetSpotAccount:    r.GetSpotAccount,
		models.TaskGetFuturesAccount: r.GetFuturesAccount,
	}
}

func (r *Runners) restFor(marketType string) (*binance.RESTClient, *TaskError) {
	var c *binance.RESTClient
	if marketType == models.MarketFutures {
		c = r.futures
	} else {
		c = r.spot
	}
	if c == nil {
		return nil, &TaskError{
			Code:    models.TaskErrInternal,
			Message: "no REST client for market " + marketType,
		}
	}
	return c, nil
}

// FetchHistory pulls a kline range from upstream and backfills the
// archive. The result carries the bars so the originating session gets
// them without a second round trip.
func (r *Runners) FetchHistory(ctx context.Context, task *models.Task) (models.JSONB, error) {
	symbol := payloadSymbol(task.Payload)
	if symbol == "" {
		return nil, badRequest("missing symbol")
	}
	interval := payloadString(task.Payload, "interval")
	if !streamkey.ValidInterval(interval) {
		return nil, badRequest("unknown interval " + interval)
	}
	market := payloadMarket(task.Payload)
	rest, terr := r.restFor(market)
	if terr != nil {
		return nil, terr
	}

	from := payloadInt(task.Payload, "from")
	to := payloadInt(task.Payload, "to")
	limit := int(payloadInt(task.Payload, "limit"))

	bars, err := rest.Klines(ctx, symbol, interval, from, to, limit)
	if err != nil {
		return nil, err
	}

	// Only sealed bars enter the archive, the open head keeps moving.
	closed := make([]models.Kline, 0, len(bars))
	for _, b := range bars {
		if b.IsClosed {
			closed = append(closed, b)
		}
	}
	if len(closed) > 0 {
		if err := r.store.BackfillKlines(ctx, closed); err != nil {
			return nil, err
		}
	}

	return models.JSONB{
		"symbol":   symbol,
		"interval": interval,
		"bars":     bars,
		"count":    len(bars),
	}, nil
}

// FetchQuotes answers a one-shot quote request from the upstream book
// ticker endpoint.
func (r *Runners) FetchQuotes(ctx context.Context, task *models.Task) (models.JSONB, error) {
	symbol := payloadSymbol(task.Payload)
	if symbol == "" {
		return nil, badRequest("missing symbol")
	}
	rest, terr := r.restFor(payloadMarket(task.Payload))
	if terr != nil {
		return nil, terr
	}

	quote, err := rest.BookTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return models.JSONB{"quote": quote}, nil
}

// SearchSymbols matches the term against the symbol table. An empty
// table triggers one upstream refresh before the search reruns.
func (r *Runners) SearchSymbols(ctx context.Context, task *models.Task) (models.JSONB, error) {
	term := strings.TrimSpace(payloadString(task.Payload, "term"))
	if term == "" {
		return nil, badRequest("missing term")
	}
	market := payloadMarket(task.Payload)
	limit := int(payloadInt(task.Payload, "limit"))
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	rows, err := r.store.SearchSymbols(ctx, r.exchange, market, term, limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		count, cerr := r.store.CountSymbols(ctx, r.exchange, market)
		if cerr != nil {
			return nil, cerr
		}
		if count == 0 {
			if err := r.refreshExchangeInfo(ctx, market); err != nil {
				return nil, err
			}
			if rows, err = r.store.SearchSymbols(ctx, r.exchange, market, term, limit); err != nil {
				return nil, err
			}
		}
	}

	return models.JSONB{"symbols": rows, "count": len(rows)}, nil
}

// ResolveSymbol looks one symbol up through the read-through cache.
// A miss refreshes the symbol table once before giving up.
func (r *Runners) ResolveSymbol(ctx context.Context, task *models.Task) (models.JSONB, error) {
	symbol := payloadSymbol(task.Payload)
	if symbol == "" {
		return nil, badRequest("missing symbol")
	}
	market := payloadMarket(task.Payload)
	cacheKey := r.exchange + ":" + market + ":" + symbol

	loader := func(ctx context.Context, _ string) (interface{}, bool, error) {
		info, err := r.store.GetSymbol(ctx, r.exchange, market, symbol)
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return info, true, nil
	}

	v, ok, err := r.resolve.Get(ctx, cacheKey, loader)
	if err != nil {
		return nil, err
	}
	if !ok {
		// The table may predate a newly listed symbol.
		if err := r.refreshExchangeInfo(ctx, market); err != nil {
			return nil, err
		}
		r.resolve.Delete(cacheKey)
		if v, ok, err = r.resolve.Get(ctx, cacheKey, loader); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, &TaskError{
			Code:    models.TaskErrNotFound,
			Message: "unknown symbol " + symbol,
		}
	}

	info := v.(*models.SymbolInfo)
	return models.JSONB{"symbol": info}, nil
}

// FetchExchangeInfo downloads the full symbol table and swaps it in.
func (r *Runners) FetchExchangeInfo(ctx context.Context, task *models.Task) (models.JSONB, error) {
	market := payloadMarket(task.Payload)
	count, err := r.fetchExchangeInfo(ctx, market)
	if err != nil {
		return nil, err
	}
	return models.JSONB{
		"exchange":    r.exchange,
		"market_type": market,
		"count":       count,
	}, nil
}

func (r *Runners) refreshExchangeInfo(ctx context.Context, market string) error {
	count, err := r.fetchExchangeInfo(ctx, market)
	if err != nil {
		return fmt.Errorf("refresh exchange info: %w", err)
	}
	r.logger.WithFields(logging.Fields{
		"market":  market,
		"symbols": count,
	}).Info("Refreshed symbol table")
	return nil
}

func (r *Runners) fetchExchangeInfo(ctx context.Context, market string) (int, error) {
	rest, terr := r.restFor(market)
	if terr != nil {
		return 0, terr
	}
	symbols, err := rest.ExchangeInfo(ctx)
	if err != nil {
		return 0, err
	}
	if err := r.store.ReplaceExchangeInfo(ctx, r.exchange, market, symbols); err != nil {
		return 0, err
	}
	return len(symbols), nil
}

// GetSpotAccount fetches a fresh spot snapshot and persists it.
func (r *Runners) GetSpotAccount(ctx context.Context, task *models.Task) (models.JSONB, error) {
	if r.signed == nil {
		return nil, errNoCredentials()
	}
	acct, err := r.signed.SpotAccount(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.persistAccount(ctx, acct); err != nil {
		return nil, err
	}
	return models.JSONB{"account": acct}, nil
}

// GetFuturesAccount fetches a fresh futures snapshot and persists it.
func (r *Runners) GetFuturesAccount(ctx context.Context, task *models.Task) (models.JSONB, error) {
	if r.signed == nil {
		return nil, errNoCredentials()
	}
	acct, err := r.signed.FuturesAccount(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.persistAccount(ctx, acct); err != nil {
		return nil, err
	}
	return models.JSONB{"account": acct}, nil
}

func (r *Runners) persistAccount(ctx context.Context, acct *models.Account) error {
	if err := r.store.UpsertAccountState(ctx, acct.AccountKey, acct, acct.EventTime); err != nil {
		return err
	}
	return r.store.UpsertLiveRow(ctx, acct.AccountKey, acct, acct.EventTime, false)
}

func errNoCredentials() *TaskError {
	return &TaskError{
		Code:    models.TaskErrUnauthorized,
		Message: "no upstream credentials configured",
	}
}

func badRequest(msg string) *TaskError {
	return &TaskError{Code: models.TaskErrBadRequest, Message: msg}
}

func payloadString(p models.JSONB, key string) string {
	v, _ := p[key].(string)
	return v
}

func payloadSymbol(p models.JSONB) string {
	return strings.ToUpper(strings.TrimSpace(payloadString(p, "symbol")))
}

// payloadMarket normalizes the optional market_type field, spot by
// default.
func payloadMarket(p models.JSONB) string {
	m := strings.ToUpper(strings.TrimSpace(payloadString(p, "market_type")))
	if m == models.MarketFutures {
		return models.MarketFutures
	}
	return models.MarketSpot
}

// payloadInt reads a numeric field. JSON decoding hands back float64,
// locally built payloads may carry native ints.
func payloadInt(p models.JSONB, key string) int64 {
	switch v := p[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
