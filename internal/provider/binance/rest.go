package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"golang.org/x/time/rate"

	"github.com/mj2154/tickbus/pkg/clients"
	"github.com/mj2154/tickbus/pkg/logging"
	"github.com/mj2154/tickbus/pkg/models"
)

// maxResponseBytes caps response bodies. The exchangeInfo payload runs
// to a few megabytes, everything else is far smaller.
const maxResponseBytes = 16 << 20

// RESTConfig configures one public REST client.
type RESTConfig struct {
	Exchange   string
	MarketType string
	BaseURL    string
	Timeout    time.Duration
	// RequestsPerSecond budgets requests against the upstream IP weight
	// limits. The default stays well under the documented ceiling.
	RequestsPerSecond float64
	Burst             int
	Logger            logging.Logger
	ExecutorConfig    *clients.ExecutorConfig
}

// RESTClient serves the public market-data endpoints of one market.
type RESTClient struct {
	exchange   string
	marketType string
	baseURL    string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
	limiter    *rate.Limiter
	logger     logging.Logger
	now        func() time.Time
}

// NewRESTClient creates a public REST client for one exchange slot.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BaseURL == "" {
		if cfg.MarketType == models.MarketFutures {
			cfg.BaseURL = DefaultFuturesRESTURL
		} else {
			cfg.BaseURL = DefaultSpotRESTURL
		}
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}

	market := cfg.MarketType
	if market == "" {
		market = models.MarketSpot
	}

	execCfg := clients.DefaultExecutorConfig()
	if cfg.ExecutorConfig != nil {
		execCfg = *cfg.ExecutorConfig
	} else {
		breaker := clients.DefaultBreakerConfig(strings.ToLower(cfg.Exchange + "-" + market + "-rest"))
		breaker.Logger = cfg.Logger
		execCfg.Breaker = clients.NewBreaker(breaker)
	}

	return &RESTClient{
		exchange:   cfg.Exchange,
		marketType: market,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: clients.DefaultTransport()},
		executor:   clients.NewHTTPExecutor(execCfg),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// Exchange returns the exchange slot results are attributed to.
func (c *RESTClient) Exchange() string { return c.exchange }

// MarketType returns the market this client serves.
func (c *RESTClient) MarketType() string { return c.marketType }

// endpoint prefixes an endpoint name with the market's path root.
func (c *RESTClient) endpoint(name string) string {
	if c.marketType == models.MarketFutures {
		return "/fapi/v1/" + name
	}
	return "/api/v3/" + name
}

func (c *RESTClient) maxKlineLimit() int {
	if c.marketType == models.MarketFutures {
		return 1500
	}
	return 1000
}

func (c *RESTClient) get(ctx context.Context, path, query string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	url := c.baseURL + path
	if query != "" {
		url += "?" + query
	}

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

// decodeResponse parses the body into out, or into the upstream error
// shape when the status is not OK.
func decodeResponse(resp *http.Response, out interface{}) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || (apiErr.Code == 0 && apiErr.Message == "") {
			msg := strings.TrimSpace(string(body))
			if len(msg) > 256 {
				msg = msg[:256]
			}
			apiErr.Message = msg
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ServerTime fetches the upstream clock in epoch millis.
func (c *RESTClient) ServerTime(ctx context.Context) (int64, error) {
	var body serverTimeResponse
	if err := c.get(ctx, c.endpoint("time"), "", &body); err != nil {
		return 0, err
	}
	return body.ServerTime, nil
}

// Klines fetches historical bars for [from, to] in canonical interval
// codes. Rows still inside their interval at fetch time come back with
// IsClosed false.
func (c *RESTClient) Klines(ctx context.Context, symbol, interval string, from, to int64, limit int) ([]models.Kline, error) {
	upInterval, err := UpstreamInterval(interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > c.maxKlineLimit() {
		limit = c.maxKlineLimit()
	}

	query := new(Params).
		Add("symbol", strings.ToUpper(symbol)).
		Add("interval", upInterval)
	if from > 0 {
		query.Add("startTime", strconv.FormatInt(from, 10))
	}
	if to > 0 {
		query.Add("endTime", strconv.FormatInt(to, 10))
	}
	query.Add("limit", strconv.Itoa(limit))

	var rows []restKline
	if err := c.get(ctx, c.endpoint("klines"), query.Encode(), &rows); err != nil {
		return nil, err
	}

	nowMillis := c.now().UnixMilli()
	bars := make([]models.Kline, 0, len(rows))
	for _, r := range rows {
		bars = append(bars, models.Kline{
			Symbol:      strings.ToUpper(symbol),
			Interval:    interval,
			OpenTime:    r.OpenTime,
			CloseTime:   r.CloseTime,
			Open:        r.Open,
			High:        r.High,
			Low:         r.Low,
			Close:       r.Close,
			Volume:      r.Volume,
			QuoteVolume: r.QuoteVolume,
			TradeCount:  r.TradeCount,
			IsClosed:    r.CloseTime <= nowMillis,
		})
	}
	return bars, nil
}

// ExchangeInfo fetches the full symbol table for the market. Each
// row keeps the raw upstream symbol object as its payload.
func (c *RESTClient) ExchangeInfo(ctx context.Context) ([]models.SymbolInfo, error) {
	var body struct {
		Symbols []json.RawMessage `json:"symbols"`
	}
	if err := c.get(ctx, c.endpoint("exchangeInfo"), "", &body); err != nil {
		return nil, err
	}

	fetched := c.now()
	infos := make([]models.SymbolInfo, 0, len(body.Symbols))
	for _, raw := range body.Symbols {
		var head struct {
			Symbol     string `json:"symbol"`
			Status     string `json:"status"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, fmt.Errorf("decode symbol entry: %w", err)
		}
		var payload models.JSONB
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("decode symbol payload: %w", err)
		}
		infos = append(infos, models.SymbolInfo{
			Exchange:   c.exchange,
			MarketType: c.marketType,
			Symbol:     head.Symbol,
			BaseAsset:  head.BaseAsset,
			QuoteAsset: head.QuoteAsset,
			Status:     head.Status,
			Payload:    payload,
			UpdatedAt:  fetched,
		})
	}
	return infos, nil
}

// BookTicker fetches the current top of book for one symbol.
func (c *RESTClient) BookTicker(ctx context.Context, symbol string) (*models.Quote, error) {
	query := new(Params).Add("symbol", strings.ToUpper(symbol))

	var body restBookTicker
	if err := c.get(ctx, c.endpoint("ticker/bookTicker"), query.Encode(), &body); err != nil {
		return nil, err
	}

	eventTime := body.Time
	if eventTime == 0 {
		eventTime = c.now().UnixMilli()
	}
	quote := &models.Quote{
		Symbol:    body.Symbol,
		BidPrice:  body.BidPrice,
		BidQty:    body.BidQty,
		AskPrice:  body.AskPrice,
		AskQty:    body.AskQty,
		EventTime: eventTime,
	}
	if err := quote.Validate(); err != nil {
		return nil, err
	}
	return quote, nil
}
