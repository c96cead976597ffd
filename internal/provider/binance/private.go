package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"golang.org/x/time/rate"

	"github.com/mj2154/tickbus/internal/streamkey"
	"github.com/mj2154/tickbus/pkg/clients"
	"github.com/mj2154/tickbus/pkg/logging"
	"github.com/mj2154/tickbus/pkg/models"
)

// SignedConfig configures the private REST client.
type SignedConfig struct {
	Exchange       string
	APIKey         string
	Signer         Signer
	SpotBaseURL    string
	FuturesBaseURL string
	Timeout        time.Duration
	// RecvWindow bounds how stale a signed request may be when the
	// upstream receives it.
	RecvWindow     time.Duration
	Logger         logging.Logger
	ExecutorConfig *clients.ExecutorConfig
}

// SignedClient serves the account endpoints that require request
// signing, plus the futures listen-key lifecycle.
type SignedClient struct {
	exchange   string
	apiKey     string
	signer     Signer
	spotURL    string
	futuresURL string
	recvWindow int64
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
	limiter    *rate.Limiter
	logger     logging.Logger
	now        func() time.Time
}

// NewSignedClient creates the private client. APIKey and Signer are
// required.
func NewSignedClient(cfg SignedConfig) (*SignedClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("signed client: missing api key")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("signed client: missing signer")
	}
	if cfg.Exchange == "" {
		return nil, fmt.Errorf("signed client: missing exchange")
	}
	if cfg.SpotBaseURL == "" {
		cfg.SpotBaseURL = DefaultSpotRESTURL
	}
	if cfg.FuturesBaseURL == "" {
		cfg.FuturesBaseURL = DefaultFuturesRESTURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5 * time.Second
	}

	execCfg := clients.DefaultExecutorConfig()
	if cfg.ExecutorConfig != nil {
		execCfg = *cfg.ExecutorConfig
	} else {
		breaker := clients.DefaultBreakerConfig(strings.ToLower(cfg.Exchange) + "-signed-rest")
		breaker.Logger = cfg.Logger
		execCfg.Breaker = clients.NewBreaker(breaker)
	}

	return &SignedClient{
		exchange:   cfg.Exchange,
		apiKey:     cfg.APIKey,
		signer:     cfg.Signer,
		spotURL:    strings.TrimRight(cfg.SpotBaseURL, "/"),
		futuresURL: strings.TrimRight(cfg.FuturesBaseURL, "/"),
		recvWindow: cfg.RecvWindow.Milliseconds(),
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: clients.DefaultTransport()},
		executor:   clients.NewHTTPExecutor(execCfg),
		limiter:    rate.NewLimiter(rate.Limit(5), 10),
		logger:     cfg.Logger,
		now:        time.Now,
	}, nil
}

// Exchange returns the exchange slot accounts are attributed to.
func (c *SignedClient) Exchange() string { return c.exchange }

// APIKey returns the configured key for WS-API authentication.
func (c *SignedClient) APIKey() string { return c.apiKey }

// Signer returns the configured signer for WS-API authentication.
func (c *SignedClient) Signer() Signer { return c.signer }

func (c *SignedClient) do(ctx context.Context, method, rawURL string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
		return c.httpClient.Do(req)
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

// doSigned appends timestamp, recvWindow, and the signature to the
// parameter list and issues the request. Parameter order is preserved
// end to end, the upstream verifies against the exact query string.
func (c *SignedClient) doSigned(ctx context.Context, method, baseURL, path string, params *Params, out interface{}) error {
	if params == nil {
		params = new(Params)
	}
	params.Add("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Add("recvWindow", strconv.FormatInt(c.recvWindow, 10))

	payload := params.Encode()
	sig, err := c.signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	return c.do(ctx, method, baseURL+path+"?"+payload+"&signature="+url.QueryEscape(sig), out)
}

// doKeyed issues a request authenticated by API key alone, the form
// the listen-key endpoints take.
func (c *SignedClient) doKeyed(ctx context.Context, method, baseURL, path string, out interface{}) error {
	return c.do(ctx, method, baseURL+path, out)
}

// SpotAccountKey returns the canonical key spot account state lives
// under.
func (c *SignedClient) SpotAccountKey() string {
	return streamkey.Key{
		Exchange: c.exchange,
		Symbol:   streamkey.AccountSymbol,
		Stream:   streamkey.StreamAccount,
		Param:    models.MarketSpot,
	}.String()
}

// FuturesAccountKey returns the canonical key futures account state
// lives under.
func (c *SignedClient) FuturesAccountKey() string {
	return streamkey.Key{
		Exchange: c.exchange,
		Symbol:   streamkey.AccountSymbol,
		Stream:   streamkey.StreamAccount,
		Param:    models.MarketFutures,
	}.String()
}

// SpotAccount fetches a full spot balance snapshot. Zero balances are
// dropped, the upstream reports every listed asset.
func (c *SignedClient) SpotAccount(ctx context.Context) (*models.Account, error) {
	var body restSpotAccount
	if err := c.doSigned(ctx, http.MethodGet, c.spotURL, "/api/v3/account", nil, &body); err != nil {
		return nil, err
	}

	account := models.NewAccount(c.SpotAccountKey(), models.MarketSpot)
	account.Snapshot = true
	account.EventTime = c.now().UnixMilli()
	for _, b := range body.Balances {
		if b.Free.IsZero() && b.Locked.IsZero() {
			continue
		}
		account.Balances[b.Asset] = models.Balance{Asset: b.Asset, Free: b.Free, Locked: b.Locked}
	}
	return account, nil
}

// FuturesAccount fetches a full futures snapshot, wallet balances and
// open positions.
func (c *SignedClient) FuturesAccount(ctx context.Context) (*models.Account, error) {
	var body restFuturesAccount
	if err := c.doSigned(ctx, http.MethodGet, c.futuresURL, "/fapi/v2/account", nil, &body); err != nil {
		return nil, err
	}

	account := models.NewAccount(c.FuturesAccountKey(), models.MarketFutures)
	account.Snapshot = true
	account.EventTime = c.now().UnixMilli()
	for _, a := range body.Assets {
		if a.WalletBalance.IsZero() {
			continue
		}
		account.Balances[a.Asset] = models.Balance{Asset: a.Asset, Free: a.WalletBalance}
	}
	for _, p := range body.Positions {
		if p.PositionAmount.IsZero() {
			continue
		}
		marginType := "cross"
		if p.Isolated {
			marginType = "isolated"
		}
		pos := models.Position{
			Symbol:           p.Symbol,
			PositionSide:     p.PositionSide,
			PositionAmount:   p.PositionAmount,
			EntryPrice:       p.EntryPrice,
			UnrealizedProfit: p.UnrealizedProfit,
			Leverage:         p.Leverage,
			MarginType:       marginType,
		}
		account.Positions[pos.Key()] = pos
	}
	return account, nil
}

// CreateFuturesListenKey opens a futures user-data stream and returns
// its key.
func (c *SignedClient) CreateFuturesListenKey(ctx context.Context) (string, error) {
	var body listenKeyResponse
	if err := c.doKeyed(ctx, http.MethodPost, c.futuresURL, "/fapi/v1/listenKey", &body); err != nil {
		return "", err
	}
	if body.ListenKey == "" {
		return "", fmt.Errorf("listen key response missing key")
	}
	return body.ListenKey, nil
}

// KeepAliveFuturesListenKey extends the active listen key's TTL.
func (c *SignedClient) KeepAliveFuturesListenKey(ctx context.Context) error {
	return c.doKeyed(ctx, http.MethodPut, c.futuresURL, "/fapi/v1/listenKey", nil)
}

// CloseFuturesListenKey closes the active futures user-data stream.
func (c *SignedClient) CloseFuturesListenKey(ctx context.Context) error {
	return c.doKeyed(ctx, http.MethodDelete, c.futuresURL, "/fapi/v1/listenKey", nil)
}
