package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mj2154/tickbus/pkg/logging"
)

const (
	// defaultRenewInterval keeps the futures listen key alive well
	// inside its 60 minute TTL.
	defaultRenewInterval = 55 * time.Minute
	// maxListenKeyAge is the upstream's absolute listen-key lifetime.
	// The stream reopens with a fresh key before hitting it.
	maxListenKeyAge = 24 * time.Hour
)

// wsAPIRequest is a WS-API method call. Unlike market control
// messages, params is an object.
type wsAPIRequest struct {
	ID     string                 `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// UserEventHandler receives decoded account events.
type UserEventHandler func(ctx context.Context, ev *UserEvent)

// UserStreamConfig configures one user-data connection.
type UserStreamConfig struct {
	// URL is the WS base. Spot takes the WS-API endpoint, futures the
	// market WS base the listen key binds under.
	URL           string
	ReadTimeout   time.Duration
	RenewInterval time.Duration
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
	Logger        logging.Logger
	OnEvent       UserEventHandler
	// OnActive fires after each (re)connect. Incremental events may
	// have been lost across the gap, the account manager refreshes
	// its snapshot on it.
	OnActive func()
}

func (cfg *UserStreamConfig) applyDefaults() {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 4 * time.Minute
	}
	if cfg.RenewInterval == 0 {
		cfg.RenewInterval = defaultRenewInterval
	}
	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger()
	}
}

// runReconnectLoop drives a dial-serve-backoff cycle until ctx ends.
func runReconnectLoop(ctx context.Context, name string, cfg *UserStreamConfig, state *atomic.Int32, serve func(context.Context) error) {
	defer state.Store(int32(StateClosed))

	backoff := cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		state.Store(int32(StateConnecting))

		started := time.Now()
		err := serve(ctx)
		if ctx.Err() != nil {
			return
		}

		state.Store(int32(StateDegraded))
		if time.Since(started) > time.Minute {
			backoff = cfg.ReconnectMin
		}
		cfg.Logger.WithError(err).WithFields(logging.Fields{
			"conn":    name,
			"backoff": backoff.String(),
		}).Warn("User stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > cfg.ReconnectMax {
			backoff = cfg.ReconnectMax
		}
	}
}

// SpotUserStream holds the signed spot user-data subscription open
// over the WS API.
type SpotUserStream struct {
	cfg    UserStreamConfig
	client *SignedClient
	logger logging.Logger
	state  atomic.Int32
}

// NewSpotUserStream creates the spot user stream. Run starts it.
func NewSpotUserStream(client *SignedClient, cfg UserStreamConfig) *SpotUserStream {
	if cfg.URL == "" {
		cfg.URL = DefaultSpotWSAPIURL
	}
	cfg.applyDefaults()
	s := &SpotUserStream{cfg: cfg, client: client, logger: cfg.Logger}
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the current connection state.
func (s *SpotUserStream) State() StreamState {
	return StreamState(s.state.Load())
}

// Run serves the subscription until ctx ends.
func (s *SpotUserStream) Run(ctx context.Context) {
	runReconnectLoop(ctx, "spot-user", &s.cfg, &s.state, s.runConn)
}

func (s *SpotUserStream) runConn(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial spot user stream (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial spot user stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := s.subscribe(conn); err != nil {
		return err
	}

	// Nothing is delivered before the subscribe resolves, so the
	// first frame answers it.
	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	_, ackData, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await subscribe ack: %w", err)
	}
	var ack struct {
		Status int       `json:"status"`
		Error  *APIError `json:"error"`
	}
	if err := json.Unmarshal(ackData, &ack); err != nil {
		return fmt.Errorf("subscribe ack: %w", err)
	}
	if ack.Status != 200 {
		if ack.Error != nil {
			return fmt.Errorf("subscribe rejected: %w", ack.Error)
		}
		return fmt.Errorf("subscribe rejected with status %d", ack.Status)
	}

	s.state.Store(int32(StateActive))
	s.logger.Info("Spot user stream subscribed")
	if s.cfg.OnActive != nil {
		s.cfg.OnActive()
	}

	conn.SetReadLimit(1 << 20)
	conn.SetPingHandler(func(message string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(time.Second))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(ctx, data)
	}
}

func (s *SpotUserStream) subscribe(conn *websocket.Conn) error {
	timestamp := time.Now().UnixMilli()

	// The signature covers the parameters exactly as listed. apiKey
	// before timestamp is also the order the upstream verifies.
	params := new(Params).
		Add("apiKey", s.client.APIKey()).
		Add("timestamp", strconv.FormatInt(timestamp, 10))
	sig, err := s.client.Signer().Sign(params.Encode())
	if err != nil {
		return fmt.Errorf("sign subscribe: %w", err)
	}

	req := wsAPIRequest{
		ID:     uuid.New().String(),
		Method: "userDataStream.subscribe.signature",
		Params: map[string]interface{}{
			"apiKey":    s.client.APIKey(),
			"timestamp": timestamp,
			"signature": sig,
		},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(req)
}

func (s *SpotUserStream) handleMessage(ctx context.Context, data []byte) {
	// Events arrive wrapped in an event object, anything else is a
	// control response.
	var envelope struct {
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Event == nil {
		return
	}

	ev, err := DecodeSpotUserEvent(envelope.Event)
	if err != nil {
		s.logger.WithError(err).Warn("Undecodable spot user event")
		return
	}
	if ev != nil && s.cfg.OnEvent != nil {
		s.cfg.OnEvent(ctx, ev)
	}
}

// FuturesUserStream holds the futures user-data stream open through
// the listen-key lifecycle.
type FuturesUserStream struct {
	cfg    UserStreamConfig
	client *SignedClient
	logger logging.Logger
	state  atomic.Int32
}

// NewFuturesUserStream creates the futures user stream. Run starts it.
func NewFuturesUserStream(client *SignedClient, cfg UserStreamConfig) *FuturesUserStream {
	if cfg.URL == "" {
		cfg.URL = DefaultFuturesWSURL
	}
	cfg.applyDefaults()
	s := &FuturesUserStream{cfg: cfg, client: client, logger: cfg.Logger}
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the current connection state.
func (s *FuturesUserStream) State() StreamState {
	return StreamState(s.state.Load())
}

// Run serves the stream until ctx ends.
func (s *FuturesUserStream) Run(ctx context.Context) {
	runReconnectLoop(ctx, "futures-user", &s.cfg, &s.state, s.runConn)
}

func (s *FuturesUserStream) runConn(ctx context.Context) error {
	key, err := s.client.CreateFuturesListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.client.CloseFuturesListenKey(closeCtx)
	}()

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL+"/ws/"+key, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial futures user stream (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial futures user stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepAlive(connCtx, conn)

	s.state.Store(int32(StateActive))
	s.logger.Info("Futures user stream connected")
	if s.cfg.OnActive != nil {
		s.cfg.OnActive()
	}

	conn.SetReadLimit(1 << 20)
	conn.SetPingHandler(func(message string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(time.Second))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := DecodeFuturesUserEvent(data)
		if err != nil {
			s.logger.WithError(err).Warn("Undecodable futures user event")
			continue
		}
		if ev == nil {
			continue
		}
		if ev.Type == UserEventExpired {
			return fmt.Errorf("listen key expired upstream")
		}
		if s.cfg.OnEvent != nil {
			s.cfg.OnEvent(ctx, ev)
		}
	}
}

// keepAlive renews the listen key on a timer and forces a reopen
// before the key's absolute lifetime runs out.
func (s *FuturesUserStream) keepAlive(ctx context.Context, conn *websocket.Conn) {
	renew := time.NewTicker(s.cfg.RenewInterval)
	defer renew.Stop()
	reopen := time.NewTimer(maxListenKeyAge - s.cfg.RenewInterval)
	defer reopen.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-renew.C:
			rctx, rcancel := context.WithTimeout(ctx, 10*time.Second)
			err := s.client.KeepAliveFuturesListenKey(rctx)
			rcancel()
			if err != nil {
				s.logger.WithError(err).Warn("Listen key keepalive failed")
			}
		case <-reopen.C:
			s.logger.Info("Listen key near absolute lifetime, reopening stream")
			_ = conn.Close()
			return
		}
	}
}
