package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mj2154/tickbus/pkg/logging"
)

// ErrStreamCapacity reports a subscribe batch that would push the
// connection past its stream cap.
var ErrStreamCapacity = errors.New("market stream at capacity")

// StreamState is the lifecycle state of one upstream connection.
type StreamState int32

const (
	StateConnecting StreamState = iota
	StateActive
	StateDegraded
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameHandler receives one combined-stream payload, still encoded.
type FrameHandler func(ctx context.Context, stream string, data []byte)

// StreamConfig configures one market-data connection.
type StreamConfig struct {
	// Name identifies the connection in logs, e.g. "spot-0".
	Name string
	// URL is the WS base, the combined endpoint path is appended.
	URL          string
	MaxStreams   int
	BatchSize    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Logger       logging.Logger
	// OnFrame is invoked from the read loop for every market payload.
	OnFrame FrameHandler
	// OnActive fires after each (re)connect once the tracked stream
	// set has been replayed. The reconciler resyncs on it.
	OnActive func()
}

// MarketStream multiplexes market streams over one combined upstream
// connection with dynamic subscribe/unsubscribe. The tracked stream
// set survives reconnects and is replayed before OnActive fires.
type MarketStream struct {
	cfg    StreamConfig
	logger logging.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	streams map[string]struct{}
	nextID  uint64

	state atomic.Int32
}

// NewMarketStream creates a market connection. Run starts it.
func NewMarketStream(cfg StreamConfig) *MarketStream {
	if cfg.MaxStreams <= 0 || cfg.MaxStreams > MaxStreamsPerConnection {
		cfg.MaxStreams = MaxStreamsPerConnection
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxStreamsPerRequest {
		cfg.BatchSize = MaxStreamsPerRequest
	}
	if cfg.ReadTimeout == 0 {
		// The upstream pings idle connections every few minutes, the
		// deadline has to outlast that.
		cfg.ReadTimeout = 4 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
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

	s := &MarketStream{
		cfg:     cfg,
		logger:  cfg.Logger,
		streams: make(map[string]struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// Name returns the connection's log name.
func (s *MarketStream) Name() string { return s.cfg.Name }

// State returns the current connection state.
func (s *MarketStream) State() StreamState {
	return StreamState(s.state.Load())
}

// Len returns the tracked stream count.
func (s *MarketStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Capacity returns how many more streams the connection can take.
func (s *MarketStream) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaxStreams - len(s.streams)
}

// ActiveStreams returns the tracked stream names, sorted.
func (s *MarketStream) ActiveStreams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.streams))
	for name := range s.streams {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run dials and serves the connection until ctx ends, reconnecting
// with exponential backoff. The tracked set is replayed on every
// connect.
func (s *MarketStream) Run(ctx context.Context) {
	defer s.state.Store(int32(StateClosed))

	backoff := s.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		s.state.Store(int32(StateConnecting))

		started := time.Now()
		err := s.runConn(ctx)
		if ctx.Err() != nil {
			return
		}

		s.state.Store(int32(StateDegraded))
		if time.Since(started) > time.Minute {
			backoff = s.cfg.ReconnectMin
		}
		s.logger.WithError(err).WithFields(logging.Fields{
			"conn":    s.cfg.Name,
			"backoff": backoff.String(),
		}).Warn("Market stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.ReconnectMax {
			backoff = s.cfg.ReconnectMax
		}
	}
}

func (s *MarketStream) dialURL() string {
	base := strings.TrimRight(s.cfg.URL, "/")
	if strings.HasSuffix(base, "/stream") {
		return base
	}
	return base + "/stream"
}

func (s *MarketStream) runConn(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, s.dialURL(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s (status %d): %w", s.cfg.Name, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", s.cfg.Name, err)
	}
	defer conn.Close()

	// Unblock the read loop when the context ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// Install the connection and replay the tracked set under one
	// lock hold so a concurrent Subscribe cannot interleave writes.
	s.mu.Lock()
	s.conn = conn
	replay := make([]string, 0, len(s.streams))
	for name := range s.streams {
		replay = append(replay, name)
	}
	err = s.sendBatchesLocked("SUBSCRIBE", replay)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()
	if err != nil {
		return err
	}

	s.state.Store(int32(StateActive))
	s.logger.WithFields(logging.Fields{
		"conn":    s.cfg.Name,
		"streams": len(replay),
	}).Info("Market stream connected")
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

func (s *MarketStream) handleMessage(ctx context.Context, data []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.WithError(err).WithField("conn", s.cfg.Name).Warn("Unparseable upstream frame")
		return
	}

	// Frames without a stream name are control acks.
	if frame.Stream == "" {
		var ack wsResponse
		if err := json.Unmarshal(data, &ack); err == nil && ack.Error != nil {
			s.logger.WithFields(logging.Fields{
				"conn":       s.cfg.Name,
				"request_id": ack.ID,
				"error":      ack.Error.Error(),
			}).Error("Upstream rejected control request")
		}
		return
	}

	if s.cfg.OnFrame != nil {
		s.cfg.OnFrame(ctx, frame.Stream, frame.Data)
	}
}

// Subscribe adds streams to the tracked set and, when connected,
// sends the control batches. Already-tracked names are ignored. The
// set change sticks even if the write fails, the replay after
// reconnect restores consistency.
func (s *MarketStream) Subscribe(streams []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := make([]string, 0, len(streams))
	for _, name := range streams {
		if _, ok := s.streams[name]; ok {
			continue
		}
		if len(s.streams) >= s.cfg.MaxStreams {
			return fmt.Errorf("%w: %s holds %d streams", ErrStreamCapacity, s.cfg.Name, len(s.streams))
		}
		s.streams[name] = struct{}{}
		added = append(added, name)
	}
	if s.conn == nil || len(added) == 0 {
		return nil
	}
	return s.sendBatchesLocked("SUBSCRIBE", added)
}

// Unsubscribe removes streams from the tracked set and, when
// connected, sends the control batches. Unknown names are ignored.
func (s *MarketStream) Unsubscribe(streams []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make([]string, 0, len(streams))
	for _, name := range streams {
		if _, ok := s.streams[name]; !ok {
			continue
		}
		delete(s.streams, name)
		removed = append(removed, name)
	}
	if s.conn == nil || len(removed) == 0 {
		return nil
	}
	return s.sendBatchesLocked("UNSUBSCRIBE", removed)
}

func (s *MarketStream) sendBatchesLocked(method string, streams []string) error {
	if s.conn == nil || len(streams) == 0 {
		return nil
	}
	for start := 0; start < len(streams); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(streams) {
			end = len(streams)
		}
		s.nextID++
		req := wsRequest{Method: method, Params: streams[start:end], ID: s.nextID}
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := s.conn.WriteJSON(req); err != nil {
			return fmt.Errorf("%s batch on %s: %w", method, s.cfg.Name, err)
		}
	}
	return nil
}
