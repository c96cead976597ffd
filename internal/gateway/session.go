package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mj2154/tickbus/pkg/logging"
)

// Config tunes per-session transport behavior.
type Config struct {
	// OutboundCapacity bounds the per-session outbound queue.
	OutboundCapacity int
	// SlowConsumerGrace is how long the queue may stay full before the
	// session is closed with SLOW_CONSUMER.
	SlowConsumerGrace time.Duration
	// PingInterval is the server ping cadence.
	PingInterval time.Duration
	// PingTimeout closes sessions with no inbound traffic (including
	// pongs) for this long.
	PingTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// Exchanges lists the upstream exchanges subscriptions may target.
	Exchanges []string
}

// DefaultConfig returns the stock session tuning. The first exchange
// is the default for unqualified symbols.
func DefaultConfig() Config {
	return Config{
		OutboundCapacity:  1024,
		SlowConsumerGrace: 5 * time.Second,
		PingInterval:      20 * time.Second,
		PingTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		Exchanges:         []string{"BINANCE", "BINANCE_FUTURES"},
	}
}

const maxMessageSize = 64 * 1024

// frame is one outbound message with its drop class. Live ticks are
// sheddable under backpressure; closed bars and request responses are
// not.
type frame struct {
	data      []byte
	droppable bool
}

type pushResult int

const (
	pushOK pushResult = iota
	// pushShed: the queue was full of protected frames, the new tick
	// itself was dropped.
	pushShed
	// pushSlow: the queue has been full past the grace period.
	pushSlow
	pushClosed
)

// outQueue is the bounded outbound queue between the fan-out paths and
// the session's single writer. When full, the oldest droppable frame is
// shed to admit a new one; protected frames always enqueue, even past
// capacity. A queue that stays at or over capacity for the grace period
// reports pushSlow so the caller can close the session.
type outQueue struct {
	mu        sync.Mutex
	capacity  int
	grace     time.Duration
	frames    []frame
	fullSince time.Time
	closed    bool
	wake      chan struct{}
	now       func() time.Time
}

func newOutQueue(capacity int, grace time.Duration) *outQueue {
	return &outQueue{
		capacity: capacity,
		grace:    grace,
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

func (q *outQueue) push(f frame) pushResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return pushClosed
	}
	result := pushOK
	if len(q.frames) >= q.capacity {
		if q.fullSince.IsZero() {
			q.fullSince = q.now()
		} else if q.now().Sub(q.fullSince) >= q.grace {
			return pushSlow
		}
		if f.droppable {
			if !q.shedOldestLocked() {
				// Nothing sheddable queued; shed the new tick instead.
				return pushShed
			}
			result = pushShed
		}
	}
	q.frames = append(q.frames, f)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return result
}

// shedOldestLocked removes the oldest droppable frame, reporting
// whether one existed.
func (q *outQueue) shedOldestLocked() bool {
	for i := range q.frames {
		if q.frames[i].droppable {
			q.frames = append(q.frames[:i], q.frames[i+1:]...)
			return true
		}
	}
	return false
}

func (q *outQueue) pop() (frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return frame{}, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	if len(q.frames) < q.capacity {
		q.fullSince = time.Time{}
	}
	return f, true
}

func (q *outQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.mu.Unlock()
}

// Session is one connected client. The read pump decodes and dispatches
// requests in arrival order; the write pump is the connection's only
// writer, draining the outbound queue and keeping the ping cadence.
type Session struct {
	ID      string
	Remote  string
	Started time.Time

	conn    *websocket.Conn
	out     *outQueue
	cfg     Config
	logger  logging.Logger
	metrics *Metrics

	onMessage func(*Session, []byte)
	onClose   func(*Session)

	closeOnce  sync.Once
	done       chan struct{}
	finalFrame []byte
}

func newSession(id string, conn *websocket.Conn, cfg Config, logger logging.Logger, metrics *Metrics) *Session {
	return &Session{
		ID:      id,
		conn:    conn,
		out:     newOutQueue(cfg.OutboundCapacity, cfg.SlowConsumerGrace),
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		done:    make(chan struct{}),
		Started: time.Now(),
	}
}

// enqueue queues one outbound frame, enforcing the backpressure policy.
func (s *Session) enqueue(data []byte, droppable bool) {
	switch s.out.push(frame{data: data, droppable: droppable}) {
	case pushOK:
		s.metrics.frame("sent")
	case pushShed:
		s.metrics.frame("shed")
	case pushSlow:
		s.metrics.slowConsumer()
		s.logger.WithFields(logging.Fields{
			"session_id": s.ID,
			"queued":     s.out.len(),
		}).Warn("Closing slow consumer, outbound queue full past grace")
		s.closeWith(CodeSlowConsumer, "outbound queue full, session too slow")
	case pushClosed:
	}
}

func (s *Session) sendAck(requestID string) {
	data, err := NewAck(requestID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal ack frame")
		return
	}
	s.enqueue(data, false)
}

func (s *Session) sendSuccess(requestID string, data interface{}) {
	raw, err := NewSuccess(requestID, data)
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal success frame")
		s.sendError(requestID, CodeInvalidRequest, "response serialization failed")
		return
	}
	s.enqueue(raw, false)
}

func (s *Session) sendError(requestID, code, message string) {
	raw, err := NewErrorFrame(requestID, code, message)
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal error frame")
		return
	}
	s.enqueue(raw, false)
}

// closeWith tears the session down, flushing one final error frame when
// a code is given. Safe to call from any goroutine, once wins.
func (s *Session) closeWith(code, message string) {
	s.closeOnce.Do(func() {
		if code != "" {
			if data, err := NewErrorFrame("", code, message); err == nil {
				s.finalFrame = data
			}
		}
		s.out.close()
		close(s.done)
	})
}

// Close tears the session down without a final error frame.
func (s *Session) Close() {
	s.closeWith("", "")
}

// run drives both pumps; it returns when the connection is gone.
func (s *Session) run() {
	go s.writePump()
	s.readPump()
}

func (s *Session) readPump() {
	defer func() {
		s.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
	}()
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))
	})
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.WithFields(logging.Fields{
					"session_id": s.ID,
					"error":      err.Error(),
				}).Debug("Session read ended")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))
		if s.onMessage != nil {
			s.onMessage(s, message)
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case <-s.out.wake:
			for {
				f, ok := s.out.pop()
				if !ok {
					break
				}
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				if err := s.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
					s.Close()
					return
				}
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if s.finalFrame != nil {
				_ = s.conn.WriteMessage(websocket.TextMessage, s.finalFrame)
			}
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
