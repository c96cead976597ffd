package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mj2154/tickbus/pkg/logging"
)

// ExchangeRequest is one subscribe/unsubscribe request observed by the
// mock exchange server.
type ExchangeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// MockExchangeServer simulates an upstream exchange WebSocket multiplex.
// Connected clients send SUBSCRIBE/UNSUBSCRIBE requests and receive an
// ack per request id; tests push market frames wrapped in the combined
// stream envelope.
type MockExchangeServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu       sync.RWMutex
	conns    map[*websocket.Conn]map[string]bool
	requests []ExchangeRequest

	// OnRequest is invoked for every subscribe/unsubscribe request.
	OnRequest func(req ExchangeRequest)
}

// NewMockExchangeServer creates and starts a mock exchange server.
func NewMockExchangeServer() *MockExchangeServer {
	mock := &MockExchangeServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.NewLogger(),
		conns:  make(map[*websocket.Conn]map[string]bool),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handleWebSocket))
	return mock
}

// URL returns the WebSocket URL of the mock server.
func (m *MockExchangeServer) URL() string {
	return strings.Replace(m.server.URL, "http://", "ws://", 1)
}

// Close shuts down the mock server and all connections.
func (m *MockExchangeServer) Close() {
	m.mu.Lock()
	for conn := range m.conns {
		_ = conn.Close()
	}
	m.conns = make(map[*websocket.Conn]map[string]bool)
	m.mu.Unlock()
	m.server.Close()
}

// Requests returns every subscribe/unsubscribe request seen so far.
func (m *MockExchangeServer) Requests() []ExchangeRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ExchangeRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// ActiveStreams returns the union of streams subscribed on all
// connections, sorted.
func (m *MockExchangeServer) ActiveStreams() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := make(map[string]bool)
	for _, streams := range m.conns {
		for s := range streams {
			set[s] = true
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ConnectionCount returns the number of live connections.
func (m *MockExchangeServer) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Push sends a combined-stream frame to every connection subscribed to
// the stream.
func (m *MockExchangeServer) Push(stream string, data interface{}) {
	frame := map[string]interface{}{
		"stream": stream,
		"data":   data,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		m.logger.WithError(err).Error("Failed to marshal pushed frame")
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for conn, streams := range m.conns {
		if streams[stream] {
			_ = conn.WriteMessage(websocket.TextMessage, payload)
		}
	}
}

// PushRaw sends a raw text frame to every connection.
func (m *MockExchangeServer) PushRaw(payload []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for conn := range m.conns {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
}

func (m *MockExchangeServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	m.mu.Lock()
	m.conns[conn] = make(map[string]bool)
	m.mu.Unlock()

	go m.readPump(conn)
}

func (m *MockExchangeServer) readPump(conn *websocket.Conn) {
	defer func() {
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var req ExchangeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		m.mu.Lock()
		m.requests = append(m.requests, req)
		streams := m.conns[conn]
		switch req.Method {
		case "SUBSCRIBE":
			for _, s := range req.Params {
				streams[s] = true
			}
		case "UNSUBSCRIBE":
			for _, s := range req.Params {
				delete(streams, s)
			}
		}
		m.mu.Unlock()

		if m.OnRequest != nil {
			m.OnRequest(req)
		}

		ack := map[string]interface{}{"result": nil, "id": req.ID}
		if err := conn.WriteJSON(ack); err != nil {
			return
		}
	}
}

// WebSocketTestClient provides a test client for WebSocket endpoints.
type WebSocketTestClient struct {
	conn     *websocket.Conn
	messages chan map[string]interface{}
	errors   chan error
	closed   bool
	mutex    sync.RWMutex
	logger   logging.Logger
}

// NewWebSocketTestClient creates a new test client and connects to the server.
func NewWebSocketTestClient(serverURL string) (*WebSocketTestClient, error) {
	logger := logging.NewLogger()

	dialer := websocket.DefaultDialer
	conn, resp, err := dialer.Dial(serverURL, nil)
	if resp != nil {
		defer func() {
			_ = resp.Body.Close()
		}()
	}
	if err != nil {
		return nil, err
	}

	client := &WebSocketTestClient{
		conn:     conn,
		messages: make(chan map[string]interface{}, 64),
		errors:   make(chan error, 1),
		logger:   logger,
	}

	// Start read pump
	go client.readPump()

	return client, nil
}

// SendMessage sends a message to the server
func (c *WebSocketTestClient) SendMessage(message map[string]interface{}) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.closed {
		return websocket.ErrCloseSent
	}

	return c.conn.WriteJSON(message)
}

// SendRaw sends a raw text frame to the server
func (c *WebSocketTestClient) SendRaw(payload []byte) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.closed {
		return websocket.ErrCloseSent
	}

	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// ReadMessage reads a message from the server (blocking)
func (c *WebSocketTestClient) ReadMessage() (map[string]interface{}, error) {
	select {
	case msg := <-c.messages:
		return msg, nil
	case err := <-c.errors:
		return nil, err
	}
}

// ReadMessageTimeout reads a message with timeout
func (c *WebSocketTestClient) ReadMessageTimeout(timeout time.Duration) (map[string]interface{}, error) {
	select {
	case msg := <-c.messages:
		return msg, nil
	case err := <-c.errors:
		return nil, err
	case <-time.After(timeout):
		return nil, context.DeadlineExceeded
	}
}

// Close closes the client connection. The message channels are left
// open so a racing read pump can never send on a closed channel.
func (c *WebSocketTestClient) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.closed {
		c.closed = true
		return c.conn.Close()
	}

	return nil
}

func (c *WebSocketTestClient) readPump() {
	for {
		var message map[string]interface{}
		if err := c.conn.ReadJSON(&message); err != nil {
			c.mutex.RLock()
			closed := c.closed
			c.mutex.RUnlock()
			if !closed && !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				select {
				case c.errors <- err:
				default:
				}
			}
			return
		}

		c.mutex.RLock()
		closed := c.closed
		c.mutex.RUnlock()
		if closed {
			return
		}

		select {
		case c.messages <- message:
		default:
			// Channel full, drop message
		}
	}
}
