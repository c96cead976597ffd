package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"github.com/mj2154/tickbus/internal/store"
	"github.com/mj2154/tickbus/pkg/testutil"
)

// harness runs the full gateway stack against a live WebSocket and a
// sqlmock-backed store.
type harness struct {
	handlers   *Handlers
	hub        *Hub
	correlator *Correlator
	mock       sqlmock.Sqlmock
	client     *testutil.WebSocketTestClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	st := store.New(db)
	hub := NewHub(logger, nil)
	correlator := NewCorrelator(st, logger, nil)
	h := NewHandlers(st, hub, correlator, DefaultConfig(), logger, nil)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	client, err := testutil.NewWebSocketTestClient(strings.Replace(srv.URL, "http", "ws", 1))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return &harness{handlers: h, hub: hub, correlator: correlator, mock: mock, client: client}
}

func (h *harness) send(t *testing.T, msg map[string]interface{}) {
	t.Helper()
	if err := h.client.SendMessage(msg); err != nil {
		t.Fatalf("send: %v", err)
	}
}

// readAction reads frames until one with the wanted action arrives.
func (h *harness) readAction(t *testing.T, action string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := h.client.ReadMessageTimeout(time.Until(deadline))
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg["action"] == action {
			return msg
		}
	}
	t.Fatalf("no %s frame before deadline", action)
	return nil
}

func request(action, requestID string, data map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"action":          action,
		"requestId":       requestID,
		"timestamp":       time.Now().UnixMilli(),
		"data":            data,
	}
}

func TestGatewayMalformedFrame(t *testing.T) {
	h := newHarness(t)
	if err := h.client.SendRaw([]byte("{not json")); err != nil {
		t.Fatalf("send: %v", err)
	}
	frame := h.readAction(t, "error")
	code := frame["error"].(map[string]interface{})["code"]
	if code != CodeInvalidRequest {
		t.Errorf("code = %v, want INVALID_REQUEST", code)
	}
}

func TestGatewayUnknownType(t *testing.T) {
	h := newHarness(t)
	h.send(t, request("get", "r1", map[string]interface{}{"type": "astrology"}))

	ack := h.readAction(t, "ack")
	if ack["requestId"] != "r1" {
		t.Errorf("ack requestId = %v", ack["requestId"])
	}
	frame := h.readAction(t, "error")
	code := frame["error"].(map[string]interface{})["code"]
	if code != CodeUnknownType {
		t.Errorf("code = %v, want UNKNOWN_TYPE", code)
	}
}

func TestGatewayConfigAndServerTime(t *testing.T) {
	h := newHarness(t)

	h.send(t, request("get", "r1", map[string]interface{}{"type": "config"}))
	h.readAction(t, "ack")
	frame := h.readAction(t, "success")
	data := frame["data"].(map[string]interface{})
	if data["protocolVersion"] != float64(ProtocolVersion) {
		t.Errorf("config protocolVersion = %v", data["protocolVersion"])
	}
	if _, exists := data["intervals"]; !exists {
		t.Error("config missing intervals")
	}

	h.send(t, request("get", "r2", map[string]interface{}{"type": "server_time"}))
	h.readAction(t, "ack")
	frame = h.readAction(t, "success")
	data = frame["data"].(map[string]interface{})
	if _, exists := data["serverTime"]; !exists {
		t.Error("server_time missing serverTime")
	}
}

func TestGatewaySubscribeFlow(t *testing.T) {
	h := newHarness(t)

	h.mock.ExpectQuery(`WITH ins AS`).
		WithArgs(sqlmock.AnyArg(), "BINANCE:BTCUSDT@KLINE_60").
		WillReturnRows(sqlmock.NewRows([]string{"refcount", "inserted"}).AddRow(1, true))

	h.send(t, request("subscribe", "r1", map[string]interface{}{
		"type": "subscribe",
		"keys": []string{"binance:btcusdt@kline_60"},
	}))
	h.readAction(t, "ack")
	frame := h.readAction(t, "success")
	data := frame["data"].(map[string]interface{})
	accepted := data["accepted"].([]interface{})
	if len(accepted) != 1 || accepted[0] != "BINANCE:BTCUSDT@KLINE_60" {
		t.Fatalf("accepted = %v", accepted)
	}

	// A published update for the key now reaches the session.
	frameData, err := NewUpdate(UpdateKline, "BINANCE:BTCUSDT@KLINE_60", map[string]interface{}{
		"close": "50050.00", "is_closed": false,
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := h.hub.Publish("BINANCE:BTCUSDT@KLINE_60", frameData, true); n != 1 {
		t.Fatalf("Publish reached %d sessions", n)
	}
	update := h.readAction(t, "update")
	payload := update["data"].(map[string]interface{})["payload"].(map[string]interface{})
	if payload["isClosed"] != false || payload["close"] != "50050.00" {
		t.Errorf("payload = %v", payload)
	}

	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestGatewaySubscribeRejectsBadKeys(t *testing.T) {
	h := newHarness(t)

	h.send(t, request("subscribe", "r1", map[string]interface{}{
		"type": "subscribe",
		"keys": []string{"garbage", "BINANCE:BTCUSDT@KLINE_7"},
	}))
	h.readAction(t, "ack")
	frame := h.readAction(t, "error")
	code := frame["error"].(map[string]interface{})["code"]
	if code != CodeUnknownKey {
		t.Errorf("code = %v, want UNKNOWN_KEY", code)
	}
}

func TestGatewayUnsubscribeIsIdempotent(t *testing.T) {
	h := newHarness(t)

	// Never subscribed; still answers success.
	h.send(t, request("unsubscribe", "r1", map[string]interface{}{
		"type": "unsubscribe",
		"keys": []string{"BINANCE:BTCUSDT@QUOTES"},
	}))
	h.readAction(t, "ack")
	frame := h.readAction(t, "success")
	data := frame["data"].(map[string]interface{})
	accepted := data["accepted"].([]interface{})
	if len(accepted) != 1 {
		t.Fatalf("accepted = %v", accepted)
	}
}

func TestGatewayOneShotTaskRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.mock.MatchExpectationsInOrder(false)

	h.mock.ExpectExec(`INSERT INTO tasks`).
		WithArgs(sqlmock.AnyArg(), "FETCH_HISTORY", sqlmock.AnyArg(), sqlmock.AnyArg(), "r1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	h.send(t, request("get", "r1", map[string]interface{}{
		"type":     "klines",
		"symbol":   "BINANCE:BTCUSDT",
		"interval": "60",
		"from":     1700000000000,
		"to":       1700003600000,
	}))
	h.readAction(t, "ack")

	// Wait for the watch to land, then resolve it the way the
	// dispatcher would on task.completed.
	deadline := time.Now().Add(2 * time.Second)
	for h.correlator.PendingCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.correlator.PendingCount() != 1 {
		t.Fatal("no task watch registered")
	}

	var taskID string
	h.correlator.mu.Lock()
	for id := range h.correlator.pending {
		taskID = id
	}
	h.correlator.mu.Unlock()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"task_id", "type", "payload", "status", "result", "error_code", "error_message",
		"origin_session_id", "origin_request_id", "origin_gone", "worker_id",
		"attempts", "not_before", "created_at", "claimed_at", "completed_at",
	}).AddRow(
		taskID, "FETCH_HISTORY", []byte(`{"symbol":"BTCUSDT"}`), "SUCCEEDED",
		[]byte(`{"bars":[]}`), nil, nil,
		"session-x", "r1", false, "worker-1",
		1, now, now, now, now,
	)
	h.mock.ExpectQuery(`FROM tasks\s+WHERE task_id`).
		WithArgs(taskID).
		WillReturnRows(rows)

	h.correlator.Resolve(context.Background(), taskID)

	frame := h.readAction(t, "success")
	if frame["requestId"] != "r1" {
		t.Errorf("requestId = %v", frame["requestId"])
	}
}

func TestGatewayInvalidKlinesRejected(t *testing.T) {
	h := newHarness(t)

	h.send(t, request("get", "r1", map[string]interface{}{
		"type":     "klines",
		"symbol":   "BINANCE:BTCUSDT",
		"interval": "7",
	}))
	h.readAction(t, "ack")
	frame := h.readAction(t, "error")
	code := frame["error"].(map[string]interface{})["code"]
	if code != CodeInvalidRequest {
		t.Errorf("code = %v, want INVALID_REQUEST", code)
	}
}

func TestGatewayTeardownReleasesState(t *testing.T) {
	h := newHarness(t)
	h.mock.MatchExpectationsInOrder(false)

	h.mock.ExpectQuery(`WITH ins AS`).
		WithArgs(sqlmock.AnyArg(), "BINANCE:BTCUSDT@KLINE_60").
		WillReturnRows(sqlmock.NewRows([]string{"refcount", "inserted"}).AddRow(1, true))
	h.mock.ExpectQuery(`WITH del AS`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow("BINANCE:BTCUSDT@KLINE_60"))
	h.mock.ExpectExec(`UPDATE tasks SET origin_gone`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	h.send(t, request("subscribe", "r1", map[string]interface{}{
		"type": "subscribe",
		"keys": []string{"BINANCE:BTCUSDT@KLINE_60"},
	}))
	h.readAction(t, "ack")
	h.readAction(t, "success")

	h.client.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.hub.Stats().Sessions == 0 && h.mock.ExpectationsWereMet() == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("teardown incomplete: stats=%+v err=%v", h.hub.Stats(), h.mock.ExpectationsWereMet())
}
