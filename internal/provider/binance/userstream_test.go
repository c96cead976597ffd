package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(httpURL string) string {
	return strings.Replace(httpURL, "http://", "ws://", 1)
}

func TestSpotUserStreamSubscribesAndRoutesEvents(t *testing.T) {
	subscribed := make(chan wsAPIRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req wsAPIRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req

		_ = conn.WriteJSON(map[string]interface{}{
			"id": req.ID, "status": 200, "result": map[string]interface{}{},
		})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":{
			"e":"outboundAccountPosition","E":1700000001000,
			"B":[{"a":"BTC","f":"2.0","l":"0"}]}}`))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	signer, err := NewSigner(SignatureHMAC, "test-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	client, err := NewSignedClient(SignedConfig{
		Exchange: "BINANCE",
		APIKey:   "test-key",
		Signer:   signer,
	})
	if err != nil {
		t.Fatalf("NewSignedClient: %v", err)
	}

	events := make(chan *UserEvent, 8)
	active := make(chan struct{}, 1)
	stream := NewSpotUserStream(client, UserStreamConfig{
		URL: wsURL(srv.URL),
		OnEvent: func(_ context.Context, ev *UserEvent) {
			events <- ev
		},
		OnActive: func() {
			select {
			case active <- struct{}{}:
			default:
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	var req wsAPIRequest
	select {
	case req = <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe never arrived")
	}
	if req.Method != "userDataStream.subscribe.signature" {
		t.Errorf("method = %s", req.Method)
	}
	apiKey, _ := req.Params["apiKey"].(string)
	if apiKey != "test-key" {
		t.Errorf("apiKey = %q", apiKey)
	}
	ts, ok := req.Params["timestamp"].(float64)
	if !ok {
		t.Fatalf("timestamp missing: %v", req.Params)
	}
	sig, _ := req.Params["signature"].(string)
	payload := fmt.Sprintf("apiKey=test-key&timestamp=%d", int64(ts))
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(payload))
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Errorf("signature = %q, want %q", sig, want)
	}

	select {
	case <-active:
	case <-time.After(2 * time.Second):
		t.Fatal("OnActive never fired")
	}

	select {
	case ev := <-events:
		if ev.Type != UserEventBalances {
			t.Errorf("type = %s", ev.Type)
		}
		if len(ev.Balances) != 1 || ev.Balances[0].Asset != "BTC" {
			t.Errorf("balances = %+v", ev.Balances)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestFuturesUserStreamListenKeyFlow(t *testing.T) {
	var posts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/listenKey", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
			fmt.Fprintf(w, `{"listenKey":"lk-%d"}`, posts.Load())
			return
		}
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ws/lk-") {
			t.Errorf("stream bound to %s, want the issued listen key", r.URL.Path)
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{
			"e":"ACCOUNT_UPDATE","E":1700000002000,"T":1700000001990,
			"a":{"B":[{"a":"USDT","wb":"9000.5"}],"P":[]}}`))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	signer, err := NewSigner(SignatureHMAC, "test-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	client, err := NewSignedClient(SignedConfig{
		Exchange:       "BINANCE",
		APIKey:         "test-key",
		Signer:         signer,
		FuturesBaseURL: srv.URL,
		ExecutorConfig: fastExecutor,
	})
	if err != nil {
		t.Fatalf("NewSignedClient: %v", err)
	}

	events := make(chan *UserEvent, 8)
	stream := NewFuturesUserStream(client, UserStreamConfig{
		URL: wsURL(srv.URL),
		OnEvent: func(_ context.Context, ev *UserEvent) {
			events <- ev
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	select {
	case ev := <-events:
		if ev.Type != UserEventBalances {
			t.Errorf("type = %s", ev.Type)
		}
		if len(ev.Balances) != 1 || ev.Balances[0].Free.String() != "9000.5" {
			t.Errorf("balances = %+v", ev.Balances)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
	if posts.Load() != 1 {
		t.Errorf("listen key created %d times", posts.Load())
	}
}

func TestFuturesUserStreamReopensOnExpiry(t *testing.T) {
	var posts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/listenKey", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
			fmt.Fprintf(w, `{"listenKey":"lk-%d"}`, posts.Load())
			return
		}
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// The upstream invalidated the key, the stream must rebuild
		// with a fresh one.
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"listenKeyExpired","E":1700000003000}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	signer, err := NewSigner(SignatureHMAC, "test-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	client, err := NewSignedClient(SignedConfig{
		Exchange:       "BINANCE",
		APIKey:         "test-key",
		Signer:         signer,
		FuturesBaseURL: srv.URL,
		ExecutorConfig: fastExecutor,
	})
	if err != nil {
		t.Fatalf("NewSignedClient: %v", err)
	}

	stream := NewFuturesUserStream(client, UserStreamConfig{
		URL:          wsURL(srv.URL),
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	waitFor(t, "listen key recreation", func() bool {
		return posts.Load() >= 2
	})
}
