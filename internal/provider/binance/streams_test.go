package binance

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/mj2154/tickbus/pkg/testutil"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startMarketStream(t *testing.T, mock *testutil.MockExchangeServer, cfg StreamConfig) *MarketStream {
	t.Helper()
	cfg.URL = mock.URL()
	if cfg.Name == "" {
		cfg.Name = "test-0"
	}
	stream := NewMarketStream(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go stream.Run(ctx)
	return stream
}

func TestMarketStreamReplaysTrackedSetOnConnect(t *testing.T) {
	mock := testutil.NewMockExchangeServer()
	defer mock.Close()

	cfg := StreamConfig{}
	cfg.URL = mock.URL()
	stream := NewMarketStream(cfg)

	// Tracked before the first dial, must be replayed at connect.
	if err := stream.Subscribe([]string{"btcusdt@kline_1m", "ethusdt@bookTicker"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	waitFor(t, "replayed subscriptions", func() bool {
		return len(mock.ActiveStreams()) == 2
	})
	want := []string{"btcusdt@kline_1m", "ethusdt@bookTicker"}
	if got := mock.ActiveStreams(); !reflect.DeepEqual(got, want) {
		t.Errorf("upstream streams = %v, want %v", got, want)
	}
	if stream.State() != StateActive {
		t.Errorf("state = %s", stream.State())
	}
}

func TestMarketStreamDynamicSubscribeUnsubscribe(t *testing.T) {
	mock := testutil.NewMockExchangeServer()
	defer mock.Close()

	stream := startMarketStream(t, mock, StreamConfig{})
	waitFor(t, "connect", func() bool { return stream.State() == StateActive })

	if err := stream.Subscribe([]string{"btcusdt@aggTrade"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "subscribe to land", func() bool {
		return len(mock.ActiveStreams()) == 1
	})

	if err := stream.Unsubscribe([]string{"btcusdt@aggTrade"}); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	waitFor(t, "unsubscribe to land", func() bool {
		return len(mock.ActiveStreams()) == 0
	})
	if stream.Len() != 0 {
		t.Errorf("tracked = %d", stream.Len())
	}
}

func TestMarketStreamBatchesControlRequests(t *testing.T) {
	mock := testutil.NewMockExchangeServer()
	defer mock.Close()

	stream := startMarketStream(t, mock, StreamConfig{BatchSize: 2})
	waitFor(t, "connect", func() bool { return stream.State() == StateActive })

	streams := []string{"a@kline_1m", "b@kline_1m", "c@kline_1m", "d@kline_1m", "e@kline_1m"}
	if err := stream.Subscribe(streams); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "all streams to land", func() bool {
		return len(mock.ActiveStreams()) == len(streams)
	})

	requests := mock.Requests()
	if len(requests) != 3 {
		t.Fatalf("requests = %d, want 3 batches of <=2", len(requests))
	}
	seenIDs := map[int64]bool{}
	for _, req := range requests {
		if req.Method != "SUBSCRIBE" {
			t.Errorf("method = %s", req.Method)
		}
		if len(req.Params) > 2 {
			t.Errorf("batch size = %d", len(req.Params))
		}
		if seenIDs[req.ID] {
			t.Errorf("duplicate request id %d", req.ID)
		}
		seenIDs[req.ID] = true
	}
}

func TestMarketStreamRoutesFramesToHandler(t *testing.T) {
	mock := testutil.NewMockExchangeServer()
	defer mock.Close()

	type received struct {
		stream string
		data   []byte
	}
	frames := make(chan received, 8)

	stream := startMarketStream(t, mock, StreamConfig{
		OnFrame: func(_ context.Context, name string, data []byte) {
			frames <- received{stream: name, data: data}
		},
	})
	waitFor(t, "connect", func() bool { return stream.State() == StateActive })

	if err := stream.Subscribe([]string{"btcusdt@bookTicker"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "subscribe to land", func() bool {
		return len(mock.ActiveStreams()) == 1
	})

	// Control acks must not reach the frame handler.
	select {
	case f := <-frames:
		t.Fatalf("unexpected frame %+v before any push", f)
	default:
	}

	mock.Push("btcusdt@bookTicker", map[string]interface{}{
		"u": 1, "s": "BTCUSDT", "b": "100.0", "B": "1", "a": "100.1", "A": "2",
	})

	select {
	case f := <-frames:
		if f.stream != "btcusdt@bookTicker" {
			t.Errorf("stream = %s", f.stream)
		}
		if len(f.data) == 0 {
			t.Error("empty payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never delivered")
	}
}

func TestMarketStreamCapacity(t *testing.T) {
	mock := testutil.NewMockExchangeServer()
	defer mock.Close()

	stream := startMarketStream(t, mock, StreamConfig{MaxStreams: 2})
	waitFor(t, "connect", func() bool { return stream.State() == StateActive })

	err := stream.Subscribe([]string{"a@kline_1m", "b@kline_1m", "c@kline_1m"})
	if !errors.Is(err, ErrStreamCapacity) {
		t.Fatalf("err = %v, want ErrStreamCapacity", err)
	}
	// The streams that fit stay tracked.
	if stream.Len() != 2 {
		t.Errorf("tracked = %d", stream.Len())
	}
	if stream.Capacity() != 0 {
		t.Errorf("capacity = %d", stream.Capacity())
	}
}

func TestMarketStreamOnActiveFires(t *testing.T) {
	mock := testutil.NewMockExchangeServer()
	defer mock.Close()

	active := make(chan struct{}, 1)
	startMarketStream(t, mock, StreamConfig{
		OnActive: func() {
			select {
			case active <- struct{}{}:
			default:
			}
		},
	})

	select {
	case <-active:
	case <-time.After(2 * time.Second):
		t.Fatal("OnActive never fired")
	}
}
