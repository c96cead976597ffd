package dispatch

import (
	"testing"
)

func TestDecodeLiveEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{
			name:    "bar close",
			payload: `{"key":"BINANCE:BTCUSDT@KLINE_60","payload":{"symbol":"BTCUSDT","is_closed":true},"is_closed":true}`,
		},
		{
			name:    "quote update",
			payload: `{"key":"BINANCE:BTCUSDT@QUOTE","payload":{"bid_price":"50099.90"}}`,
		},
		{
			name:    "missing key",
			payload: `{"payload":{}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			payload: `nope`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeLiveEvent([]byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeLiveEvent: %v", err)
			}
			if ev.Key == "" {
				t.Fatal("expected key")
			}
		})
	}
}

func TestDecodeKeyEvent(t *testing.T) {
	ev, err := DecodeKeyEvent([]byte(`{"key":"BINANCE:BTCUSDT@DEPTH_20"}`))
	if err != nil {
		t.Fatalf("DecodeKeyEvent: %v", err)
	}
	if ev.Key != "BINANCE:BTCUSDT@DEPTH_20" {
		t.Fatalf("key = %s", ev.Key)
	}

	if _, err := DecodeKeyEvent([]byte(`{}`)); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestDecodeTaskEvent(t *testing.T) {
	ev, err := DecodeTaskEvent([]byte(`{"task_id":"task-1","type":"FETCH_HISTORY"}`))
	if err != nil {
		t.Fatalf("DecodeTaskEvent: %v", err)
	}
	if ev.TaskID != "task-1" || ev.Type != "FETCH_HISTORY" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// task.completed carries only the id.
	ev, err = DecodeTaskEvent([]byte(`{"task_id":"task-2"}`))
	if err != nil {
		t.Fatalf("DecodeTaskEvent: %v", err)
	}
	if ev.Type != "" {
		t.Fatalf("expected empty type, got %s", ev.Type)
	}

	if _, err := DecodeTaskEvent([]byte(`{}`)); err == nil {
		t.Fatal("expected error for missing task_id")
	}
}

func TestDecodeAlertEvent(t *testing.T) {
	ev, err := DecodeAlertEvent([]byte(`{"alert_id":"cfg-1","name":"btc-cross","symbol":"BTCUSDT","interval":"60","enabled":true}`))
	if err != nil {
		t.Fatalf("DecodeAlertEvent: %v", err)
	}
	if !ev.Enabled || ev.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// Deletes carry only the id.
	ev, err = DecodeAlertEvent([]byte(`{"alert_id":"cfg-2"}`))
	if err != nil {
		t.Fatalf("DecodeAlertEvent: %v", err)
	}
	if ev.AlertID != "cfg-2" {
		t.Fatalf("alert id = %s", ev.AlertID)
	}

	if _, err := DecodeAlertEvent([]byte(`{"name":"x"}`)); err == nil {
		t.Fatal("expected error for missing alert_id")
	}
}

func TestDecodeSignalEvent(t *testing.T) {
	ev, err := DecodeSignalEvent([]byte(`{"id":"sig-1","alert_id":"cfg-1","symbol":"BTCUSDT","interval":"60","signal_type":"BUY"}`))
	if err != nil {
		t.Fatalf("DecodeSignalEvent: %v", err)
	}
	if ev.SignalType != "BUY" {
		t.Fatalf("signal type = %s", ev.SignalType)
	}

	if _, err := DecodeSignalEvent([]byte(`{"alert_id":"cfg-1"}`)); err == nil {
		t.Fatal("expected error for missing id")
	}
}
