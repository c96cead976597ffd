package binance

import (
	"encoding/json"
	"testing"

	"github.com/mj2154/tickbus/internal/streamkey"
)

func TestStreamNameRendering(t *testing.T) {
	cases := []struct {
		key  string
		want string
	}{
		{"BINANCE:BTCUSDT@KLINE_60", "btcusdt@kline_1h"},
		{"BINANCE:BTCUSDT@KLINE_1", "btcusdt@kline_1m"},
		{"BINANCE:BTCUSDT@KLINE_D", "btcusdt@kline_1d"},
		{"BINANCE:ETHUSDT@QUOTES", "ethusdt@bookTicker"},
		{"BINANCE:ETHUSDT@TRADE", "ethusdt@aggTrade"},
		{"BINANCE:BTCUSDT@DEPTH_5", "btcusdt@depth5"},
		{"BINANCE:BTCUSDT@DEPTH", "btcusdt@depth20"},
	}
	for _, tc := range cases {
		got, err := StreamName(streamkey.MustParse(tc.key))
		if err != nil {
			t.Errorf("StreamName(%s): %v", tc.key, err)
			continue
		}
		if got != tc.want {
			t.Errorf("StreamName(%s) = %q, want %q", tc.key, got, tc.want)
		}
	}

	if _, err := StreamName(streamkey.MustParse("BINANCE:ACCOUNT@SPOT")); err == nil {
		t.Error("expected error for account key, it has no market stream")
	}
}

func TestStreamKeyRoundTrip(t *testing.T) {
	for _, keyStr := range []string{
		"BINANCE:BTCUSDT@KLINE_60",
		"BINANCE:ETHUSDT@QUOTES",
		"BINANCE:ETHUSDT@TRADE",
		"BINANCE:BTCUSDT@DEPTH_10",
	} {
		key := streamkey.MustParse(keyStr)
		name, err := StreamName(key)
		if err != nil {
			t.Fatalf("StreamName(%s): %v", keyStr, err)
		}
		back, err := StreamKey("BINANCE", name)
		if err != nil {
			t.Fatalf("StreamKey(%s): %v", name, err)
		}
		if back.String() != keyStr {
			t.Errorf("round trip %s -> %s -> %s", keyStr, name, back.String())
		}
	}
}

func TestStreamKeyStripsDepthSpeed(t *testing.T) {
	key, err := StreamKey("BINANCE", "btcusdt@depth20@100ms")
	if err != nil {
		t.Fatalf("StreamKey: %v", err)
	}
	if key.String() != "BINANCE:BTCUSDT@DEPTH_20" {
		t.Fatalf("key = %s", key.String())
	}
}

func TestDecodeFrameKline(t *testing.T) {
	data := []byte(`{"e":"kline","E":1672515782136,"s":"BTCUSDT","k":{
		"t":1672515780000,"T":1672515839999,"s":"BTCUSDT","i":"1m",
		"o":"16500.10","c":"16510.00","h":"16512.00","l":"16499.00",
		"v":"120.5","n":420,"x":false,"q":"1989000.55"}}`)

	frame, err := DecodeFrame("BINANCE", "btcusdt@kline_1m", data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Key.String() != "BINANCE:BTCUSDT@KLINE_1" {
		t.Errorf("key = %s", frame.Key.String())
	}
	if frame.IsClosed {
		t.Error("live bar decoded as closed")
	}
	if frame.Kline == nil {
		t.Fatal("missing kline payload")
	}
	if frame.Kline.Interval != "1" {
		t.Errorf("interval = %q, want canonical code", frame.Kline.Interval)
	}
	if frame.Kline.Open.String() != "16500.1" {
		t.Errorf("open = %s", frame.Kline.Open)
	}
	if frame.Kline.TradeCount != 420 {
		t.Errorf("trade count = %d", frame.Kline.TradeCount)
	}
	if frame.EventTime != 1672515782136 {
		t.Errorf("event time = %d", frame.EventTime)
	}

	closed := []byte(`{"e":"kline","E":1672515839999,"s":"BTCUSDT","k":{
		"t":1672515780000,"T":1672515839999,"s":"BTCUSDT","i":"1m",
		"o":"1","c":"2","h":"3","l":"0.5","v":"10","n":5,"x":true,"q":"15"}}`)
	frame, err = DecodeFrame("BINANCE", "btcusdt@kline_1m", closed)
	if err != nil {
		t.Fatalf("DecodeFrame(closed): %v", err)
	}
	if !frame.IsClosed || !frame.Kline.IsClosed {
		t.Error("sealed bar not flagged closed")
	}
}

func TestDecodeFrameQuote(t *testing.T) {
	// The spot stream carries no event time.
	data := []byte(`{"u":400900217,"s":"BNBUSDT","b":"25.35190000","B":"31.21","a":"25.36520000","A":"40.66"}`)
	frame, err := DecodeFrame("BINANCE", "bnbusdt@bookTicker", data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Quote == nil {
		t.Fatal("missing quote payload")
	}
	if frame.Quote.BidPrice.String() != "25.3519" {
		t.Errorf("bid = %s", frame.Quote.BidPrice)
	}
	if frame.EventTime != 0 {
		t.Errorf("event time = %d, want 0 for spot", frame.EventTime)
	}

	futures := []byte(`{"e":"bookTicker","u":17242,"E":1700000000123,"T":1700000000120,"s":"BTCUSDT","b":"17371.90","B":"2.4","a":"17372.00","A":"0.1"}`)
	frame, err = DecodeFrame("BINANCE", "btcusdt@bookTicker", futures)
	if err != nil {
		t.Fatalf("DecodeFrame(futures): %v", err)
	}
	if frame.EventTime != 1700000000123 {
		t.Errorf("event time = %d", frame.EventTime)
	}
}

func TestDecodeFrameTrade(t *testing.T) {
	data := []byte(`{"e":"aggTrade","E":1672515782136,"s":"BNBBTC","a":12345,"p":"0.001","q":"100","f":100,"l":105,"T":1672515782134,"m":true}`)
	frame, err := DecodeFrame("BINANCE", "bnbbtc@aggTrade", data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Trade == nil {
		t.Fatal("missing trade payload")
	}
	if frame.Trade.TradeID != 12345 || !frame.Trade.IsBuyerMaker {
		t.Errorf("trade = %+v", frame.Trade)
	}
	if frame.Trade.TradeTime != 1672515782134 {
		t.Errorf("trade time = %d", frame.Trade.TradeTime)
	}
}

func TestDecodeFrameDepthBothShapes(t *testing.T) {
	spot := []byte(`{"lastUpdateId":160,"bids":[["0.0024","10"]],"asks":[["0.0026","100"]]}`)
	frame, err := DecodeFrame("BINANCE", "bnbbtc@depth20", spot)
	if err != nil {
		t.Fatalf("DecodeFrame(spot): %v", err)
	}
	if frame.Depth == nil {
		t.Fatal("missing depth payload")
	}
	if frame.Depth.Symbol != "BNBBTC" {
		t.Errorf("symbol = %q, want taken from the stream name", frame.Depth.Symbol)
	}
	if frame.Depth.LastUpdateID != 160 || len(frame.Depth.Bids) != 1 {
		t.Errorf("depth = %+v", frame.Depth)
	}
	if frame.Depth.Bids[0].Price.String() != "0.0024" {
		t.Errorf("bid price = %s", frame.Depth.Bids[0].Price)
	}

	futures := []byte(`{"e":"depthUpdate","E":1700000000123,"T":1700000000120,"s":"BTCUSDT","U":157,"u":160,"pu":149,"b":[["17371.90","2.4"],["17371.80","1.0"]],"a":[["17372.00","0.1"]]}`)
	frame, err = DecodeFrame("BINANCE", "btcusdt@depth20@100ms", futures)
	if err != nil {
		t.Fatalf("DecodeFrame(futures): %v", err)
	}
	if frame.Depth.Symbol != "BTCUSDT" || frame.Depth.LastUpdateID != 160 {
		t.Errorf("depth = %+v", frame.Depth)
	}
	if len(frame.Depth.Bids) != 2 || len(frame.Depth.Asks) != 1 {
		t.Errorf("levels = %d/%d", len(frame.Depth.Bids), len(frame.Depth.Asks))
	}
	if frame.EventTime != 1700000000123 {
		t.Errorf("event time = %d", frame.EventTime)
	}
}

func TestDecodeFrameRejectsUnknownStream(t *testing.T) {
	if _, err := DecodeFrame("BINANCE", "btcusdt@ticker", []byte(`{}`)); err == nil {
		t.Error("expected error for unmapped stream family")
	}
	if _, err := DecodeFrame("BINANCE", "garbage", []byte(`{}`)); err == nil {
		t.Error("expected error for malformed stream name")
	}
}

func TestRestKlinePositionalDecode(t *testing.T) {
	row := []byte(`[1499040000000,"0.01634790","0.80000000","0.01575800","0.01577100","148976.11427815",1499644799999,"2434.19055334",308,"1756.87402397","28.46694368","17928899.62484339"]`)
	var r restKline
	if err := json.Unmarshal(row, &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.OpenTime != 1499040000000 || r.CloseTime != 1499644799999 {
		t.Errorf("times = %d/%d", r.OpenTime, r.CloseTime)
	}
	if r.Open.String() != "0.0163479" {
		t.Errorf("open = %s", r.Open)
	}
	if r.QuoteVolume.String() != "2434.19055334" {
		t.Errorf("quote volume = %s", r.QuoteVolume)
	}
	if r.TradeCount != 308 {
		t.Errorf("trade count = %d", r.TradeCount)
	}

	var short restKline
	if err := json.Unmarshal([]byte(`[1,"2"]`), &short); err == nil {
		t.Error("expected error for truncated row")
	}
}

func TestAPIErrorClassification(t *testing.T) {
	cases := []struct {
		err       APIError
		transient bool
	}{
		{APIError{Code: -1003, HTTPStatus: 429}, true},
		{APIError{Code: -1021, HTTPStatus: 400}, true},
		{APIError{HTTPStatus: 503}, true},
		{APIError{HTTPStatus: 418}, true},
		{APIError{Code: -1121, HTTPStatus: 400}, false},
		{APIError{Code: -2014, HTTPStatus: 401}, false},
		{APIError{Code: -1022, HTTPStatus: 400}, false},
	}
	for _, tc := range cases {
		if got := tc.err.Transient(); got != tc.transient {
			t.Errorf("Transient(%+v) = %v, want %v", tc.err, got, tc.transient)
		}
	}

	rl := &APIError{Code: -1003, HTTPStatus: 429}
	if !rl.RateLimited() {
		t.Error("429/-1003 must classify as rate limited")
	}
	bad := &APIError{Code: -1121, HTTPStatus: 400}
	if bad.RateLimited() {
		t.Error("invalid symbol is not a rate limit")
	}
}

func TestDecodeSpotUserEvent(t *testing.T) {
	position := []byte(`{"e":"outboundAccountPosition","E":1564034571105,"u":1564034571073,"B":[{"a":"ETH","f":"10000.0","l":"0.5"},{"a":"BTC","f":"1.0","l":"0"}]}`)
	ev, err := DecodeSpotUserEvent(position)
	if err != nil {
		t.Fatalf("DecodeSpotUserEvent: %v", err)
	}
	if ev.Type != UserEventBalances {
		t.Fatalf("type = %q", ev.Type)
	}
	if len(ev.Balances) != 2 {
		t.Fatalf("balances = %d", len(ev.Balances))
	}
	if ev.Balances[0].Asset != "ETH" || ev.Balances[0].Locked.String() != "0.5" {
		t.Errorf("balance = %+v", ev.Balances[0])
	}
	if ev.EventTime != 1564034571105 {
		t.Errorf("event time = %d", ev.EventTime)
	}

	delta := []byte(`{"e":"balanceUpdate","E":1573200697110,"a":"BTC","d":"100.00000000","T":1573200697068}`)
	ev, err = DecodeSpotUserEvent(delta)
	if err != nil {
		t.Fatalf("DecodeSpotUserEvent(delta): %v", err)
	}
	if ev.Type != UserEventBalanceDelta || ev.Asset != "BTC" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Delta.String() != "100" {
		t.Errorf("delta = %s", ev.Delta)
	}

	// Order reports do not touch balances.
	report := []byte(`{"e":"executionReport","E":1499405658658,"s":"ETHBTC"}`)
	ev, err = DecodeSpotUserEvent(report)
	if err != nil {
		t.Fatalf("DecodeSpotUserEvent(report): %v", err)
	}
	if ev != nil {
		t.Errorf("expected nil for irrelevant event, got %+v", ev)
	}
}

func TestDecodeFuturesUserEvent(t *testing.T) {
	update := []byte(`{"e":"ACCOUNT_UPDATE","E":1564745798939,"T":1564745798938,"a":{
		"m":"ORDER",
		"B":[{"a":"USDT","wb":"122624.12345678","cw":"100.12345678"}],
		"P":[{"s":"BTCUSDT","pa":"0.5","ep":"6563.66500","up":"100.intentionally"}]}}`)
	// Broken decimal must surface, not corrupt silently.
	if _, err := DecodeFuturesUserEvent(update); err == nil {
		t.Fatal("expected error for malformed decimal")
	}

	good := []byte(`{"e":"ACCOUNT_UPDATE","E":1564745798939,"T":1564745798938,"a":{
		"m":"ORDER",
		"B":[{"a":"USDT","wb":"122624.12345678","cw":"100.12345678"}],
		"P":[{"s":"BTCUSDT","pa":"0.5","ep":"6563.665","up":"154.91","mt":"isolated","ps":"LONG"}]}}`)
	ev, err := DecodeFuturesUserEvent(good)
	if err != nil {
		t.Fatalf("DecodeFuturesUserEvent: %v", err)
	}
	if ev.Type != UserEventBalances {
		t.Fatalf("type = %q", ev.Type)
	}
	if len(ev.Balances) != 1 || ev.Balances[0].Free.String() != "122624.12345678" {
		t.Errorf("balances = %+v", ev.Balances)
	}
	if len(ev.Positions) != 1 {
		t.Fatalf("positions = %d", len(ev.Positions))
	}
	pos := ev.Positions[0]
	if pos.Symbol != "BTCUSDT" || pos.PositionSide != "LONG" || pos.MarginType != "isolated" {
		t.Errorf("position = %+v", pos)
	}
	if pos.Key() != "BTCUSDT|LONG" {
		t.Errorf("position key = %s", pos.Key())
	}

	expired := []byte(`{"e":"listenKeyExpired","E":1576653824250}`)
	ev, err = DecodeFuturesUserEvent(expired)
	if err != nil {
		t.Fatalf("DecodeFuturesUserEvent(expired): %v", err)
	}
	if ev.Type != UserEventExpired {
		t.Fatalf("type = %q", ev.Type)
	}
}
