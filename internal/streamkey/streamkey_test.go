package streamkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_TableDriven(t *testing.T) {
	cases := []struct {
		name      string
		in        string
		canonical string
		ok        bool
	}{
		{"kline hourly", "BINANCE:BTCUSDT@KLINE_60", "BINANCE:BTCUSDT@KLINE_60", true},
		{"kline daily", "BINANCE:BTCUSDT@KLINE_D", "BINANCE:BTCUSDT@KLINE_D", true},
		{"lowercase canonicalized", "binance:btcusdt@kline_60", "BINANCE:BTCUSDT@KLINE_60", true},
		{"quotes", "BINANCE:BTCUSDT@QUOTES", "BINANCE:BTCUSDT@QUOTES", true},
		{"trade", "BINANCE:ETHUSDT@TRADE", "BINANCE:ETHUSDT@TRADE", true},
		{"depth default levels", "BINANCE:BTCUSDT@DEPTH", "BINANCE:BTCUSDT@DEPTH_20", true},
		{"depth explicit levels", "BINANCE:BTCUSDT@DEPTH_5", "BINANCE:BTCUSDT@DEPTH_5", true},
		{"spot account", "BINANCE:ACCOUNT@SPOT", "BINANCE:ACCOUNT@SPOT", true},
		{"futures account", "binance:account@futures", "BINANCE:ACCOUNT@FUTURES", true},
		{"signal key keeps id case", "SIGNAL:AbC-123@EVENTS", "SIGNAL:abc-123@EVENTS", true},
		{"unknown interval", "BINANCE:BTCUSDT@KLINE_7", "", false},
		{"kline without interval", "BINANCE:BTCUSDT@KLINE", "", false},
		{"quotes with param", "BINANCE:BTCUSDT@QUOTES_1", "", false},
		{"depth odd levels", "BINANCE:BTCUSDT@DEPTH_15", "", false},
		{"unknown stream", "BINANCE:BTCUSDT@CANDLES_60", "", false},
		{"account bad market", "BINANCE:ACCOUNT@MARGIN", "", false},
		{"signal bad suffix", "SIGNAL:abc@UPDATES", "", false},
		{"no exchange", ":BTCUSDT@TRADE", "", false},
		{"no stream", "BINANCE:BTCUSDT", "", false},
		{"empty", "", "", false},
	}
	for _, tc := range cases {
		k, err := Parse(tc.in)
		if !tc.ok {
			assert.Error(t, err, tc.name)
			continue
		}
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.canonical, k.String(), tc.name)
	}
}

func TestParseRoundTrip(t *testing.T) {
	// Canonical strings must survive a second parse unchanged.
	for _, s := range []string{
		"BINANCE:BTCUSDT@KLINE_240",
		"BINANCE:BTCUSDT@DEPTH_10",
		"BINANCE:ACCOUNT@FUTURES",
		"SIGNAL:9f0c2d66-0000-0000-0000-000000000000@EVENTS",
	} {
		k := MustParse(s)
		again, err := Parse(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, again)
	}
}

func TestKeyFields(t *testing.T) {
	k := MustParse("BINANCE:BTCUSDT@KLINE_60")
	assert.Equal(t, "BINANCE", k.Exchange)
	assert.Equal(t, "BTCUSDT", k.Symbol)
	assert.Equal(t, StreamKline, k.Stream)
	assert.Equal(t, "60", k.Interval())
	assert.True(t, k.IsBar())
	assert.False(t, k.Local())

	acct := MustParse("BINANCE:ACCOUNT@SPOT")
	assert.Equal(t, StreamAccount, acct.Stream)
	assert.Equal(t, "SPOT", acct.Param)
	assert.Empty(t, acct.Interval())
	assert.False(t, acct.IsBar())

	sig := MustParse("SIGNAL:abc@EVENTS")
	assert.True(t, sig.Local())
}

func TestMustParsePanics(t *testing.T) {
	assert.Panics(t, func() { MustParse("garbage") })
}

func TestIntervals(t *testing.T) {
	for _, iv := range Intervals() {
		assert.True(t, ValidInterval(iv), iv)
	}
	assert.False(t, ValidInterval("3"))
	assert.False(t, ValidInterval(""))
}
