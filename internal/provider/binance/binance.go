// Package binance speaks the upstream exchange dialect for tapeman:
// market-data WebSocket streams, public and signed REST, and the
// private user-data streams. Everything crossing the package boundary
// is already decoded into pkg/models shapes keyed by canonical
// subscription keys.
package binance

import (
	"fmt"
	"strings"

	"github.com/mj2154/tickbus/internal/streamkey"
)

// Default upstream endpoints, overridable through configuration.
const (
	DefaultSpotRESTURL    = "https://api.binance.com"
	DefaultSpotWSURL      = "wss://stream.binance.com:9443"
	DefaultSpotWSAPIURL   = "wss://ws-api.binance.com:443/ws-api/v3"
	DefaultFuturesRESTURL = "https://fapi.binance.com"
	DefaultFuturesWSURL   = "wss://fstream.binance.com"
)

// Per-connection limits the upstream enforces.
const (
	// MaxStreamsPerConnection is the upstream cap on streams multiplexed
	// over one market connection.
	MaxStreamsPerConnection = 1024
	// MaxStreamsPerRequest caps one SUBSCRIBE/UNSUBSCRIBE batch.
	MaxStreamsPerRequest = 200
)

// intervalToUpstream maps canonical interval codes to the upstream's.
var intervalToUpstream = map[string]string{
	"1":   "1m",
	"5":   "5m",
	"15":  "15m",
	"60":  "1h",
	"240": "4h",
	"D":   "1d",
	"W":   "1w",
	"M":   "1M",
}

var intervalFromUpstream = func() map[string]string {
	m := make(map[string]string, len(intervalToUpstream))
	for ours, theirs := range intervalToUpstream {
		m[theirs] = ours
	}
	return m
}()

// UpstreamInterval converts a canonical interval code to the upstream
// form, e.g. 60 -> 1h.
func UpstreamInterval(interval string) (string, error) {
	up, ok := intervalToUpstream[interval]
	if !ok {
		return "", fmt.Errorf("no upstream interval for %q", interval)
	}
	return up, nil
}

// StreamName renders the upstream stream name for a market-data key,
// e.g. BINANCE:BTCUSDT@KLINE_60 -> btcusdt@kline_1h. Account and
// gateway-local keys have no market stream.
func StreamName(k streamkey.Key) (string, error) {
	symbol := strings.ToLower(k.Symbol)
	switch k.Stream {
	case streamkey.StreamKline:
		interval, err := UpstreamInterval(k.Param)
		if err != nil {
			return "", err
		}
		return symbol + "@kline_" + interval, nil
	case streamkey.StreamQuotes:
		return symbol + "@bookTicker", nil
	case streamkey.StreamTrade:
		return symbol + "@aggTrade", nil
	case streamkey.StreamDepth:
		return symbol + "@depth" + k.Param, nil
	default:
		return "", fmt.Errorf("stream %s has no upstream market stream", k.Stream)
	}
}

// StreamKey inverts StreamName for inbound frames, attributing the
// stream to the given exchange slot.
func StreamKey(exchange, stream string) (streamkey.Key, error) {
	at := strings.IndexByte(stream, '@')
	if at <= 0 || at == len(stream)-1 {
		return streamkey.Key{}, fmt.Errorf("stream %q: missing suffix", stream)
	}
	symbol := strings.ToUpper(stream[:at])
	suffix := stream[at+1:]

	switch {
	case strings.HasPrefix(suffix, "kline_"):
		interval, ok := intervalFromUpstream[strings.TrimPrefix(suffix, "kline_")]
		if !ok {
			return streamkey.Key{}, fmt.Errorf("stream %q: unknown interval", stream)
		}
		return streamkey.Key{Exchange: exchange, Symbol: symbol, Stream: streamkey.StreamKline, Param: interval}, nil
	case suffix == "bookTicker":
		return streamkey.Key{Exchange: exchange, Symbol: symbol, Stream: streamkey.StreamQuotes}, nil
	case suffix == "aggTrade":
		return streamkey.Key{Exchange: exchange, Symbol: symbol, Stream: streamkey.StreamTrade}, nil
	case strings.HasPrefix(suffix, "depth"):
		levels := strings.TrimPrefix(suffix, "depth")
		// Speed-qualified forms like depth20@100ms collapse to levels.
		if i := strings.IndexByte(levels, '@'); i >= 0 {
			levels = levels[:i]
		}
		if levels == "" {
			levels = streamkey.DefaultDepthLevels
		}
		return streamkey.Key{Exchange: exchange, Symbol: symbol, Stream: streamkey.StreamDepth, Param: levels}, nil
	default:
		return streamkey.Key{}, fmt.Errorf("stream %q: unknown stream family", stream)
	}
}
