// Package streamkey parses and canonicalizes subscription keys.
//
// A key names exactly one upstream stream in the canonical form
// {EXCHANGE}:{SYMBOL}@{STREAM}[_{PARAM}], e.g. BINANCE:BTCUSDT@KLINE_60
// or BINANCE:ACCOUNT@SPOT. Equality is string equality on the canonical
// form, so every component that touches keys must round-trip through
// Parse/String before comparing or persisting them.
package streamkey

import (
	"fmt"
	"strings"
)

// Stream is the stream family of a subscription key.
type Stream string

const (
	StreamKline   Stream = "KLINE"
	StreamQuotes  Stream = "QUOTES"
	StreamTrade   Stream = "TRADE"
	StreamDepth   Stream = "DEPTH"
	StreamAccount Stream = "ACCOUNT"
	// StreamSignal routes alert and signal pushes to sessions. It is
	// local to the gateway, no upstream reconciler acts on it.
	StreamSignal Stream = "SIGNAL"
)

// SignalExchange is the exchange slot used by gateway-local signal keys,
// SIGNAL:{alert_id}@EVENTS.
const SignalExchange = "SIGNAL"

// AccountSymbol is the symbol slot of account stream keys,
// {EXCHANGE}:ACCOUNT@{SPOT|FUTURES}.
const AccountSymbol = "ACCOUNT"

// Intervals recognized in KLINE params, minutes or period code.
var intervals = map[string]bool{
	"1": true, "5": true, "15": true, "60": true, "240": true,
	"D": true, "W": true, "M": true,
}

// ValidInterval reports whether s is a recognized kline interval.
func ValidInterval(s string) bool {
	return intervals[s]
}

// Intervals returns the recognized kline intervals in ascending order.
func Intervals() []string {
	return []string{"1", "5", "15", "60", "240", "D", "W", "M"}
}

// Depth levels the upstream offers for partial book snapshots.
var depthLevels = map[string]bool{"5": true, "10": true, "20": true}

// DefaultDepthLevels is used when a DEPTH key names no level count.
const DefaultDepthLevels = "20"

// Key is a parsed subscription key. Param holds the kline interval,
// the depth level count, or the account market type.
type Key struct {
	Exchange string
	Symbol   string
	Stream   Stream
	Param    string
}

// Parse parses and canonicalizes a subscription key string.
func Parse(s string) (Key, error) {
	colon := strings.IndexByte(s, ':')
	if colon <= 0 {
		return Key{}, fmt.Errorf("key %q: missing exchange separator", s)
	}
	at := strings.IndexByte(s[colon+1:], '@')
	if at <= 0 {
		return Key{}, fmt.Errorf("key %q: missing stream separator", s)
	}
	at += colon + 1

	exchange := strings.ToUpper(s[:colon])
	symbol := s[colon+1 : at]
	rest := strings.ToUpper(s[at+1:])
	if symbol == "" || rest == "" {
		return Key{}, fmt.Errorf("key %q: empty segment", s)
	}

	// Signal keys carry an opaque alert id in the symbol slot, the id
	// keeps its case instead of being uppercased.
	if exchange == SignalExchange {
		if rest != "EVENTS" {
			return Key{}, fmt.Errorf("key %q: signal keys end in @EVENTS", s)
		}
		return Key{
			Exchange: SignalExchange,
			Symbol:   strings.ToLower(symbol),
			Stream:   StreamSignal,
		}, nil
	}

	symbol = strings.ToUpper(symbol)

	if symbol == AccountSymbol {
		if rest != "SPOT" && rest != "FUTURES" {
			return Key{}, fmt.Errorf("key %q: account market type must be SPOT or FUTURES", s)
		}
		return Key{Exchange: exchange, Symbol: symbol, Stream: StreamAccount, Param: rest}, nil
	}

	stream := rest
	param := ""
	if i := strings.IndexByte(rest, '_'); i > 0 {
		stream = rest[:i]
		param = rest[i+1:]
	}

	k := Key{Exchange: exchange, Symbol: symbol, Stream: Stream(stream), Param: param}
	switch k.Stream {
	case StreamKline:
		if !ValidInterval(k.Param) {
			return Key{}, fmt.Errorf("key %q: unknown kline interval %q", s, k.Param)
		}
	case StreamQuotes, StreamTrade:
		if k.Param != "" {
			return Key{}, fmt.Errorf("key %q: %s takes no parameter", s, k.Stream)
		}
	case StreamDepth:
		if k.Param == "" {
			k.Param = DefaultDepthLevels
		} else if !depthLevels[k.Param] {
			return Key{}, fmt.Errorf("key %q: depth levels must be 5, 10 or 20", s)
		}
	default:
		return Key{}, fmt.Errorf("key %q: unknown stream type %q", s, stream)
	}
	return k, nil
}

// MustParse is Parse for statically known keys, panicking on error.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

// String renders the canonical form.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Exchange)
	b.WriteByte(':')
	b.WriteString(k.Symbol)
	b.WriteByte('@')
	switch k.Stream {
	case StreamSignal:
		b.WriteString("EVENTS")
	case StreamAccount:
		b.WriteString(k.Param)
	default:
		b.WriteString(string(k.Stream))
		if k.Param != "" {
			b.WriteByte('_')
			b.WriteString(k.Param)
		}
	}
	return b.String()
}

// IsBar reports whether the key names a kline stream, the only family
// whose live rows archive and delete on close.
func (k Key) IsBar() bool {
	return k.Stream == StreamKline
}

// Interval returns the kline interval code, empty for other families.
func (k Key) Interval() string {
	if k.Stream == StreamKline {
		return k.Param
	}
	return ""
}

// Local reports whether the key is gateway-local, never reconciled
// against an upstream.
func (k Key) Local() bool {
	return k.Stream == StreamSignal
}
