package clients

import (
	"net"
	"net/http"
	"time"
)

// DefaultTransport bounds connections to the upstream REST hosts. The
// clients talk to a handful of hosts at most, so the per-host caps do
// the real work: a stalled upstream pins at most MaxConnsPerHost
// in-flight requests instead of a goroutine per waiting task.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		MaxConnsPerHost:     64,
		MaxIdleConnsPerHost: 16,
		MaxIdleConns:        64,
		IdleConnTimeout:     90 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
