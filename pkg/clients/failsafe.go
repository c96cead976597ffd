// Package clients carries the outbound HTTP protection stack shared by
// the REST clients: a bounded transport, retry with backoff, and a
// circuit breaker per upstream so a dead exchange endpoint fails fast
// instead of tying up task workers.
package clients

import (
	"context"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/mj2154/tickbus/pkg/logging"
)

// BreakerState is the reported circuit state.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes one upstream circuit.
type BreakerConfig struct {
	// Name labels the circuit in logs and metrics, one per upstream.
	Name string

	// WindowSize is how many recent executions the failure ratio is
	// judged over. The circuit never trips on fewer executions.
	WindowSize uint32

	// FailureRatio of the window at which the circuit opens.
	FailureRatio float64

	// OpenFor is how long an open circuit rejects calls before letting
	// a probe through.
	OpenFor time.Duration

	// RecoveryProbes is the number of successes required in half-open
	// before the circuit closes again.
	RecoveryProbes uint32

	Logger logging.Logger

	// OnStateChange fires after the transition has been recorded.
	OnStateChange func(name string, from, to BreakerState)
}

// DefaultBreakerConfig returns the stock tuning for one named upstream.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:           name,
		WindowSize:     10,
		FailureRatio:   0.5,
		OpenFor:        15 * time.Second,
		RecoveryProbes: 1,
	}
}

// Breaker guards HTTP calls to one upstream. Transport errors and 5xx
// responses count against the circuit; client errors and rate limits
// do not, those belong to the caller and the retry policy.
type Breaker struct {
	cb   circuitbreaker.CircuitBreaker[*http.Response]
	name string
}

// NewBreaker builds a circuit breaker. State transitions are exported
// as metrics and logged at warn level.
//
//nolint:bodyclose // [*http.Response] is a type parameter here, not a response that needs closing
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "upstream"
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = 10
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 15 * time.Second
	}
	if cfg.RecoveryProbes == 0 {
		cfg.RecoveryProbes = 1
	}

	failures := uint(float64(cfg.WindowSize) * cfg.FailureRatio)
	if failures < 1 {
		failures = 1
	}

	cb := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(failures, uint(cfg.WindowSize)).
		WithDelay(cfg.OpenFor).
		WithSuccessThreshold(uint(cfg.RecoveryProbes)).
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && resp.StatusCode >= http.StatusInternalServerError
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			from := convertState(event.OldState)
			to := convertState(event.NewState)
			recordBreakerTransition(cfg.Name, from, to)
			if cfg.Logger != nil {
				cfg.Logger.WithFields(logging.Fields{
					"breaker": cfg.Name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Circuit breaker state change")
			}
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(cfg.Name, from, to)
			}
		}).
		Build()

	return &Breaker{cb: cb, name: cfg.Name}
}

func convertState(state circuitbreaker.State) BreakerState {
	switch state {
	case circuitbreaker.ClosedState:
		return StateClosed
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	case circuitbreaker.OpenState:
		return StateOpen
	default:
		return StateClosed
	}
}

// State reports the current circuit state.
func (b *Breaker) State() BreakerState { return convertState(b.cb.State()) }

// Name returns the label the circuit reports under.
func (b *Breaker) Name() string { return b.name }

// IsOpen reports whether calls are currently rejected.
func (b *Breaker) IsOpen() bool { return b.cb.IsOpen() }

// DefaultShouldRetry retries transport errors, upstream 5xx, and rate
// limit responses.
func DefaultShouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// ExecutorConfig tunes the retry and breaker stack wrapped around an
// HTTP client.
type ExecutorConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Breaker, when set, is consulted on every attempt, retries
	// included, so a tripped circuit cuts the backoff short.
	Breaker *Breaker

	// ShouldRetry classifies attempts, DefaultShouldRetry when nil.
	ShouldRetry func(resp *http.Response, err error) bool
}

// DefaultExecutorConfig returns the stock retry tuning, no breaker.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

// NewHTTPExecutor composes the retry policy and the optional breaker
// into one failsafe executor.
//
//nolint:bodyclose // [*http.Response] is a type parameter here, not a response that needs closing
func NewHTTPExecutor(cfg ExecutorConfig) failsafe.Executor[*http.Response] {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = DefaultShouldRetry
	}

	retry := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(resp *http.Response, err error) bool {
			return cfg.ShouldRetry(resp, err)
		}).
		Build()

	if cfg.Breaker != nil {
		return failsafe.With(retry, cfg.Breaker.cb)
	}
	return failsafe.With(retry)
}

// ExecuteHTTP runs one request function under the executor's policies.
func ExecuteHTTP(ctx context.Context, executor failsafe.Executor[*http.Response], fn func() (*http.Response, error)) (*http.Response, error) {
	return executor.WithContext(ctx).Get(fn)
}
