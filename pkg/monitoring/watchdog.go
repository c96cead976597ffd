package monitoring

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mj2154/tickbus/pkg/logging"
)

// ErrStoreUnavailable is returned by WatchStore once the database has
// been unreachable past the failure budget.
var ErrStoreUnavailable = errors.New("store unavailable")

const (
	defaultWatchInterval    = 10 * time.Second
	defaultWatchMaxFailures = 6
)

// WatchStore pings the database on the given interval and returns
// ErrStoreUnavailable after maxFailures consecutive failed pings.
// Isolated failures only log; the pq driver reconnects between pings
// and a recovered ping resets the count.
func WatchStore(ctx context.Context, db *sql.DB, interval time.Duration, maxFailures int, logger logging.Logger) error {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	if maxFailures <= 0 {
		maxFailures = defaultWatchMaxFailures
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := db.PingContext(pingCtx)
			cancel()
			if err == nil {
				if failures > 0 {
					logger.WithField("failures", failures).Info("Store connectivity restored")
				}
				failures = 0
				continue
			}
			failures++
			logger.WithError(err).WithFields(logging.Fields{
				"failures":     failures,
				"max_failures": maxFailures,
			}).Warn("Store ping failed")
			if failures >= maxFailures {
				return fmt.Errorf("%w after %d consecutive ping failures: %v", ErrStoreUnavailable, failures, err)
			}
		}
	}
}
