package server

import (
	"context"
	"errors"

	"github.com/mj2154/tickbus/pkg/logging"
	"github.com/mj2154/tickbus/pkg/monitoring"
)

// ErrSupervisorPanic is the shutdown cause recorded when a supervised
// component panics.
var ErrSupervisorPanic = errors.New("supervised component panicked")

// Supervise runs one long-lived component in a goroutine tied to the
// shared cancellation context. A panic is recovered, logged and turned
// into a process shutdown with ErrSupervisorPanic as the cause. An
// error return while the process is still live shuts down with that
// error as the cause; returns during shutdown are the normal exit path
// and are ignored.
func Supervise(ctx context.Context, cancel context.CancelCauseFunc, name string, logger logging.Logger, fn func(context.Context) error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logging.Fields{
					"component": name,
					"panic":     r,
				}).Error("Supervised component panicked")
				cancel(ErrSupervisorPanic)
			}
		}()
		err := fn(ctx)
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		logger.WithError(err).WithField("component", name).Error("Supervised component exited")
		cancel(err)
	}()
}

// ExitCode maps a shutdown cause to the process exit status: 0 clean
// shutdown, 2 store connectivity lost, 64 escaped panic, 1 anything
// else.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, monitoring.ErrStoreUnavailable):
		return 2
	case errors.Is(err, ErrSupervisorPanic):
		return 64
	default:
		return 1
	}
}
