package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrCallTimeout is the cancellation cause recorded when a guarded handler
// exceeds its call budget.
var ErrCallTimeout = errors.New("commands: handler call timed out")

// ErrHandlerPanic wraps a panic recovered from a guarded handler.
var ErrHandlerPanic = errors.New("commands: handler panicked")

// gateWeight bounds how many read-only commands may run at once. A mutation
// acquires the whole weight, so it runs alone.
const gateWeight = 1 << 10

// Gate is a context-aware readers/writer lock. Waiters are served in FIFO
// order, so a queued mutation is not starved by a stream of readers.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate returns an unlocked gate.
func NewGate() *Gate {
	return &Gate{sem: semaphore.NewWeighted(gateWeight)}
}

// Acquire blocks until the gate is held in the requested mode or ctx ends.
// The returned func releases it.
func (g *Gate) Acquire(ctx context.Context, exclusive bool) (func(), error) {
	var n int64 = 1
	if exclusive {
		n = gateWeight
	}
	if err := g.sem.Acquire(ctx, n); err != nil {
		return nil, err
	}
	return func() { g.sem.Release(n) }, nil
}

// Guard isolates handlers behind the gate and a per-call timeout. The handler
// runs on its own goroutine which keeps the gate until the handler returns, so
// a caller that gives up never lets a second mutation overlap a slow one.
// Cancellation is reported through context.Cause: ErrCallTimeout for the call
// budget, or whatever cause the caller's context carried.
func Guard(gate *Gate, timeout time.Duration) Middleware {
	return func(ctx context.Context, cmd Command, next Handler) (Response, error) {
		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeoutCause(ctx, timeout, ErrCallTimeout)
			defer cancel()
		}
		release, err := gate.Acquire(callCtx, IsMutation(cmd))
		if err != nil {
			return nil, causeOf(callCtx, err)
		}

		type result struct {
			resp Response
			err  error
		}
		done := make(chan result, 1)
		go func() {
			defer release()
			defer func() {
				if rec := recover(); rec != nil {
					done <- result{err: fmt.Errorf("%w: %s: %v", ErrHandlerPanic, cmd.Name(), rec)}
				}
			}()
			resp, err := next.Handle(callCtx, cmd)
			done <- result{resp: resp, err: err}
		}()

		select {
		case r := <-done:
			return r.resp, r.err
		case <-callCtx.Done():
			return nil, causeOf(callCtx, callCtx.Err())
		}
	}
}

func causeOf(ctx context.Context, fallback error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return fallback
}

// Logging records one line per dispatched command.
func Logging(logger zerolog.Logger) Middleware {
	return func(ctx context.Context, cmd Command, next Handler) (Response, error) {
		start := time.Now()
		resp, err := next.Handle(ctx, cmd)
		evt := logger.Debug()
		if err != nil {
			evt = logger.Warn().Err(err)
		}
		evt.Str("command", cmd.Name()).
			Bool("mutation", IsMutation(cmd)).
			Dur("duration", time.Since(start)).
			Msg("command dispatched")
		return resp, err
	}
}
