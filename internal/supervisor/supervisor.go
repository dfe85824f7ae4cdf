// Package supervisor restarts a whole run a bounded number of times.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"docscale/internal/logging"
)

// ErrAttemptsExhausted is wrapped by the error returned after the last failed attempt.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Clock       clockwork.Clock
	Log         *zap.Logger
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Run calls fn until it succeeds, returns a permanent error, the context is canceled or
// MaxAttempts is reached. Cancellation returns at once, without waiting out the delay.
func Run(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := logging.OrNop(p.Log).Named("supervisor")
	maxAttempts := max(1, p.MaxAttempts)

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Info("run interrupted", zap.Int("attempt", attempt))
			return ctxErr
		}
		if IsPermanent(err) {
			return err
		}
		last = err
		log.Error("run crashed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err),
		)
		if attempt == maxAttempts {
			break
		}
		log.Info("retrying after delay", zap.Duration("delay", p.Delay), zap.Int("next_attempt", attempt+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(p.Delay):
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, maxAttempts, last)
}
