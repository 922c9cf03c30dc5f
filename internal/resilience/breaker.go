// Package resilience wraps driver I/O with circuit-breaker, retry, and
// watchdog discipline.
//
// The breaker core is sony/gobreaker: CLOSED trips to OPEN after
// failure_threshold consecutive failures; OPEN fails fast until
// reset_timeout elapses; HALF_OPEN admits success_threshold probes and
// closes after they all succeed, reopening on any failure. Around the
// breaker sits a retry executor with exponential backoff and a per-call
// deadline.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/faults"
)

// BreakerSettings parameterizes one Breaker.
type BreakerSettings struct {
	Name             string
	FailureThreshold uint32
	SuccessThreshold uint32
	ResetTimeout     time.Duration
	CallTimeout      time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
}

// Breaker guards one driver endpoint.
type Breaker struct {
	mu  sync.RWMutex
	cb  *gobreaker.CircuitBreaker
	set BreakerSettings
	log *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewBreaker creates a Breaker with the given settings.
func NewBreaker(set BreakerSettings, log *zap.Logger) *Breaker {
	b := &Breaker{set: set, log: log, sleep: sleepCtx}
	b.cb = b.newGoBreaker()
	return b
}

func (b *Breaker) newGoBreaker() *gobreaker.CircuitBreaker {
	set, log := b.set, b.log
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        set.Name,
		MaxRequests: set.SuccessThreshold,
		Timeout:     set.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= set.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// State returns the breaker state name (closed, open, half-open).
func (b *Breaker) State() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb.State().String()
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.set.Name }

// Execute runs op through the breaker with retry. Each attempt runs
// under its own CallTimeout deadline. Retries apply exponential backoff
// delay * 2^(n-1); a deadline expiry or an error marked non-retryable
// aborts the loop immediately.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	attempts := b.set.MaxRetries + 1
	for n := 1; n <= attempts; n++ {
		b.mu.RLock()
		cb := b.cb
		b.mu.RUnlock()
		_, err := cb.Execute(func() (any, error) {
			return nil, b.attempt(ctx, op)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return faults.Wrap(faults.KindCircuitOpen, "breaker "+b.set.Name+" open", err)
		}
		lastErr = err
		if !faults.Retryable(err) {
			return err
		}
		if n == attempts {
			break
		}
		delay := b.set.RetryDelay << (n - 1)
		if err := b.sleep(ctx, delay); err != nil {
			return faults.Wrap(faults.KindTransport, "retry cancelled", err)
		}
	}
	return lastErr
}

// attempt runs one op invocation under the call timeout and classifies
// the failure.
func (b *Breaker) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	callCtx := ctx
	var cancel context.CancelFunc
	if b.set.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.set.CallTimeout)
		defer cancel()
	}
	err := op(callCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// Timeouts count as breaker failures but never retry.
		return faults.NonRetryable(faults.Wrap(faults.KindTransport, "call timeout", err))
	}
	if faults.KindOf(err) != faults.KindUnknown {
		return err
	}
	return faults.Wrap(faults.KindTransport, "driver call failed", err)
}

// Reset forces the breaker back to CLOSED by swapping the underlying
// gobreaker instance. Used by the operator API after a repair.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.cb = b.newGoBreaker()
	b.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
