package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/faults"
)

func testSettings() BreakerSettings {
	return BreakerSettings{
		Name:             "test",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     50 * time.Millisecond,
		CallTimeout:      time.Second,
		MaxRetries:       0,
		RetryDelay:       time.Millisecond,
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(testSettings(), zap.NewNop())
	ctx := context.Background()
	boom := errors.New("boom")

	var calls atomic.Int32
	fail := func(context.Context) error { calls.Add(1); return boom }

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, fail); err == nil {
			t.Fatal("expected failure")
		}
	}
	// Tripped: the underlying op must not be invoked.
	before := calls.Load()
	err := b.Execute(ctx, fail)
	if faults.KindOf(err) != faults.KindCircuitOpen {
		t.Fatalf("expected circuit_open, got %v", err)
	}
	if calls.Load() != before {
		t.Error("open breaker invoked the underlying call")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(testSettings(), zap.NewNop())
	ctx := context.Background()

	fail := func(context.Context) error { return errors.New("boom") }
	ok := func(context.Context) error { return nil }

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	if b.State() != "open" {
		t.Fatalf("expected open, got %s", b.State())
	}

	time.Sleep(70 * time.Millisecond) // past reset timeout

	// success_threshold = 2 consecutive successes close the breaker.
	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, ok); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != "closed" {
		t.Errorf("expected closed after probes, got %s", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(testSettings(), zap.NewNop())
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	time.Sleep(70 * time.Millisecond)
	_ = b.Execute(ctx, fail) // half-open probe fails
	if b.State() != "open" {
		t.Errorf("expected reopen after failed probe, got %s", b.State())
	}
}

func TestRetryWithBackoff(t *testing.T) {
	set := testSettings()
	set.MaxRetries = 3
	set.FailureThreshold = 100 // keep closed for this test
	b := NewBreaker(set, zap.NewNop())

	var delays []time.Duration
	b.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	var calls int
	err := b.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return faults.New(faults.KindTransport, "flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	// delay * 2^(n-1)
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond}
	for i, d := range want {
		if delays[i] != d {
			t.Errorf("backoff %d: got %s, want %s", i, delays[i], d)
		}
	}
}

func TestNonRetryableAborts(t *testing.T) {
	set := testSettings()
	set.MaxRetries = 5
	b := NewBreaker(set, zap.NewNop())

	var calls int
	err := b.Execute(context.Background(), func(context.Context) error {
		calls++
		return faults.NonRetryable(faults.New(faults.KindTransport, "protocol NAK"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("non-retryable must abort after first attempt, got %d calls", calls)
	}
}

func TestTimeoutAborts(t *testing.T) {
	set := testSettings()
	set.MaxRetries = 5
	set.CallTimeout = 20 * time.Millisecond
	b := NewBreaker(set, zap.NewNop())

	var calls int
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if faults.KindOf(err) != faults.KindTransport {
		t.Fatalf("expected transport kind, got %v", err)
	}
	if calls != 1 {
		t.Errorf("timeout must abort retries, got %d calls", calls)
	}
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(testSettings(), zap.NewNop())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func(context.Context) error { return errors.New("boom") })
	}
	if b.State() != "open" {
		t.Fatalf("expected open, got %s", b.State())
	}
	b.Reset()
	if b.State() != "closed" {
		t.Errorf("expected closed after reset, got %s", b.State())
	}
}

func TestWatchdogFiresWithoutKick(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := NewWatchdog("test", 30*time.Millisecond, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, zap.NewNop())
	w.Start()
	defer w.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
	if w.Status().Timeouts == 0 {
		t.Error("timeout not counted")
	}
}

func TestWatchdogKickDefersFire(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := NewWatchdog("test", 60*time.Millisecond, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, zap.NewNop())
	w.Start()
	defer w.Stop()

	// Kick faster than the timeout; it must not fire.
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		w.Kick()
	}
	select {
	case <-fired:
		t.Fatal("watchdog fired despite kicks")
	default:
	}
}
