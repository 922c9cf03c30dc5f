// Package resilience — watchdog.go
//
// Kicked timer. Start arms it, Kick reschedules; if the timeout elapses
// without a kick the on-timeout callback fires and the timeout is
// counted. Watchdog callbacks never mutate state directly: they post
// commands to the State Store.
package resilience

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Watchdog fires a callback when not kicked within its timeout.
// After firing it stays disarmed until the next Kick.
type Watchdog struct {
	mu      sync.Mutex
	name    string
	timeout time.Duration
	timer   *time.Timer
	running bool
	log     *zap.Logger

	onTimeout func()
	timeouts  atomic.Uint64
	lastKick  atomic.Int64 // unix nanos
}

// NewWatchdog creates a stopped Watchdog.
func NewWatchdog(name string, timeout time.Duration, onTimeout func(), log *zap.Logger) *Watchdog {
	return &Watchdog{
		name:      name,
		timeout:   timeout,
		onTimeout: onTimeout,
		log:       log,
	}
}

// Start arms the watchdog. Idempotent.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.lastKick.Store(time.Now().UnixNano())
	w.timer = time.AfterFunc(w.timeout, w.fire)
}

// Kick reschedules the timeout. A kick on a stopped watchdog is ignored.
func (w *Watchdog) Kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.lastKick.Store(time.Now().UnixNano())
	w.timer.Reset(w.timeout)
}

// Stop disarms the watchdog.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	w.timer.Stop()
}

func (w *Watchdog) fire() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.timeouts.Add(1)
	w.log.Warn("watchdog timeout",
		zap.String("watchdog", w.name),
		zap.Duration("timeout", w.timeout))
	if w.onTimeout != nil {
		w.onTimeout()
	}
}

// Status reports the watchdog's observable state.
type WatchdogStatus struct {
	Name     string        `json:"name"`
	Running  bool          `json:"running"`
	Timeout  time.Duration `json:"timeout"`
	Timeouts uint64        `json:"timeouts"`
	LastKick time.Time     `json:"last_kick"`
}

// Status returns a snapshot of the watchdog state.
func (w *Watchdog) Status() WatchdogStatus {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	return WatchdogStatus{
		Name:     w.name,
		Running:  running,
		Timeout:  w.timeout,
		Timeouts: w.timeouts.Load(),
		LastKick: time.Unix(0, w.lastKick.Load()),
	}
}
