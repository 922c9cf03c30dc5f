// Package state — bus.go
//
// In-process event bus. Delivery is best-effort, at-most-once, and
// happens strictly after the mutation producing the event has been
// committed. Per-subscriber bounded queues: a slow subscriber never
// blocks the writer; overflow drops the event and counts it.
package state

import (
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const defaultQueueDepth = 64

// Subscription is one bounded event queue. Read from C; call Close when
// done. Dropped() reports events lost to overflow.
type Subscription struct {
	C chan Event

	topics  []string
	dropped atomic.Uint64
	bus     *bus
	closed  atomic.Bool
}

// Dropped returns the number of events dropped because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.bus.detach(s)
	}
}

// matches reports whether the topic is covered by the subscription.
// Patterns ending in ".*" are prefix matches; "*" matches everything.
func (s *Subscription) matches(topic string) bool {
	for _, pat := range s.topics {
		if pat == "*" || pat == topic {
			return true
		}
		if prefix, ok := strings.CutSuffix(pat, ".*"); ok && strings.HasPrefix(topic, prefix+".") {
			return true
		}
	}
	return false
}

type bus struct {
	mu   sync.Mutex
	subs []*Subscription
	log  *zap.Logger

	published atomic.Uint64
	dropped   atomic.Uint64
}

func newBus(log *zap.Logger) *bus {
	return &bus{log: log}
}

func (b *bus) subscribe(depth int, topics ...string) *Subscription {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	if len(topics) == 0 {
		topics = []string{"*"}
	}
	sub := &Subscription{
		C:      make(chan Event, depth),
		topics: topics,
		bus:    b,
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

func (b *bus) detach(sub *Subscription) {
	b.mu.Lock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	close(sub.C)
}

// publish fans the event out to matching subscribers. Non-blocking: a
// full queue drops the event for that subscriber only.
func (b *bus) publish(ev Event) {
	b.mu.Lock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	b.published.Add(1)
	for _, sub := range subs {
		if !sub.matches(ev.Topic) {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			b.log.Debug("subscriber queue full, dropping event",
				zap.String("topic", ev.Topic))
		}
	}
}

// closeAll detaches every subscriber. Used on store shutdown.
func (b *bus) closeAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		if s.closed.CompareAndSwap(false, true) {
			close(s.C)
		}
	}
}
