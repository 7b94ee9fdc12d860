// Package eventbus carries alarm lifecycle events between components
// without coupling them: the orchestrator publishes, the notifier and
// debug log subscribe. Publish never blocks; a subscriber that falls
// behind loses events rather than stalling the publisher.
package eventbus

import (
	"sync"
	"time"
)

// Event types published by the orchestrator.
const (
	TypeAlarmCreated     = "alarm.created"
	TypeAlarmFired       = "alarm.fired"
	TypeAlarmStatus      = "alarm.status"
	TypeAlarmDeferred    = "alarm.deferred"
	TypeAlarmRescheduled = "alarm.rescheduled"
)

// Event is a small in-memory signal. Data holds one of the orchestrator
// event payloads; Time is stamped at publish if left zero.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. The bus owns no goroutines;
// delivery happens on the publisher's stack.
func New() Bus {
	return &bus{}
}

type sub struct {
	id int
	ch chan Event
}

type bus struct {
	mu   sync.RWMutex
	subs []sub
	next int
}

func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := append([]sub(nil), b.subs...)
	b.mu.RUnlock()

	for _, s := range targets {
		b.send(s.ch, e)
	}
}

// send attempts one non-blocking delivery. A concurrent unsubscribe may
// have closed the channel between snapshot and send; the recover absorbs
// that race instead of widening the lock.
func (b *bus) send(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}

	b.mu.Lock()
	b.next++
	s := sub{id: b.next, ch: make(chan Event, buffer)}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			for i := range b.subs {
				if b.subs[i].id == s.id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}
