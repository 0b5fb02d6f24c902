// Package eventlog records project lifecycle transitions.
//
// Architecture:
//   - Log: append-only transition storage (memory ring or SQLite)
//   - Bus: pub/sub for live consumers such as the broker's log output
//
// Transitions flow: Broker → Pipeline → Log
//
//	↓
//	Bus → Subscribers
//
// The log is history only. The broker never rebuilds its registry from it.
package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/drewfead/schedd/internal/api"
)

// Log is the append-only transition store.
type Log interface {
	// Append stores one transition.
	Append(ctx context.Context, t api.Transition) error

	// Recent returns up to n of the latest transitions, oldest first.
	Recent(ctx context.Context, n int) ([]api.Transition, error)

	Close() error
}

// Subscriber receives transitions from the bus. OnTransition must not block.
type Subscriber interface {
	OnTransition(t api.Transition)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(api.Transition)

func (f SubscriberFunc) OnTransition(t api.Transition) { f(t) }

// Bus distributes transitions to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]Subscriber
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]Subscriber)}
}

// Publish sends t to every subscriber.
func (b *Bus) Publish(t api.Transition) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.OnTransition(t)
	}
}

// Subscribe registers sub and returns a function that removes it.
func (b *Bus) Subscribe(sub Subscriber) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// ChannelSubscriber buffers transitions on a channel, dropping them when
// the buffer is full.
type ChannelSubscriber struct {
	ch chan api.Transition
}

func NewChannelSubscriber(bufSize int) *ChannelSubscriber {
	return &ChannelSubscriber{ch: make(chan api.Transition, bufSize)}
}

func (s *ChannelSubscriber) OnTransition(t api.Transition) {
	select {
	case s.ch <- t:
	default:
	}
}

func (s *ChannelSubscriber) Transitions() <-chan api.Transition {
	return s.ch
}

// Pipeline appends to the log and then publishes.
type Pipeline struct {
	Log Log
	Bus *Bus
}

// NewPipeline creates a pipeline over log.
func NewPipeline(log Log) *Pipeline {
	return &Pipeline{Log: log, Bus: NewBus()}
}

// Record stores and publishes t, stamping its time when unset.
func (p *Pipeline) Record(ctx context.Context, t api.Transition) error {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	if err := p.Log.Append(ctx, t); err != nil {
		return err
	}
	p.Bus.Publish(t)
	return nil
}

// Close closes the underlying log.
func (p *Pipeline) Close() error {
	return p.Log.Close()
}
