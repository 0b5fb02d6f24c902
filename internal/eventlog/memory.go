package eventlog

import (
	"context"
	"sync"

	"github.com/drewfead/schedd/internal/api"
)

// DefaultMemorySize is the capacity used when none is given.
const DefaultMemorySize = 1000

// MemoryLog keeps the most recent transitions in a ring.
type MemoryLog struct {
	mu    sync.RWMutex
	ring  []api.Transition
	start int
	count int
}

// NewMemoryLog creates a ring holding up to size transitions.
func NewMemoryLog(size int) *MemoryLog {
	if size <= 0 {
		size = DefaultMemorySize
	}
	return &MemoryLog{ring: make([]api.Transition, size)}
}

func (l *MemoryLog) Append(_ context.Context, t api.Transition) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := (l.start + l.count) % len(l.ring)
	l.ring[idx] = t
	if l.count < len(l.ring) {
		l.count++
	} else {
		l.start = (l.start + 1) % len(l.ring)
	}
	return nil
}

func (l *MemoryLog) Recent(_ context.Context, n int) ([]api.Transition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > l.count {
		n = l.count
	}
	out := make([]api.Transition, 0, n)
	for i := l.count - n; i < l.count; i++ {
		out = append(out, l.ring[(l.start+i)%len(l.ring)])
	}
	return out, nil
}

func (l *MemoryLog) Close() error { return nil }
