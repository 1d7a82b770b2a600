package progress

import (
	"context"
	"sync"
)

// Broker fans out "job changed" signals. Signals carry no state; watchers re-read the store.
type Broker interface {
	Publish(ctx context.Context, jobID string) error
	// Watch returns a channel that receives at least one value after every Publish for jobID.
	// Bursts may coalesce into a single value. The returned func stops the watch.
	Watch(jobID string) (<-chan struct{}, func())
	Close() error
}

type watcher struct {
	ch chan struct{}
}

// signal never blocks; a pending value already covers this change
func (w *watcher) signal() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// MemoryBroker delivers signals within one process
type MemoryBroker struct {
	// Watchers grouped by job ID
	watchers map[string]map[*watcher]struct{}
	closed   bool
	mu       sync.RWMutex
}

// NewMemoryBroker creates an in-process broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		watchers: make(map[string]map[*watcher]struct{}),
	}
}

// Publish signals every watcher of jobID
func (b *MemoryBroker) Publish(_ context.Context, jobID string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for w := range b.watchers[jobID] {
		w.signal()
	}
	return nil
}

// Watch registers a watcher for jobID
func (b *MemoryBroker) Watch(jobID string) (<-chan struct{}, func()) {
	w := &watcher{ch: make(chan struct{}, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return w.ch, func() {}
	}
	if b.watchers[jobID] == nil {
		b.watchers[jobID] = make(map[*watcher]struct{})
	}
	b.watchers[jobID][w] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if watchers, ok := b.watchers[jobID]; ok {
				delete(watchers, w)
				if len(watchers) == 0 {
					delete(b.watchers, jobID)
				}
			}
		})
	}
}

// WatcherCount returns the number of active watchers for jobID
func (b *MemoryBroker) WatcherCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.watchers[jobID])
}

// Close drops all watchers
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.watchers = make(map[string]map[*watcher]struct{})
	return nil
}
