// Package observe lets read-only views learn that a snapshot changed.
package observe

import "sync"

// Broadcaster fans change signals out to watchers. Signals coalesce: a slow
// watcher sees at most one pending signal and re-reads the snapshot.
type Broadcaster struct {
	mu       sync.Mutex
	watchers map[chan struct{}]struct{}
}

// Watch returns a signal channel and a cancel func that releases it.
func (b *Broadcaster) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	if b.watchers == nil {
		b.watchers = make(map[chan struct{}]struct{})
	}
	b.watchers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.watchers, ch)
			b.mu.Unlock()
		})
	}
}

// Notify signals every watcher without blocking.
func (b *Broadcaster) Notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
