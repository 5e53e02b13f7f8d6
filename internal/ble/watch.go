package ble

import (
	"context"
	"sync"
)

// watchable holds a current value and fans it out to subscribers. Each
// subscriber channel holds at most one pending value; a slow reader only ever
// sees the latest one.
type watchable[T any] struct {
	mu      sync.Mutex
	current T
	dup     func(T) T
	subs    map[chan T]struct{}
}

func newWatchable[T any](initial T) *watchable[T] {
	return newCopyingWatchable(initial, nil)
}

// newCopyingWatchable is like newWatchable but passes every value handed to a
// reader through dup, so each reader owns what it receives.
func newCopyingWatchable[T any](initial T, dup func(T) T) *watchable[T] {
	return &watchable[T]{current: initial, dup: dup, subs: make(map[chan T]struct{})}
}

func (w *watchable[T]) load() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.copy(w.current)
}

func (w *watchable[T]) copy(v T) T {
	if w.dup == nil {
		return v
	}
	return w.dup(v)
}

// store sets the current value and offers it to every subscriber.
func (w *watchable[T]) store(v T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = v
	for ch := range w.subs {
		offer(ch, w.copy(v))
	}
}

// watch returns a channel that immediately receives the current value and
// then every later one. The channel is closed when ctx is done.
func (w *watchable[T]) watch(ctx context.Context) <-chan T {
	ch := make(chan T, 1)
	w.mu.Lock()
	ch <- w.copy(w.current)
	w.subs[ch] = struct{}{}
	w.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.mu.Lock()
		delete(w.subs, ch)
		close(ch)
		w.mu.Unlock()
	}()
	return ch
}

// offer replaces any unread value in ch with v. Callers hold the lock that
// guards ch, so there is never a second writer.
func offer[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}
