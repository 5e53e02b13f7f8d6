package ble

import (
	"context"
	"maps"
	"sync"

	"github.com/chaz8081/uvscctl/internal/ble/protocol"
)

// Snapshot is a copy of the packet cache contents. Changing it does not
// affect the cache.
type Snapshot map[string]protocol.Packet

func cloneSnapshot(s Snapshot) Snapshot { return maps.Clone(s) }

// Cache maps each protocol key to the most recent packet received for it.
//
// Only the owning Session writes to a Cache; any number of readers may call
// Get, Snapshot, Observe and WaitFor concurrently.
type Cache struct {
	mu      sync.RWMutex
	entries Snapshot
	waiters map[*ackWaiter]struct{}
	changes *watchable[Snapshot]
}

type ackWaiter struct {
	cmd  protocol.Command
	done chan struct{}
}

func newCache() *Cache {
	empty := Snapshot{}
	return &Cache{
		entries: empty,
		waiters: make(map[*ackWaiter]struct{}),
		changes: newCopyingWatchable(empty, cloneSnapshot),
	}
}

// Get returns the latest packet for key.
func (c *Cache) Get(key string) (protocol.Packet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.entries[key]
	return p, ok
}

// Len returns the number of distinct keys held.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns a copy of the current mapping.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneSnapshot(c.entries)
}

// Observe returns a channel that receives the current snapshot immediately
// and a new snapshot after every change, until ctx is done. Every receiver
// gets its own copy.
func (c *Cache) Observe(ctx context.Context) <-chan Snapshot {
	return c.changes.watch(ctx)
}

// WaitFor blocks until the cache holds a packet that acknowledges cmd, or ctx
// is done. A match that is replaced before the caller wakes up still counts.
func (c *Cache) WaitFor(ctx context.Context, cmd protocol.Command) error {
	w := &ackWaiter{cmd: cmd, done: make(chan struct{})}
	c.mu.Lock()
	if p, ok := c.entries[cmd.Key]; ok && cmd.Acknowledged(p) {
		c.mu.Unlock()
		return nil
	}
	c.waiters[w] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, w)
		c.mu.Unlock()
	}()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ingest stores p as the latest packet for its key. The map is replaced
// rather than mutated, so readers copying the previous one never race it.
func (c *Cache) ingest(p protocol.Packet) {
	c.mu.Lock()
	if prev, ok := c.entries[p.Key]; ok && prev == p {
		c.mu.Unlock()
		return
	}
	next := maps.Clone(c.entries)
	next[p.Key] = p
	c.entries = next
	for w := range c.waiters {
		if w.cmd.Acknowledged(p) {
			close(w.done)
			delete(c.waiters, w)
		}
	}
	c.mu.Unlock()
	c.changes.store(next)
}

// clear empties the cache.
func (c *Cache) clear() {
	c.mu.Lock()
	if len(c.entries) == 0 {
		c.mu.Unlock()
		return
	}
	empty := Snapshot{}
	c.entries = empty
	c.mu.Unlock()
	c.changes.store(empty)
}
