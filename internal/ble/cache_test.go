package ble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/uvscctl/internal/ble/protocol"
)

func TestCacheReplacesPerKey(t *testing.T) {
	c := newCache()
	c.ingest(protocol.Decode("ACS:100"))
	c.ingest(protocol.Decode("ACHS:12"))
	c.ingest(protocol.Decode("ACS:200"))

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	p, ok := c.Get("ACS")
	if !ok || p.Value != "200" {
		t.Errorf("Get(ACS) = %+v, %v, want value 200", p, ok)
	}
	if p.Kind != protocol.KindChargeStatus {
		t.Errorf("Get(ACS).Kind = %v, want %v", p.Kind, protocol.KindChargeStatus)
	}
}

func TestCacheSnapshotIsStable(t *testing.T) {
	c := newCache()
	c.ingest(protocol.Decode("ACS:100"))
	before := c.Snapshot()
	c.ingest(protocol.Decode("ACS:200"))

	if got := before["ACS"].Value; got != "100" {
		t.Errorf("old snapshot changed: ACS = %q, want 100", got)
	}
	if got := c.Snapshot()["ACS"].Value; got != "200" {
		t.Errorf("new snapshot ACS = %q, want 200", got)
	}
}

func TestCacheSnapshotWritesDoNotReachCache(t *testing.T) {
	c := newCache()
	c.ingest(protocol.Decode("ACS:100"))

	snap := c.Snapshot()
	delete(snap, "ACS")
	snap["FAKE"] = protocol.Packet{Kind: protocol.KindRaw, Key: "FAKE", Value: "1"}

	if p, ok := c.Get("ACS"); !ok || p.Value != "100" {
		t.Errorf("Get(ACS) = %+v, %v, want value 100", p, ok)
	}
	if _, ok := c.Get("FAKE"); ok {
		t.Error("Get(FAKE) found an entry written into a snapshot")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.WaitFor(ctx, protocol.Command{Key: "FAKE", Value: "1"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitFor(FAKE:1) = %v, want deadline exceeded", err)
	}
}

func TestCacheObservedSnapshotsAreCopies(t *testing.T) {
	c := newCache()
	c.ingest(protocol.Decode("ACS:100"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := c.Observe(ctx)
	second := c.Observe(ctx)

	snap := <-first
	snap["ACS"] = protocol.Packet{Kind: protocol.KindChargeStatus, Key: "ACS", Value: "200"}
	snap["FAKE"] = protocol.Packet{Kind: protocol.KindRaw, Key: "FAKE", Value: "1"}

	if other := <-second; other["ACS"].Value != "100" || len(other) != 1 {
		t.Errorf("second observer saw %v, want only ACS:100", other)
	}
	if p, _ := c.Get("ACS"); p.Value != "100" {
		t.Errorf("Get(ACS) = %q, want 100", p.Value)
	}

	// A later ingest must not be confused by the edited copy.
	c.ingest(protocol.Decode("ACHT:5"))
	if got := <-first; len(got) != 2 || got["ACS"].Value != "100" {
		t.Errorf("next snapshot = %v, want ACS:100 and ACHT:5", got)
	}
}

func TestCacheObserveReplaysLatest(t *testing.T) {
	c := newCache()
	c.ingest(protocol.Decode("ACS:100"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := c.Observe(ctx)

	select {
	case snap := <-ch:
		if snap["ACS"].Value != "100" {
			t.Errorf("replayed snapshot ACS = %q, want 100", snap["ACS"].Value)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot replayed on subscribe")
	}

	c.ingest(protocol.Decode("ACHT:5"))
	select {
	case snap := <-ch:
		if len(snap) != 2 {
			t.Errorf("snapshot has %d keys, want 2", len(snap))
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after ingest")
	}
}

func TestCacheObserveSkipsIdenticalPacket(t *testing.T) {
	c := newCache()
	c.ingest(protocol.Decode("ACS:100"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := c.Observe(ctx)
	<-ch

	c.ingest(protocol.Decode("ACS:100"))
	select {
	case snap := <-ch:
		t.Errorf("unexpected emission for identical packet: %v", snap)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCacheObserveClosesOnCancel(t *testing.T) {
	c := newCache()
	ctx, cancel := context.WithCancel(context.Background())
	ch := c.Observe(ctx)
	<-ch
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestCacheClear(t *testing.T) {
	c := newCache()
	c.ingest(protocol.Decode("ACS:100"))
	c.ingest(protocol.Decode("UVTime:2024-01-01 00:00:00"))
	c.clear()

	if c.Len() != 0 {
		t.Errorf("Len() after clear = %d, want 0", c.Len())
	}
	if _, ok := c.Get("ACS"); ok {
		t.Error("ACS still present after clear")
	}
}

func TestCacheWaitForMatch(t *testing.T) {
	c := newCache()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- c.WaitFor(ctx, protocol.SetMode(protocol.ModeChargeOff)) }()

	time.Sleep(10 * time.Millisecond)
	c.ingest(protocol.Decode("ACS:100")) // wrong value
	c.ingest(protocol.Decode("ACS:200"))
	c.ingest(protocol.Decode("ACS:100")) // replaced before the waiter runs

	if err := <-errc; err != nil {
		t.Errorf("WaitFor() = %v, want nil", err)
	}
}

func TestCacheWaitForAlreadyPresent(t *testing.T) {
	c := newCache()
	c.ingest(protocol.Decode("ACS:200"))
	if err := c.WaitFor(context.Background(), protocol.SetMode(protocol.ModeChargeOff)); err != nil {
		t.Errorf("WaitFor() = %v, want nil", err)
	}
}

func TestCacheWaitForTimeout(t *testing.T) {
	c := newCache()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c.ingest(protocol.Decode("ACS:100"))
	err := c.WaitFor(ctx, protocol.SetMode(protocol.ModeChargeOff))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitFor() = %v, want deadline exceeded", err)
	}
	c.mu.RLock()
	n := len(c.waiters)
	c.mu.RUnlock()
	if n != 0 {
		t.Errorf("%d waiters left registered", n)
	}
}

func TestCacheRawEchoMustMatchVerbatim(t *testing.T) {
	c := newCache()
	cmd := protocol.Command{Key: "FOO", Value: "bar"}
	c.ingest(protocol.Decode("FOO:bar\r\n"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.WaitFor(ctx, cmd); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitFor() with CR/LF echo = %v, want deadline exceeded", err)
	}

	c.ingest(protocol.Decode("FOO:bar"))
	if err := c.WaitFor(context.Background(), cmd); err != nil {
		t.Errorf("WaitFor() with exact echo = %v, want nil", err)
	}
}
