package ble

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Scanner accumulates discovered peripherals, deduplicated by address.
type Scanner struct {
	adapter Adapter
	filter  ScanFilter

	// startMu serializes Start and Stop so two starts cannot both install
	// a scan.
	startMu sync.Mutex

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	devices map[string]Device
	enabled bool

	changes *watchable[[]Device]
}

// NewScanner creates a scanner that reports devices matching filter.
func NewScanner(adapter Adapter, filter ScanFilter) *Scanner {
	return &Scanner{
		adapter: adapter,
		filter:  filter,
		devices: make(map[string]Device),
		changes: newCopyingWatchable([]Device{}, slices.Clone[[]Device]),
	}
}

// Start begins a new scan session. Any running scan is stopped first and the
// accumulated set is cleared. The scan runs until Stop is called or ctx is
// done.
func (s *Scanner) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	s.stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		if err := s.adapter.Enable(); err != nil {
			return fmt.Errorf("ble: enable adapter: %w", err)
		}
		s.enabled = true
	}

	s.gen++
	gen := s.gen
	s.devices = make(map[string]Device)
	s.changes.store([]Device{})

	scanCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		defer cancel()
		slog.Info("[SCAN] started", "service", s.filter.ServiceUUID, "name", s.filter.NameContains)
		err := s.adapter.Scan(scanCtx, s.filter, func(d Device) {
			s.discovered(gen, d)
		})
		if err != nil && scanCtx.Err() == nil {
			slog.Error("[SCAN] scan failed", "error", err)
			return
		}
		slog.Info("[SCAN] stopped")
	}()
	return nil
}

// Stop cancels the running scan and waits for the adapter to return. It is
// safe to call when no scan is running.
func (s *Scanner) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	s.stop()
}

func (s *Scanner) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.gen++
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Devices returns the devices found in the current scan session, sorted by
// address.
func (s *Scanner) Devices() []Device {
	return s.changes.load()
}

// Watch returns a channel that receives the current device list immediately
// and after every new discovery, until ctx is done.
func (s *Scanner) Watch(ctx context.Context) <-chan []Device {
	return s.changes.watch(ctx)
}

func (s *Scanner) discovered(gen uint64, d Device) {
	if !s.filter.Match(d) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	if _, ok := s.devices[d.Address]; ok {
		return
	}
	s.devices[d.Address] = d
	slog.Debug("[SCAN] found device", "address", d.Address, "name", d.Name, "rssi", d.RSSI)

	list := make([]Device, 0, len(s.devices))
	for _, dev := range s.devices {
		list = append(list, dev)
	}
	slices.SortFunc(list, func(a, b Device) int {
		return strings.Compare(a.Address, b.Address)
	})
	s.changes.store(list)
}

// ScanForDevices scans for timeout and returns every matching device found.
func ScanForDevices(ctx context.Context, adapter Adapter, filter ScanFilter, timeout time.Duration) ([]Device, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sc := NewScanner(adapter, filter)
	if err := sc.Start(ctx); err != nil {
		return nil, err
	}
	<-ctx.Done()
	sc.Stop()
	return sc.Devices(), nil
}
