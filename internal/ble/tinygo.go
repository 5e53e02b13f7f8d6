package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// maxReadSize bounds a single characteristic read (the ATT maximum).
const maxReadSize = 512

// TinyGoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth on
// macOS, WinRT on Windows). On macOS device addresses are CoreBluetooth
// UUIDs rather than MAC addresses; Device.Address carries whichever the
// platform reports.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by device address
}

// NewTinyGoAdapter creates a new BLE adapter on the system default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level handler fires with connected=false when a peripheral
	// drops; route it to the matching connection's OnDisconnect callback.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		if ok {
			delete(a.connections, id)
		}
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, filter ScanFilter, onDevice func(Device)) error {
	var svc bluetooth.UUID
	hasService := filter.ServiceUUID != ""
	if hasService {
		var err error
		svc, err = bluetooth.ParseUUID(filter.ServiceUUID)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
	}

	return runScan(ctx, a.adapter, func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		d := Device{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),
		}
		if hasService && result.HasServiceUUID(svc) {
			d.ServiceUUIDs = []string{filter.ServiceUUID}
		}
		onDevice(d)
	})
}

// scanRadio is the part of *bluetooth.Adapter that scanning uses.
type scanRadio interface {
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// stopRetryInterval paces StopScan retries while the radio has not started
// scanning yet.
var stopRetryInterval = 50 * time.Millisecond

// runScan runs a blocking radio scan until ctx is done. Cancellation can land
// before the radio has registered the scan, in which case StopScan reports
// that nothing is running; it is retried until Scan returns.
func runScan(ctx context.Context, radio scanRadio, callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error {
	if ctx.Err() != nil {
		return nil
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		ticker := time.NewTicker(stopRetryInterval)
		defer ticker.Stop()
		for {
			err := radio.StopScan()
			if err == nil {
				return
			}
			if !strings.Contains(err.Error(), "no scan in progress") {
				slog.Warn("[SCAN] failed to stop scan", "error", err)
				return
			}
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()

	err := radio.Scan(callback)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks with its own timeout. Wrap it so ctx
	// cancellation returns immediately; a connection that completes after
	// the caller gave up is closed.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if result := <-ch; result.err == nil {
				_ = result.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		device := result.device
		conn := &tinyGoConnection{device: &device, adapter: a, id: device.Address.String()}

		a.mu.Lock()
		a.connections[conn.id] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

func (a *TinyGoAdapter) forget(id string) {
	a.mu.Lock()
	delete(a.connections, id)
	a.mu.Unlock()
}

// Compile-time checks.
var (
	_ Adapter   = (*TinyGoAdapter)(nil)
	_ scanRadio = (*bluetooth.Adapter)(nil)
)

type tinyGoConnection struct {
	device  *bluetooth.Device
	adapter *TinyGoAdapter
	id      string

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &tinyGoCharacteristic{char: &chars[0]}, nil
}

func (c *tinyGoConnection) Disconnect() error {
	c.adapter.forget(c.id)
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxReadSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}

func (c *tinyGoCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
