// Package ble provides the session engine for a UVSC charging/sanitation
// controller reached over Bluetooth Low Energy. It handles scanning,
// connection management with reconnect, notification ingestion into a
// latest-value packet cache, and acknowledged command delivery.
package ble

import (
	"context"
	"strings"
)

// UVSC BLE UUIDs
const (
	ServiceUUID = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	CharUUID    = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Read fetches the current characteristic value.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	// Callbacks may arrive on any goroutine.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notifications registered with Subscribe.
	Unsubscribe() error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name         string
	Address      string
	RSSI         int
	ServiceUUIDs []string
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// ScanFilter selects which advertisements a scan reports. A device matches
// when it advertises ServiceUUID or its name contains NameContains
// (case-insensitive). An empty filter matches everything.
type ScanFilter struct {
	ServiceUUID  string
	NameContains string
}

// Match reports whether d satisfies the filter.
func (f ScanFilter) Match(d Device) bool {
	if f.ServiceUUID == "" && f.NameContains == "" {
		return true
	}
	if f.ServiceUUID != "" {
		for _, u := range d.ServiceUUIDs {
			if strings.EqualFold(u, f.ServiceUUID) {
				return true
			}
		}
	}
	if f.NameContains != "" && strings.Contains(strings.ToLower(d.Name), strings.ToLower(f.NameContains)) {
		return true
	}
	return false
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertisements to onDevice until ctx is cancelled. The
	// adapter may pre-filter on filter.ServiceUUID; callers still apply the
	// full filter. Scan returns nil when stopped by ctx.
	Scan(ctx context.Context, filter ScanFilter, onDevice func(Device)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
