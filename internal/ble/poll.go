package ble

import (
	"context"
	"log/slog"
	"time"
)

// pollCharacteristic reads char every interval and hands each value to
// deliver until ctx is done. It is the fallback for peripherals that update
// the characteristic without notifying.
func pollCharacteristic(ctx context.Context, char Characteristic, interval time.Duration, deliver func([]byte)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		data, err := char.Read()
		if err != nil {
			slog.Debug("[BLE] poll read failed", "error", err)
			continue
		}
		if len(data) == 0 {
			continue
		}
		deliver(data)
	}
}
