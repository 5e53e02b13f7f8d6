package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/uvscctl/internal/ble/protocol"
)

// ErrNoAck is returned when every attempt went unacknowledged.
var ErrNoAck = errors.New("ble: command not acknowledged")

// RetryOptions configures acknowledged delivery.
type RetryOptions struct {
	MaxAttempts  int           // transmissions before giving up (default 5)
	AckTimeout   time.Duration // wait for the echo after each write (default 10s)
	WriteBackoff time.Duration // pause after a failed write (default 500ms)
}

// DefaultRetryOptions returns sensible defaults.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:  5,
		AckTimeout:   10 * time.Second,
		WriteBackoff: 500 * time.Millisecond,
	}
}

func (o RetryOptions) withDefaults() RetryOptions {
	def := DefaultRetryOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = def.AckTimeout
	}
	if o.WriteBackoff <= 0 {
		o.WriteBackoff = def.WriteBackoff
	}
	return o
}

// merge fills unset fields of o from base.
func (o RetryOptions) merge(base RetryOptions) RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = base.MaxAttempts
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = base.AckTimeout
	}
	if o.WriteBackoff <= 0 {
		o.WriteBackoff = base.WriteBackoff
	}
	return o
}

// SendWithRetry delivers cmd and reports whether the device acknowledged it.
// Zero fields in opts fall back to the session's retry options.
func (s *Session) SendWithRetry(ctx context.Context, cmd protocol.Command, opts RetryOptions) bool {
	return s.Deliver(ctx, cmd, opts) == nil
}

// Deliver writes cmd and waits for the device to echo it back through the
// packet cache, resending after every timeout. It returns nil on the first
// acknowledgement, ErrNotConnected if the session is not connected, or
// ErrNoAck once opts.MaxAttempts transmissions have gone unacknowledged.
//
// Concurrent calls are serialized; only one command is in flight at a time.
func (s *Session) Deliver(ctx context.Context, cmd protocol.Command, opts RetryOptions) error {
	opts = opts.merge(s.opts.Retry)
	if s.State() != Connected {
		slog.Warn("[BLE] cannot send, not connected", "command", cmd.String())
		return ErrNotConnected
	}

	select {
	case s.sendSlot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
	defer func() { <-s.sendSlot }()

	if s.State() != Connected {
		return ErrNotConnected
	}

	frame := protocol.Encode(cmd)
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		slog.Debug("[BLE] sending", "command", cmd.String(), "attempt", attempt, "of", opts.MaxAttempts)

		if err := s.write(frame); err != nil {
			if errors.Is(err, ErrNotConnected) {
				return err
			}
			slog.Warn("[BLE] write failed", "command", cmd.String(), "attempt", attempt, "error", err)
			if err := sleepCtx(ctx, opts.WriteBackoff); err != nil {
				return err
			}
			continue
		}

		ackCtx, cancel := context.WithTimeout(ctx, opts.AckTimeout)
		err := s.cache.WaitFor(ackCtx, cmd)
		cancel()
		if err == nil {
			slog.Debug("[BLE] ack received", "command", cmd.String(), "attempt", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("[BLE] ack timeout, retrying", "command", cmd.String(), "attempt", attempt)
	}

	slog.Error("[BLE] send failed", "command", cmd.String(), "attempts", opts.MaxAttempts)
	return fmt.Errorf("%w: %s after %d attempts", ErrNoAck, cmd, opts.MaxAttempts)
}

// write sends one frame on the live link.
func (s *Session) write(frame []byte) error {
	l := s.live.Load()
	if l == nil {
		return ErrNotConnected
	}
	if err := l.char.Write(frame); err != nil {
		return fmt.Errorf("ble: write: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
