package ble

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ConnectOptions configures connection establishment.
type ConnectOptions struct {
	Timeout    time.Duration // per attempt
	Attempts   int
	BackoffMax int // max backoff between attempts in seconds
}

// DefaultConnectOptions returns sensible defaults.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		Timeout:    20 * time.Second,
		Attempts:   3,
		BackoffMax: 8,
	}
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// Connect enables the adapter, connects to the meter at address and
// discovers its Glucose Service. Failed attempts are retried with
// exponential backoff until opts.Attempts is exhausted or ctx is done.
func Connect(ctx context.Context, adapter Adapter, address string, opts ConnectOptions) (*GATTTransport, error) {
	def := DefaultConnectOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = def.BackoffMax
	}

	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < opts.Attempts; attempt++ {
		// The first attempt is immediate; later ones back off.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, opts.BackoffMax)
			slog.Info("[BLE] connect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
			case <-time.After(delay):
			}
		}

		t, err := connectOnce(ctx, adapter, address, opts.Timeout)
		if err == nil {
			slog.Info("[BLE] connected", "address", address, "attempt", attempt+1)
			return t, nil
		}
		lastErr = err
		slog.Warn("[BLE] connect failed", "error", err, "attempt", attempt+1)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("ble: connect to %s: giving up after %d attempts: %w", address, opts.Attempts, lastErr)
}

func connectOnce(ctx context.Context, adapter Adapter, address string, timeout time.Duration) (*GATTTransport, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := adapter.Connect(attemptCtx, address)
	if err != nil {
		return nil, err
	}
	t, err := NewGATTTransport(conn, address)
	if err != nil {
		_ = conn.Disconnect()
		return nil, err
	}
	return t, nil
}
