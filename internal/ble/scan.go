package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/glucose-racp/internal/ble/protocol"
)

// ErrDeviceNotFound is returned when no scan matched the target.
var ErrDeviceNotFound = errors.New("ble: device not found")

// Target identifies the meter to connect to.
type Target struct {
	Address string
	Name    string // case-insensitive substring of the advertised name
}

// Matches reports whether d is the target: by address first, then by name.
func (t Target) Matches(d Device) bool {
	if t.Address != "" && strings.EqualFold(t.Address, d.Address) {
		return true
	}
	return t.Name != "" && d.Name != "" &&
		strings.Contains(strings.ToLower(d.Name), strings.ToLower(t.Name))
}

func (t Target) String() string {
	switch {
	case t.Address != "" && t.Name != "":
		return fmt.Sprintf("%s (%s)", t.Address, t.Name)
	case t.Address != "":
		return t.Address
	default:
		return t.Name
	}
}

// ScanOptions configures repeated discovery.
type ScanOptions struct {
	Timeout  time.Duration // per scan
	Attempts int
	Interval time.Duration // pause between scans
}

// DefaultScanOptions returns sensible defaults.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		Timeout:  10 * time.Second,
		Attempts: 10,
		Interval: 2 * time.Second,
	}
}

// ScanForDevices scans for meters advertising the Glucose Service.
func ScanForDevices(ctx context.Context, adapter Adapter, timeout time.Duration) ([]Device, error) {
	return scan(ctx, adapter, protocol.GlucoseServiceID, timeout)
}

// FindDevice runs one unfiltered scan and returns the first device matching
// target. Meters often omit the service UUID from their advertisement, so
// the scan does not filter on it.
func FindDevice(ctx context.Context, adapter Adapter, target Target, timeout time.Duration) (Device, error) {
	devices, err := scan(ctx, adapter, 0, timeout)
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if target.Matches(d) {
			slog.Info("[BLE] found device", "name", d.Name, "address", d.Address, "rssi", d.RSSI)
			return d, nil
		}
	}
	slog.Debug("[BLE] target not in scan results", "target", target.String(), "seen", len(devices))
	return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, target)
}

// WaitForDevice repeats FindDevice until the meter shows up, which it
// usually does only while its Bluetooth transfer mode is active.
func WaitForDevice(ctx context.Context, adapter Adapter, target Target, opts ScanOptions) (Device, error) {
	def := DefaultScanOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}

	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		slog.Info("[BLE] scanning for device", "target", target.String(), "attempt", attempt, "of", opts.Attempts)
		d, err := FindDevice(ctx, adapter, target, opts.Timeout)
		if err == nil {
			return d, nil
		}
		lastErr = err
		if !errors.Is(err, ErrDeviceNotFound) || attempt == opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return Device{}, fmt.Errorf("ble: wait for device: %w", ctx.Err())
		case <-time.After(opts.Interval):
		}
	}
	return Device{}, lastErr
}

func scan(ctx context.Context, adapter Adapter, service protocol.CharacteristicID, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}
