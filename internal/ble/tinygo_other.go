//go:build !linux

package ble

import (
	"log/slog"

	"tinygo.org/x/bluetooth"
)

// systemAdapter returns the only adapter the platform exposes.
func systemAdapter(name string) *bluetooth.Adapter {
	if name != "" {
		slog.Warn("[BLE] adapter selection is only supported on Linux, using default", "adapter", name)
	}
	return bluetooth.DefaultAdapter
}
