package ble

import "tinygo.org/x/bluetooth"

// systemAdapter selects a BlueZ controller by name.
func systemAdapter(name string) *bluetooth.Adapter {
	if name == "" {
		return bluetooth.DefaultAdapter
	}
	return bluetooth.NewAdapter(name)
}
