//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// writeCharacteristic performs an acknowledged write.
func writeCharacteristic(char bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := char.Write(data)
	return err
}
