//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// writeCharacteristic issues a plain WriteValue. BlueZ picks the write type
// from the characteristic properties, and the RACP only allows writes with
// response.
func writeCharacteristic(char bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := char.WriteWithoutResponse(data)
	return err
}
