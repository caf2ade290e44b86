//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// writeConfirmed issues a GATT write request and waits for the peripheral's
// acknowledgment.
func (c *tinyGoCharacteristic) writeConfirmed(data []byte) error {
	_, err := c.char.Write(data)
	return err
}

// disableNotifications is a no-op: CoreBluetooth and WinRT cannot take a nil
// callback, and the subscription goes away with the link, which cleanup drops
// right after unsubscribing.
func disableNotifications(*bluetooth.DeviceCharacteristic) error {
	return nil
}
