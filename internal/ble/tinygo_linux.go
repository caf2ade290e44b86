package ble

import "tinygo.org/x/bluetooth"

// writeConfirmed issues a GATT write request. BlueZ's WriteValue without a
// "type" option sends a request when the characteristic allows it, and the
// D-Bus call only returns once the peripheral has answered, so the library's
// WriteWithoutResponse is the confirmed path on this stack.
func (c *tinyGoCharacteristic) writeConfirmed(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func disableNotifications(char *bluetooth.DeviceCharacteristic) error {
	return char.EnableNotifications(nil)
}
