package ble

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chaz8081/easytouch-ble/internal/ble/protocol"
)

// ScanForDevices scans for thermostats advertising the EasyTouch service.
func ScanForDevices(ctx context.Context, adapter Adapter, window time.Duration) ([]Device, error) {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	devices, err := adapter.Scan(ctx, protocol.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

// ShortAddress returns the last two bytes of a device address as four upper
// case hex digits, e.g. "EEFF" for "aa:bb:cc:dd:ee:ff".
func ShortAddress(address string) string {
	parts := strings.Split(strings.ReplaceAll(address, "-", ":"), ":")
	if len(parts) < 2 {
		s := strings.ToUpper(address)
		if len(s) > 4 {
			s = s[len(s)-4:]
		}
		return s
	}
	s := strings.ToUpper(parts[len(parts)-2] + parts[len(parts)-1])
	if len(s) > 4 {
		s = s[len(s)-4:]
	}
	return s
}

// DisplayName is the advertised name followed by the short address.
func DisplayName(name, address string) string {
	if name == "" {
		name = "EasyTouch"
	}
	return name + " " + ShortAddress(address)
}

// NormalizeAddress upper-cases an address and uses ':' separators.
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(address), "-", ":"))
}
