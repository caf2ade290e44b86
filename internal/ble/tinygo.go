package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"
)

// readBufferSize bounds a single characteristic read. Status payloads are
// a few hundred bytes of JSON.
const readBufferSize = 2048

// TinyGoAdapter wraps tinygo-org/bluetooth on Linux (BlueZ), macOS
// (CoreBluetooth) and Windows (WinRT). On macOS device addresses are
// CoreBluetooth UUIDs rather than MAC addresses; both are carried as plain
// strings. Confirmed writes and notification release differ per host stack;
// see tinygo_linux.go and tinygo_confirmed.go.
type TinyGoAdapter struct {
	adapter        *bluetooth.Adapter
	connectTimeout time.Duration

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by upper-case address
}

// NewTinyGoAdapter creates a BLE adapter backed by the default host adapter.
// connectTimeout bounds each connection attempt inside the stack.
func NewTinyGoAdapter(connectTimeout time.Duration) *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:        bluetooth.DefaultAdapter,
		connectTimeout: connectTimeout,
		connections:    make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The stack reports peripheral disconnects through the adapter-level
	// connect handler (connected=false).
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := strings.ToUpper(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.connected.Store(false)
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		addr := strings.ToUpper(result.Address.String())
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{
			Name:    result.LocalName(),
			Address: addr,
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	params := bluetooth.ConnectionParams{}
	if a.connectTimeout > 0 {
		params.ConnectionTimeout = bluetooth.NewDuration(a.connectTimeout)
	}

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, params)
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect cannot be cancelled. If it succeeds later
		// the link is dropped straight away.
		go func() {
			if result := <-ch; result.err == nil {
				_ = result.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &tinyGoConnection{device: result.device}
		conn.connected.Store(true)

		a.mu.Lock()
		a.connections[strings.ToUpper(address)] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device    bluetooth.Device
	connected atomic.Bool
}

func (c *tinyGoConnection) DiscoverServices(ctx context.Context) (Catalog, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, c.linkErr(fmt.Errorf("ble: discover services: %w", err))
	}

	catalog := make(Catalog)
	for _, svc := range svcs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, c.linkErr(fmt.Errorf("ble: discover characteristics of %s: %w", svc.UUID().String(), err))
		}
		for i := range chars {
			ch := &tinyGoCharacteristic{conn: c, char: chars[i]}
			catalog[ch.UUID()] = ch
		}
	}
	return catalog, nil
}

func (c *tinyGoConnection) Connected() bool {
	return c.connected.Load()
}

func (c *tinyGoConnection) Disconnect() error {
	if !c.connected.Swap(false) {
		return nil
	}
	return c.device.Disconnect()
}

// linkErr tags err with ErrPeerDisconnected when the link went down underneath it.
func (c *tinyGoConnection) linkErr(err error) error {
	if c.connected.Load() {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPeerDisconnected, err)
}

type tinyGoCharacteristic struct {
	conn *tinyGoConnection
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) UUID() string {
	return strings.ToLower(c.char.UUID().String())
}

func (c *tinyGoCharacteristic) Write(data []byte, confirm bool) error {
	if !c.conn.connected.Load() {
		return ErrNotConnected
	}
	var err error
	if confirm {
		err = c.writeConfirmed(data)
	} else {
		_, err = c.char.WriteWithoutResponse(data)
	}
	if err != nil {
		return c.conn.linkErr(fmt.Errorf("ble: write %s: %w", c.UUID(), err))
	}
	return nil
}

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	if !c.conn.connected.Load() {
		return nil, ErrNotConnected
	}
	buf := make([]byte, readBufferSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, c.conn.linkErr(fmt.Errorf("ble: read %s: %w", c.UUID(), err))
	}
	return buf[:n], nil
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) (Subscription, error) {
	err := c.char.EnableNotifications(func(buf []byte) {
		// The stack may reuse buf after the callback returns.
		data := make([]byte, len(buf))
		copy(data, buf)
		cb(data)
	})
	if err != nil {
		return nil, c.conn.linkErr(fmt.Errorf("ble: subscribe %s: %w", c.UUID(), err))
	}
	return &tinyGoSubscription{char: c.char}, nil
}

type tinyGoSubscription struct {
	char bluetooth.DeviceCharacteristic
	once sync.Once
}

// Unsubscribe disables notifications; later calls are no-ops.
func (s *tinyGoSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = disableNotifications(&s.char)
	})
	return err
}
