package ble

import (
	"errors"
	"testing"
)

var (
	_ Connection     = (*tinyGoConnection)(nil)
	_ Characteristic = (*tinyGoCharacteristic)(nil)
	_ Subscription   = (*tinyGoSubscription)(nil)
)

func TestTinyGoCharacteristicRequiresLink(t *testing.T) {
	c := &tinyGoCharacteristic{conn: &tinyGoConnection{}}

	for _, confirm := range []bool{true, false} {
		if err := c.Write([]byte("{}"), confirm); !errors.Is(err, ErrNotConnected) {
			t.Errorf("Write(confirm=%v) error = %v, want ErrNotConnected", confirm, err)
		}
	}
	if _, err := c.Read(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Read() error = %v, want ErrNotConnected", err)
	}
}

func TestTinyGoConnectionLinkErr(t *testing.T) {
	conn := &tinyGoConnection{}
	conn.connected.Store(true)
	cause := errors.New("gatt failure")

	if err := conn.linkErr(cause); errors.Is(err, ErrPeerDisconnected) {
		t.Errorf("linkErr on live link = %v, want no ErrPeerDisconnected", err)
	}

	conn.connected.Store(false)
	err := conn.linkErr(cause)
	if !errors.Is(err, ErrPeerDisconnected) || !errors.Is(err, cause) {
		t.Errorf("linkErr on dropped link = %v, want ErrPeerDisconnected wrapping cause", err)
	}
}

func TestTinyGoConnectionDisconnectIdempotent(t *testing.T) {
	conn := &tinyGoConnection{}
	if err := conn.Disconnect(); err != nil {
		t.Errorf("Disconnect() on dropped link error = %v", err)
	}
	if conn.Connected() {
		t.Error("Connected() = true after Disconnect")
	}
}
