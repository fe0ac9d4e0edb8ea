// Package ble connects the gateway's relay to a Bluetooth Low-Energy
// peripheral. The gateway acts as a GATT server: a central writes frames
// into the RX characteristic and receives frames as notifications on the
// TX characteristic.
package ble

import (
	"context"
	"errors"
)

// Nordic UART Service UUIDs, understood by most BLE serial tooling.
const (
	DefaultServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultRXUUID      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultTXUUID      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"

	DefaultLocalName = "bridgex"

	// DefaultChunkSize fits a notification into the default ATT MTU of 23
	// minus the 3-byte ATT header.
	DefaultChunkSize = 20
)

var (
	ErrUnsupported = errors.New("ble: GATT peripheral not supported on this platform")
	ErrNotStarted  = errors.New("ble: peripheral not started")
)

// Peripheral is the hardware side of the bridge.
type Peripheral interface {
	// Start brings the peripheral up. onWrite is called with every chunk a
	// central writes; it may be called from any goroutine but never
	// concurrently with itself.
	Start(ctx context.Context, onWrite func([]byte)) error
	// Notify sends one chunk to subscribed centrals.
	Notify(data []byte) error
	// Stop tears the peripheral down.
	Stop() error
}

// GATTConfig describes the service a GATT peripheral exposes.
type GATTConfig struct {
	LocalName   string
	ServiceUUID string
	RXUUID      string
	TXUUID      string
}

func DefaultGATTConfig() GATTConfig {
	return GATTConfig{
		LocalName:   DefaultLocalName,
		ServiceUUID: DefaultServiceUUID,
		RXUUID:      DefaultRXUUID,
		TXUUID:      DefaultTXUUID,
	}
}
