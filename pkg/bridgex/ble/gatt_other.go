//go:build !linux

package ble

import (
	"context"

	"go.uber.org/zap"
)

// GATTPeripheral is only implemented on Linux (BlueZ). Elsewhere every
// method reports ErrUnsupported.
type GATTPeripheral struct{}

func NewGATTPeripheral(config GATTConfig, logger *zap.Logger) *GATTPeripheral {
	return &GATTPeripheral{}
}

func (p *GATTPeripheral) Start(ctx context.Context, onWrite func([]byte)) error {
	return ErrUnsupported
}

func (p *GATTPeripheral) Notify(data []byte) error {
	return ErrUnsupported
}

func (p *GATTPeripheral) Stop() error {
	return nil
}

var _ Peripheral = (*GATTPeripheral)(nil)
