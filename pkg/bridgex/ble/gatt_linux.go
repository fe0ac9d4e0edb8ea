//go:build linux

package ble

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// GATTPeripheral exposes the bridge as a BlueZ GATT server through
// tinygo.org/x/bluetooth.
type GATTPeripheral struct {
	config  GATTConfig
	adapter *bluetooth.Adapter
	logger  *zap.Logger

	mu      sync.Mutex
	adv     *bluetooth.Advertisement
	tx      bluetooth.Characteristic
	rx      bluetooth.Characteristic
	started bool
	writeMu sync.Mutex
}

// NewGATTPeripheral returns a peripheral on the default adapter.
func NewGATTPeripheral(config GATTConfig, logger *zap.Logger) *GATTPeripheral {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GATTPeripheral{
		config:  config,
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
	}
}

func (p *GATTPeripheral) Start(ctx context.Context, onWrite func([]byte)) error {
	serviceUUID, err := bluetooth.ParseUUID(p.config.ServiceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}
	rxUUID, err := bluetooth.ParseUUID(p.config.RXUUID)
	if err != nil {
		return fmt.Errorf("ble: parse RX UUID: %w", err)
	}
	txUUID, err := bluetooth.ParseUUID(p.config.TXUUID)
	if err != nil {
		return fmt.Errorf("ble: parse TX UUID: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	err = p.adapter.AddService(&bluetooth.Service{
		UUID: serviceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &p.rx,
				UUID:   rxUUID,
				Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					data := make([]byte, len(value))
					copy(data, value)
					p.writeMu.Lock()
					defer p.writeMu.Unlock()
					onWrite(data)
				},
			},
			{
				Handle: &p.tx,
				UUID:   txUUID,
				Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicReadPermission,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ble: add service: %w", err)
	}

	adv := p.adapter.DefaultAdvertisement()
	err = adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    p.config.LocalName,
		ServiceUUIDs: []bluetooth.UUID{serviceUUID},
	})
	if err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}

	p.adv = adv
	p.started = true
	p.logger.Info("BLE peripheral advertising",
		zap.String("local_name", p.config.LocalName),
		zap.String("service", p.config.ServiceUUID),
	)
	return nil
}

func (p *GATTPeripheral) Notify(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrNotStarted
	}
	if _, err := p.tx.Write(data); err != nil {
		return fmt.Errorf("ble: notify: %w", err)
	}
	return nil
}

func (p *GATTPeripheral) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.started = false
	if err := p.adv.Stop(); err != nil {
		return fmt.Errorf("ble: stop advertising: %w", err)
	}
	p.logger.Info("BLE peripheral stopped")
	return nil
}

var _ Peripheral = (*GATTPeripheral)(nil)
