package ble

import (
	"context"
	"sync"
)

// Loopback is an in-memory Peripheral. It records every notification and
// lets callers inject central writes with Write. With echo enabled each
// notification is fed straight back as a central write.
type Loopback struct {
	echo bool

	mu       sync.Mutex
	onWrite  func([]byte)
	notified [][]byte
	started  bool

	writeMu sync.Mutex
}

func NewLoopback(echo bool) *Loopback {
	return &Loopback{echo: echo}
}

func (l *Loopback) Start(ctx context.Context, onWrite func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onWrite = onWrite
	l.started = true
	return nil
}

func (l *Loopback) Notify(data []byte) error {
	chunk := append([]byte(nil), data...)

	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return ErrNotStarted
	}
	l.notified = append(l.notified, chunk)
	l.mu.Unlock()

	if l.echo {
		return l.Write(chunk)
	}
	return nil
}

// Write simulates a central writing data to the RX characteristic.
func (l *Loopback) Write(data []byte) error {
	l.mu.Lock()
	onWrite, started := l.onWrite, l.started
	l.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	onWrite(append([]byte(nil), data...))
	return nil
}

// Notifications returns a copy of every chunk notified so far.
func (l *Loopback) Notifications() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.notified))
	copy(out, l.notified)
	return out
}

func (l *Loopback) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = false
	return nil
}

var _ Peripheral = (*Loopback)(nil)
