// Package device exposes a channel to exactly one reader at a time, the way
// a character device with exclusive-open semantics would.
package device

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jnesss/connwatch/channel"
)

var (
	// ErrBusy is returned by Open while another session is open.
	ErrBusy = errors.New("device busy")
	// ErrClosed is returned when reading a released session or opening a closed device.
	ErrClosed = errors.New("device closed")
)

// Device owns the open flag and the pin count for one channel
type Device struct {
	name   string
	ch     channel.Channel
	logger *zap.Logger

	open   atomic.Bool
	closed atomic.Bool
	pins   atomic.Int64
}

// New creates a device reading from ch
func New(name string, ch channel.Channel, logger *zap.Logger) *Device {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Device{
		name:   name,
		ch:     ch,
		logger: logger.Named("device"),
	}
}

// Name returns the device name
func (d *Device) Name() string {
	return d.name
}

// Open starts the single consumer session. It fails with ErrBusy when a
// session is already open.
func (d *Device) Open() (*Session, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if !d.open.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	d.pins.Add(1)
	d.logger.Debug("session opened", zap.String("device", d.name))
	return &Session{dev: d}, nil
}

// IsOpen reports whether a session currently holds the device
func (d *Device) IsOpen() bool {
	return d.open.Load()
}

// Pins returns how many open sessions keep the device referenced
func (d *Device) Pins() int64 {
	return d.pins.Load()
}

// Close refuses further opens. An open session stays readable until released.
func (d *Device) Close() {
	d.closed.Store(true)
}

// Session is the consumer handle returned by Open
type Session struct {
	dev  *Device
	once sync.Once
	done atomic.Bool
}

// Read copies pending bytes of the current record into p. It never blocks:
// (0, nil) means the record is exhausted and more may arrive later.
func (s *Session) Read(p []byte) (int, error) {
	if s.done.Load() {
		return 0, ErrClosed
	}
	return s.dev.ch.ReadNext(p), nil
}

// Release ends the session. Calling it again is a no-op.
func (s *Session) Release() {
	s.once.Do(func() {
		s.done.Store(true)
		s.dev.pins.Add(-1)
		s.dev.open.Store(false)
		s.dev.logger.Debug("session released", zap.String("device", s.dev.name))
	})
}
