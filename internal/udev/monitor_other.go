//go:build !linux

// Package udev watches DRM connector hot-plug events. Only Linux has a udev
// netlink source; elsewhere Start reports ErrUnsupported.
package udev

import (
	"errors"
	"time"
)

// DefaultSettle is how long the monitor waits after the last hot-plug event.
const DefaultSettle = 2 * time.Second

// ErrUnsupported is returned by Start on platforms without udev.
var ErrUnsupported = errors.New("hot-plug monitoring is not supported on this platform")

// Handler is called once per burst of hot-plug events.
type Handler func()

// Option is a functional option for configuring a Monitor.
type Option func(*Monitor)

// WithSettle overrides DefaultSettle.
func WithSettle(time.Duration) Option {
	return func(*Monitor) {}
}

// Monitor is inert on this platform.
type Monitor struct{}

// NewMonitor returns an inert monitor.
func NewMonitor(Handler, ...Option) *Monitor {
	return &Monitor{}
}

// Start always fails with ErrUnsupported.
func (m *Monitor) Start() error {
	return ErrUnsupported
}

// Stop does nothing.
func (m *Monitor) Stop() error {
	return nil
}
