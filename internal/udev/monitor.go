//go:build linux

// Package udev watches DRM connector hot-plug events so the daemon can resync
// its cached brightness after a monitor is replugged or powered on.
package udev

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pilebones/go-udev/netlink"
	"github.com/rs/zerolog/log"
)

const (
	// netlinkBufferSize is the receive buffer size for the netlink socket.
	// A larger buffer prevents ENOBUFS during bursts of connector events.
	netlinkBufferSize = 2 * 1024 * 1024 // 2 MB

	// DefaultSettle is how long the monitor waits after the last hot-plug
	// event before calling the handler. Displays answer DDC only some time
	// after the link comes up.
	DefaultSettle = 2 * time.Second
)

// Handler is called once per burst of hot-plug events.
type Handler func()

// Option is a functional option for configuring a Monitor.
type Option func(*Monitor)

// WithSettle overrides DefaultSettle.
func WithSettle(d time.Duration) Option {
	return func(m *Monitor) {
		if d >= 0 {
			m.settle = d
		}
	}
}

// Monitor watches for DRM hot-plug uevents.
type Monitor struct {
	conn    *netlink.UEventConn
	handler Handler
	settle  time.Duration
	timer   *time.Timer
	quit    chan struct{}
	stopped bool
	mu      sync.Mutex
}

// NewMonitor creates a new udev monitor calling handler after hot-plug
// events settle.
func NewMonitor(handler Handler, opts ...Option) *Monitor {
	m := &Monitor{
		handler: handler,
		settle:  DefaultSettle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins monitoring. Events are processed in a background goroutine.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		return fmt.Errorf("monitor already started")
	}

	m.conn = &netlink.UEventConn{}
	if err := m.conn.Connect(netlink.UdevEvent); err != nil {
		m.conn = nil
		return fmt.Errorf("failed to connect to netlink: %w", err)
	}

	if err := setSocketBufferSize(m.conn.Fd, netlinkBufferSize); err != nil {
		log.Warn().Err(err).Int("size", netlinkBufferSize).Msg("Failed to set netlink buffer size")
	} else {
		log.Debug().Int("size", netlinkBufferSize).Msg("Netlink socket buffer size configured")
	}

	queue := make(chan netlink.UEvent)
	errs := make(chan error)

	m.quit = m.conn.Monitor(queue, errs, m.createMatcher())
	m.stopped = false

	go m.processEvents(queue, errs)

	log.Info().Dur("settle", m.settle).Msg("udev monitor started")
	return nil
}

// Stop stops the monitor, cancels a pending handler call and releases
// resources.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	if m.conn == nil || m.stopped {
		return nil
	}

	m.stopped = true

	select {
	case m.quit <- struct{}{}:
	default:
	}

	if err := m.conn.Close(); err != nil {
		return fmt.Errorf("failed to close netlink connection: %w", err)
	}

	m.conn = nil
	log.Info().Msg("udev monitor stopped")
	return nil
}

// createMatcher matches DRM "change" events carrying HOTPLUG=1, which the
// kernel sends when a connector's status changes.
func (m *Monitor) createMatcher() *netlink.RuleDefinitions {
	rules := &netlink.RuleDefinitions{}

	changeAction := "change"
	rules.AddRule(netlink.RuleDefinition{
		Action: &changeAction,
		Env: map[string]string{
			"SUBSYSTEM": "^drm$",
			"HOTPLUG":   "^1$",
		},
	})

	return rules
}

func (m *Monitor) processEvents(queue chan netlink.UEvent, errs chan error) {
	for {
		select {
		case event, ok := <-queue:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-errs:
			if !ok {
				return
			}
			m.mu.Lock()
			stopped := m.stopped
			m.mu.Unlock()
			if stopped {
				return
			}

			// Events may have been dropped; resync as if one arrived.
			if isBufferOverflowError(err) {
				log.Warn().Msg("Netlink buffer overflow detected, scheduling resync")
				m.schedule()
				continue
			}

			log.Error().Err(err).Msg("udev monitor error")
		}
	}
}

func setSocketBufferSize(fd int, size int) error {
	// SO_RCVBUFFORCE bypasses rmem_max but requires CAP_NET_ADMIN
	err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_RCVBUFFORCE, size)
	if err == nil {
		return nil
	}
	return syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_RCVBUF, size)
}

// isBufferOverflowError checks if the error is a netlink buffer overflow (ENOBUFS).
func isBufferOverflowError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENOBUFS) {
		return true
	}
	// go-udev reports some errors as plain strings
	return strings.Contains(strings.ToLower(err.Error()), "no buffer space available")
}

// handleEvent processes a single uevent.
func (m *Monitor) handleEvent(uevent netlink.UEvent) {
	if uevent.Action != netlink.CHANGE || uevent.Env["SUBSYSTEM"] != "drm" || uevent.Env["HOTPLUG"] != "1" {
		return
	}

	log.Debug().
		Str("devpath", uevent.KObj).
		Str("connector", uevent.Env["CONNECTOR"]).
		Msg("DRM hot-plug event")

	m.schedule()
}

// schedule (re)arms the settle timer.
func (m *Monitor) schedule() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handler == nil || m.stopped {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.settle, m.fire)
}

func (m *Monitor) fire() {
	m.mu.Lock()
	handler := m.handler
	stopped := m.stopped
	m.timer = nil
	m.mu.Unlock()

	if stopped || handler == nil {
		return
	}
	log.Info().Msg("Display connection changed")
	handler()
}
