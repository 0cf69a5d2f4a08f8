// SPDX-License-Identifier: GPL-3.0-only

// Package dbus exposes the brightness controller on the D-Bus system or
// session bus.
package dbus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dimmit/dimmit/internal/brightness"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrRateLimitExceeded is returned when brightness change requests exceed the rate limit.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrInvalidSteps is returned when a step count outside 1..MaxSteps is provided.
var ErrInvalidSteps = errors.New("steps must be between 1 and 20")

// ErrInvalidPercent is returned when SetBrightness is given more than 100.
var ErrInvalidPercent = errors.New("percent must be between 0 and 100")

// ErrUnknownBus is returned for a bus name other than "system" or "session".
var ErrUnknownBus = errors.New("unknown bus")

const (
	// rateLimitPerSecond is the maximum number of brightness changes per second.
	rateLimitPerSecond = 20

	// rateLimitBurst is the maximum burst size for brightness changes.
	rateLimitBurst = 5

	// MaxSteps bounds a single Increase/DecreaseBrightness call.
	MaxSteps = 20
)

const (
	// ServiceName is the D-Bus service name.
	ServiceName = "io.github.dimmit.Dimmit"

	// ObjectPath is the D-Bus object path.
	ObjectPath = "/io/github/dimmit/Dimmit"

	// InterfaceName is the D-Bus interface name.
	InterfaceName = "io.github.dimmit.Dimmit"
)

// Bus names accepted by Start.
const (
	BusSystem  = "system"
	BusSession = "session"
)

// IntrospectXML is the D-Bus introspection XML for the service.
const IntrospectXML = `
<node name="` + ObjectPath + `">
  <interface name="` + InterfaceName + `">
    <method name="GetBrightness">
      <arg name="percent" type="u" direction="out"/>
    </method>
    <method name="GetState">
      <arg name="current" type="u" direction="out"/>
      <arg name="max" type="u" direction="out"/>
      <arg name="pending" type="i" direction="out"/>
      <arg name="state" type="s" direction="out"/>
    </method>
    <method name="IncreaseBrightness">
      <arg name="steps" type="u" direction="in"/>
    </method>
    <method name="DecreaseBrightness">
      <arg name="steps" type="u" direction="in"/>
    </method>
    <method name="SetBrightness">
      <arg name="percent" type="u" direction="in"/>
    </method>
    <signal name="BrightnessChanged">
      <arg name="percent" type="u"/>
      <arg name="current" type="u"/>
      <arg name="max" type="u"/>
    </signal>
  </interface>
  ` + introspect.IntrospectDataString + `
</node>
`

// Controller is the part of brightness.Controller the service drives.
type Controller interface {
	Adjust(steps int) error
	SetPercent(percent uint8) error
	Snapshot() brightness.Snapshot
}

// Server implements the D-Bus service for brightness control.
//
// Requests are forwarded to the controller, which coalesces them; the
// BrightnessChanged signal is emitted once per completed write through
// EmitBrightnessChanged.
type Server struct {
	conn        *dbus.Conn
	connMu      sync.RWMutex // Protects conn field only
	controller  Controller
	rateLimiter *rate.Limiter
}

// NewServer creates a new D-Bus server driving controller.
func NewServer(controller Controller) *Server {
	return &Server{
		controller:  controller,
		rateLimiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
	}
}

func connect(bus string) (*dbus.Conn, error) {
	switch bus {
	case BusSystem, "":
		return dbus.ConnectSystemBus()
	case BusSession:
		return dbus.ConnectSessionBus()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBus, bus)
	}
}

// Start connects to bus ("system" or "session") and exports the service.
func (s *Server) Start(bus string) error {
	conn, err := connect(bus)
	if err != nil {
		return fmt.Errorf("failed to connect to %s bus: %w", bus, err)
	}

	success := false
	defer func() {
		if !success {
			if closeErr := conn.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("Failed to close D-Bus connection during cleanup")
			}
		}
	}()

	if err := conn.Export(s, ObjectPath, InterfaceName); err != nil {
		return fmt.Errorf("failed to export server: %w", err)
	}

	err = conn.Export(introspect.Introspectable(IntrospectXML), ObjectPath, "org.freedesktop.DBus.Introspectable")
	if err != nil {
		return fmt.Errorf("failed to export introspectable: %w", err)
	}

	reply, err := conn.RequestName(ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already taken", ServiceName)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	success = true
	log.Info().Str("service", ServiceName).Str("bus", bus).Msg("D-Bus service started")
	return nil
}

// Stop disconnects from the bus.
func (s *Server) Stop() error {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// GetBrightness returns the cached brightness as a percentage (0-100).
func (s *Server) GetBrightness() (uint32, *dbus.Error) {
	snap := s.controller.Snapshot()
	log.Debug().Uint8("percent", snap.Percent()).Msg("Got brightness")
	return uint32(snap.Percent()), nil
}

// GetState returns the raw cached value, maximum, pending delta and
// controller state.
func (s *Server) GetState() (uint32, uint32, int32, string, *dbus.Error) {
	snap := s.controller.Snapshot()
	return uint32(snap.Current), uint32(snap.Max), snap.Pending, snap.State.String(), nil
}

// IncreaseBrightness requests steps steps up.
func (s *Server) IncreaseBrightness(steps uint32) *dbus.Error {
	return s.adjust("IncreaseBrightness", steps, 1)
}

// DecreaseBrightness requests steps steps down.
func (s *Server) DecreaseBrightness(steps uint32) *dbus.Error {
	return s.adjust("DecreaseBrightness", steps, -1)
}

// SetBrightness requests an absolute brightness percentage (0-100). Like the
// step methods it is applied after the debounce window.
func (s *Server) SetBrightness(percent uint32) *dbus.Error {
	if !s.rateLimiter.Allow() {
		log.Warn().Str("method", "SetBrightness").Msg("Rate limit exceeded")
		return dbus.MakeFailedError(ErrRateLimitExceeded)
	}

	if percent > 100 {
		return dbus.MakeFailedError(ErrInvalidPercent)
	}

	if err := s.controller.SetPercent(uint8(percent)); err != nil {
		log.Error().Err(err).Str("method", "SetBrightness").Msg("Request failed")
		return dbus.MakeFailedError(err)
	}

	log.Debug().Uint32("percent", percent).Msg("Brightness request queued")
	return nil
}

func (s *Server) adjust(method string, steps uint32, sign int) *dbus.Error {
	if !s.rateLimiter.Allow() {
		log.Warn().Str("method", method).Msg("Rate limit exceeded")
		return dbus.MakeFailedError(ErrRateLimitExceeded)
	}

	if steps == 0 || steps > MaxSteps {
		return dbus.MakeFailedError(ErrInvalidSteps)
	}

	if err := s.controller.Adjust(sign * int(steps)); err != nil {
		if errors.Is(err, brightness.ErrOutOfRange) {
			log.Debug().Err(err).Str("method", method).Msg("Request out of range")
		} else {
			log.Error().Err(err).Str("method", method).Msg("Request failed")
		}
		return dbus.MakeFailedError(err)
	}

	log.Debug().Str("method", method).Uint32("steps", steps).Msg("Brightness request queued")
	return nil
}

// EmitBrightnessChanged emits the BrightnessChanged signal. It matches the
// brightness.Controller Subscribe callback signature.
func (s *Server) EmitBrightnessChanged(snap brightness.Snapshot) {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return
	}

	err := conn.Emit(ObjectPath, InterfaceName+".BrightnessChanged",
		uint32(snap.Percent()), uint32(snap.Current), uint32(snap.Max))
	if err != nil {
		log.Error().Err(err).Msg("Failed to emit BrightnessChanged signal")
	}
}
