// SPDX-License-Identifier: GPL-3.0-only

// Package i2cdev implements the display backend over raw I2C buses: Linux
// i2c-dev through periph.io and NetBSD iic(4) through I2C_IOCTL_EXEC.
package i2cdev

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dimmit/dimmit/internal/ddc"
	"github.com/dimmit/dimmit/internal/display"
	"github.com/rs/zerolog/log"
)

// Name is the configuration name of this backend.
const Name = "i2cdev"

// DefaultSysfsRoot is where internal connector links are looked up.
const DefaultSysfsRoot = "/sys"

// internalConnectors are DRM connector types wired to built-in panels.
var internalConnectors = []string{"eDP", "LVDS", "DSI"}

// Bus is one open I2C adapter.
type Bus interface {
	// Tx writes w then reads len(r) bytes from the 7-bit address addr.
	// Either side may be empty.
	Tx(addr uint16, w, r []byte) error
	Close() error
}

// Candidate names a bus that may have a display behind it.
type Candidate struct {
	// Name is what the driver opens the bus by.
	Name string

	// Path is the device node, used for logs and built-in detection.
	Path string
}

// Driver lists and opens the buses of one platform.
type Driver interface {
	Candidates() ([]Candidate, error)
	Open(name string) (Bus, error)
}

// Backend probes I2C buses for a display answering DDC/CI.
type Backend struct {
	driver    Driver
	buses     []string
	codec     ddc.Codec
	sysfsRoot string
}

// Verify Backend implements display.Backend interface.
var _ display.Backend = (*Backend)(nil)

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithDriver overrides the platform bus driver.
func WithDriver(d Driver) Option {
	return func(b *Backend) {
		b.driver = d
	}
}

// WithBuses restricts probing to the given buses, in order.
func WithBuses(buses ...string) Option {
	return func(b *Backend) {
		b.buses = buses
	}
}

// WithReplyAddress sets the address expected in the first reply byte.
// A zero value keeps the platform default.
func WithReplyAddress(addr byte) Option {
	return func(b *Backend) {
		if addr != 0 {
			b.codec.ReplyAddress = addr
		}
	}
}

// WithSysfsRoot changes where DRM connector links are read from.
func WithSysfsRoot(root string) Option {
	return func(b *Backend) {
		if root != "" {
			b.sysfsRoot = root
		}
	}
}

// New creates a backend bound to the running platform.
func New(opts ...Option) *Backend {
	b := &Backend{
		driver:    systemDriver(),
		codec:     ddc.Codec{Seed: ddc.DestinationAddress, ReplyAddress: defaultReplyAddress},
		sysfsRoot: DefaultSysfsRoot,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the configuration name of the backend.
func (b *Backend) Name() string {
	return Name
}

// Enumerate probes each candidate bus with a brightness read and returns the
// first bus that answers. Buses wired to built-in panels are never probed.
func (b *Backend) Enumerate(ctx context.Context) ([]display.Ref, error) {
	if b.driver == nil {
		return nil, display.ErrUnavailable
	}

	candidates, err := b.candidates()
	if err != nil {
		return nil, err
	}

	builtin := b.builtinBuses()
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if builtin[filepath.Base(c.Path)] {
			log.Debug().Str("bus", c.Path).Msg("Skipping bus of built-in panel")
			continue
		}

		if err := b.probe(ctx, c); err != nil {
			log.Debug().Err(err).Str("bus", c.Path).Msg("Bus did not answer DDC/CI")
			continue
		}

		return []display.Ref{{
			Backend: Name,
			Path:    c.Path,
			Model:   c.Path,
			Token:   c.Name,
		}}, nil
	}

	return nil, nil
}

// Open opens the bus identified by ref.
func (b *Backend) Open(ctx context.Context, ref display.Ref) (display.Handle, error) {
	if ref.Builtin {
		return nil, display.ErrBuiltinDisplay
	}
	if b.driver == nil {
		return nil, display.ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name, _ := ref.Token.(string)
	if name == "" {
		name = ref.Path
	}

	bus, err := b.driver.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open bus %s: %w", name, err)
	}
	return &handle{conn: &busConn{bus: bus}, codec: b.codec}, nil
}

func (b *Backend) candidates() ([]Candidate, error) {
	if len(b.buses) > 0 {
		out := make([]Candidate, 0, len(b.buses))
		for _, bus := range b.buses {
			out = append(out, Candidate{Name: bus, Path: bus})
		}
		return out, nil
	}

	out, err := b.driver.Candidates()
	if err != nil {
		return nil, fmt.Errorf("failed to list i2c buses: %w", err)
	}
	return out, nil
}

func (b *Backend) probe(ctx context.Context, c Candidate) error {
	bus, err := b.driver.Open(c.Name)
	if err != nil {
		return err
	}
	defer bus.Close()

	_, err = ddc.GetVCP(ctx, &busConn{bus: bus}, b.codec, ddc.FeatureBrightness)
	return err
}

// builtinBuses returns the device names ("i2c-N") that DRM exposes as the DDC
// channel of an internal connector.
func (b *Backend) builtinBuses() map[string]bool {
	out := make(map[string]bool)
	for _, connector := range internalConnectors {
		pattern := filepath.Join(b.sysfsRoot, "class", "drm", "card*-"+connector+"-*", "ddc")
		links, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, link := range links {
			target, err := os.Readlink(link)
			if err != nil {
				continue
			}
			name := filepath.Base(target)
			if strings.HasPrefix(name, "i2c-") {
				out[name] = true
			}
		}
	}
	return out
}

// busConn adapts a Bus to ddc.Conn at the DDC/CI slave address.
type busConn struct {
	bus Bus
}

func (c *busConn) Write(frame []byte) error {
	return c.bus.Tx(ddc.SlaveAddress, frame, nil)
}

func (c *busConn) Read(buf []byte) error {
	return c.bus.Tx(ddc.SlaveAddress, nil, buf)
}

type handle struct {
	conn  *busConn
	codec ddc.Codec
}

func (h *handle) ReadVCP(ctx context.Context, feature byte) (ddc.VCPValue, error) {
	return ddc.GetVCP(ctx, h.conn, h.codec, feature)
}

func (h *handle) WriteVCP(ctx context.Context, feature byte, value uint16) error {
	return ddc.SetVCP(ctx, h.conn, h.codec, feature, value)
}

func (h *handle) Close() error {
	return h.conn.bus.Close()
}
