// SPDX-License-Identifier: GPL-3.0-only

// Package iokit implements the macOS display backend. Frames are moved either
// through the framebuffer's I2C interface or through the IOAVService attached
// to an external display controller; the first strategy that opens wins.
package iokit

import (
	"context"
	"errors"
	"fmt"

	"github.com/dimmit/dimmit/internal/ddc"
	"github.com/dimmit/dimmit/internal/display"
	"github.com/rs/zerolog/log"
)

// Name is the configuration name of this backend.
const Name = "iokit"

// Channel is an open transport to one display.
type Channel interface {
	ddc.Conn
	Close() error
}

// Strategy is one way of reaching a display's DDC/CI endpoint.
type Strategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// Codec returns the frame parameters the transport expects.
	Codec() ddc.Codec

	// Open acquires a channel to the display identified by ref.
	Open(ref display.Ref) (Channel, error)
}

// Platform lists the displays attached to the system.
type Platform interface {
	ActiveDisplays() ([]display.Ref, error)
}

// Backend enumerates active displays and opens them through the first
// strategy that succeeds.
type Backend struct {
	platform   Platform
	strategies []Strategy
}

// Verify Backend implements display.Backend interface.
var _ display.Backend = (*Backend)(nil)

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithPlatform overrides the display enumeration source.
func WithPlatform(p Platform) Option {
	return func(b *Backend) {
		b.platform = p
	}
}

// WithStrategies overrides the ordered strategy list.
func WithStrategies(strategies ...Strategy) Option {
	return func(b *Backend) {
		b.strategies = strategies
	}
}

// New creates a backend bound to the running system.
func New(opts ...Option) *Backend {
	b := &Backend{
		platform:   systemPlatform(),
		strategies: systemStrategies(),
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

// Enumerate returns every active external display.
func (b *Backend) Enumerate(ctx context.Context) ([]display.Ref, error) {
	if b.platform == nil || len(b.strategies) == 0 {
		return nil, display.ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	all, err := b.platform.ActiveDisplays()
	if err != nil {
		return nil, fmt.Errorf("failed to list active displays: %w", err)
	}

	refs := make([]display.Ref, 0, len(all))
	for _, ref := range all {
		if ref.Builtin {
			continue
		}
		ref.Backend = Name
		refs = append(refs, ref)
	}
	return refs, nil
}

// Open tries each strategy in order and keeps the first channel that opens.
func (b *Backend) Open(ctx context.Context, ref display.Ref) (display.Handle, error) {
	if ref.Builtin {
		return nil, display.ErrBuiltinDisplay
	}

	var errs []error
	for _, strategy := range b.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ch, err := strategy.Open(ref)
		if err != nil {
			log.Debug().Err(err).Str("strategy", strategy.Name()).Msg("Strategy could not open display")
			errs = append(errs, fmt.Errorf("%s: %w", strategy.Name(), err))
			continue
		}

		log.Debug().Str("strategy", strategy.Name()).Str("model", ref.Model).Msg("Display channel opened")
		return &handle{ch: ch, codec: strategy.Codec()}, nil
	}

	if len(errs) == 0 {
		return nil, display.ErrUnavailable
	}
	return nil, errors.Join(errs...)
}

type handle struct {
	ch    Channel
	codec ddc.Codec
}

func (h *handle) ReadVCP(ctx context.Context, feature byte) (ddc.VCPValue, error) {
	return ddc.GetVCP(ctx, h.ch, h.codec, feature)
}

func (h *handle) WriteVCP(ctx context.Context, feature byte, value uint16) error {
	return ddc.SetVCP(ctx, h.ch, h.codec, feature, value)
}

func (h *handle) Close() error {
	return h.ch.Close()
}
