// SPDX-License-Identifier: GPL-3.0-only

// Package ddcutil implements the display backend on top of libddcutil.
//
// The cgo binding is only compiled with the "ddcutil" build tag on Linux;
// without it the backend reports display.ErrUnavailable.
package ddcutil

import (
	"context"
	"fmt"

	"github.com/dimmit/dimmit/internal/ddc"
	"github.com/dimmit/dimmit/internal/display"
)

// Name is the configuration name of this backend.
const Name = "ddcutil"

// info describes one display as reported by the library.
type info struct {
	model       string
	mfg         string
	productCode uint16
	path        string
	ref         any
}

// library is the subset of libddcutil the backend uses.
type library interface {
	displays() ([]info, error)
	open(ref any) (conn, error)
}

// conn is an open libddcutil display handle.
type conn interface {
	getNonTableVCP(feature byte) (ddc.VCPValue, error)
	setNonTableVCP(feature, hi, lo byte) error
	close() error
}

// Backend delegates enumeration and VCP access to libddcutil.
type Backend struct {
	lib library
}

// Verify Backend implements display.Backend interface.
var _ display.Backend = (*Backend)(nil)

// New creates a backend bound to the system libddcutil.
func New() *Backend {
	return &Backend{lib: systemLibrary()}
}

// Name returns the configuration name of the backend.
func (b *Backend) Name() string {
	return Name
}

type listResult struct {
	infos []info
	err   error
}

// Enumerate returns the first display the library reports. The library call
// cannot be interrupted; when ctx ends first Enumerate returns ctx.Err() and
// the call finishes in the background.
func (b *Backend) Enumerate(ctx context.Context) ([]display.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.lib == nil {
		return nil, display.ErrUnavailable
	}

	done := make(chan listResult, 1)
	go func() {
		infos, err := b.lib.displays()
		done <- listResult{infos: infos, err: err}
	}()

	var infos []info
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("failed to list displays: %w", res.err)
		}
		infos = res.infos
	}
	if len(infos) == 0 {
		return nil, nil
	}

	first := infos[0]
	return []display.Ref{{
		Backend:   Name,
		Path:      first.path,
		ProductID: uint32(first.productCode),
		Model:     first.model,
		Token:     first.ref,
	}}, nil
}

// Open opens the display identified by ref.
func (b *Backend) Open(ctx context.Context, ref display.Ref) (display.Handle, error) {
	if ref.Builtin {
		return nil, display.ErrBuiltinDisplay
	}
	if b.lib == nil {
		return nil, display.ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := b.lib.open(ref.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to open display %s: %w", ref.Model, err)
	}
	return &handle{conn: c}, nil
}

type handle struct {
	conn conn
}

// ReadVCP returns the four value bytes the library reports.
func (h *handle) ReadVCP(ctx context.Context, feature byte) (ddc.VCPValue, error) {
	if err := ctx.Err(); err != nil {
		return ddc.VCPValue{}, err
	}
	value, err := h.conn.getNonTableVCP(feature)
	if err != nil {
		return ddc.VCPValue{}, fmt.Errorf("%w: %w", ddc.ErrTransport, err)
	}
	return value, nil
}

// WriteVCP sends value as a single low byte with a zero high byte, which is how
// libddcutil callers have always set brightness.
func (h *handle) WriteVCP(ctx context.Context, feature byte, value uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.conn.setNonTableVCP(feature, 0, byte(value)); err != nil {
		return fmt.Errorf("%w: %w", ddc.ErrTransport, err)
	}
	return nil
}

func (h *handle) Close() error {
	return h.conn.close()
}
