package display

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dimmit/dimmit/internal/ddc"
)

// ErrDisplayClosed is returned when an operation is attempted on a closed display.
var ErrDisplayClosed = errors.New("display is closed")

// Display is the daemon's single open display. All methods are thread-safe;
// hardware access is serialized so a resync never interleaves with a write.
type Display struct {
	handle Handle
	ref    Ref
	mu     sync.Mutex
	closed bool
}

// NewDisplay wraps an open handle.
func NewDisplay(handle Handle, ref Ref) *Display {
	return &Display{handle: handle, ref: ref}
}

// Ref returns the enumeration result the display was opened from.
// This method does not require locking as the ref is immutable.
func (d *Display) Ref() Ref {
	return d.ref
}

// ReadVCP reads a VCP feature from the display.
func (d *Display) ReadVCP(ctx context.Context, feature byte) (ddc.VCPValue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.handle == nil {
		return ddc.VCPValue{}, ErrDisplayClosed
	}

	value, err := d.handle.ReadVCP(ctx, feature)
	if err != nil {
		return ddc.VCPValue{}, fmt.Errorf("failed to read VCP 0x%02x: %w", feature, err)
	}
	return value, nil
}

// WriteVCP writes a VCP feature to the display.
func (d *Display) WriteVCP(ctx context.Context, feature byte, value uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.handle == nil {
		return ErrDisplayClosed
	}

	if err := d.handle.WriteVCP(ctx, feature, value); err != nil {
		return fmt.Errorf("failed to write VCP 0x%02x: %w", feature, err)
	}
	return nil
}

// Close closes the underlying handle. It is safe to call more than once and on
// a nil or never-opened display.
func (d *Display) Close() error {
	if d == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.handle == nil {
		d.closed = true
		return nil // Already closed
	}

	d.closed = true
	return d.handle.Close()
}
