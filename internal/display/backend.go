// Package display defines the capability contract shared by every DDC/CI
// backend and the types that own an open display for the daemon's lifetime.
package display

//go:generate mockgen -source=backend.go -destination=mocks/backend_mock.go -package=mocks

import (
	"context"
	"errors"

	"github.com/dimmit/dimmit/internal/ddc"
)

// ErrNoDisplayFound is returned when no backend yields a DDC-capable display.
var ErrNoDisplayFound = errors.New("no capable display found")

// ErrBuiltinDisplay is returned when asked to open an internal panel.
var ErrBuiltinDisplay = errors.New("built-in displays have no DDC channel")

// ErrUnavailable is returned by backends that are not compiled in or not
// supported on the running system.
var ErrUnavailable = errors.New("backend unavailable on this system")

// Ref identifies a candidate display without holding any resource.
type Ref struct {
	Backend   string
	Path      string
	VendorID  uint32
	ProductID uint32
	Model     string
	Builtin   bool

	// Token carries backend-private state from Enumerate to Open.
	Token any
}

// Backend enumerates and opens displays on one platform.
type Backend interface {
	// Name returns the configuration name of the backend.
	Name() string

	// Enumerate lists candidate displays. It must return once ctx is done.
	Enumerate(ctx context.Context) ([]Ref, error)

	// Open acquires exclusive access to the display identified by ref.
	Open(ctx context.Context, ref Ref) (Handle, error)
}

// Handle is an open connection to one display.
type Handle interface {
	// ReadVCP reads the current and maximum value of a VCP feature.
	ReadVCP(ctx context.Context, feature byte) (ddc.VCPValue, error)

	// WriteVCP sets a VCP feature to value.
	WriteVCP(ctx context.Context, feature byte, value uint16) error

	// Close releases the connection.
	Close() error
}
