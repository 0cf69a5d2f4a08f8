// SPDX-License-Identifier: GPL-3.0-only

package display

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultProbeTimeout bounds how long a single backend may spend enumerating.
const DefaultProbeTimeout = 3 * time.Second

// Manager owns the one display the daemon controls. It tries its backends in
// order and keeps the first display that opens.
type Manager struct {
	backends     []Backend
	probeTimeout time.Duration
	display      *Display
	mu           sync.Mutex
}

// ManagerOption is a functional option for configuring a Manager.
type ManagerOption func(*Manager)

// WithBackends sets the ordered list of backends to try.
func WithBackends(backends ...Backend) ManagerOption {
	return func(m *Manager) {
		m.backends = backends
	}
}

// WithProbeTimeout bounds enumeration time per backend.
func WithProbeTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.probeTimeout = timeout
		}
	}
}

// NewManager creates a new display manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		probeTimeout: DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open walks the backends in order and returns the first display that opens.
// Calling Open again while a display is held returns the held display.
func (m *Manager) Open(ctx context.Context) (*Display, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.display != nil {
		return m.display, nil
	}

	for _, backend := range m.backends {
		display, err := m.openFrom(ctx, backend)
		if err != nil {
			log.Debug().Err(err).Str("backend", backend.Name()).Msg("Backend yielded no display")
			continue
		}
		m.display = display
		return display, nil
	}

	return nil, ErrNoDisplayFound
}

// openFrom enumerates one backend under the probe timeout and opens the first
// external display it reports.
func (m *Manager) openFrom(ctx context.Context, backend Backend) (*Display, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	refs, err := backend.Enumerate(probeCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate displays: %w", err)
	}

	for _, ref := range refs {
		if ref.Builtin {
			log.Debug().Str("backend", backend.Name()).Str("path", ref.Path).Msg("Skipping built-in display")
			continue
		}

		handle, err := backend.Open(ctx, ref)
		if err != nil {
			log.Warn().Err(err).Str("backend", backend.Name()).Str("path", ref.Path).Msg("Failed to open display")
			continue
		}

		if ref.Backend == "" {
			ref.Backend = backend.Name()
		}
		log.Info().
			Str("backend", ref.Backend).
			Str("path", ref.Path).
			Str("model", ref.Model).
			Msg("Display opened")
		return NewDisplay(handle, ref), nil
	}

	return nil, ErrNoDisplayFound
}

// Close closes the held display. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	display := m.display
	m.display = nil
	return display.Close()
}
