// SPDX-License-Identifier: GPL-3.0-only

// Package brightness coalesces discrete brightness steps into debounced
// display writes and converts raw VCP values to user-facing percentages.
package brightness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dimmit/dimmit/internal/ddc"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultStep is the raw amount one step request moves brightness.
	DefaultStep = 5

	// DefaultDebounce is how long the controller waits after the last request
	// before writing to the display.
	DefaultDebounce = 200 * time.Millisecond

	// DefaultCurrent and DefaultMax are assumed until the display is read.
	DefaultCurrent uint16 = 50
	DefaultMax     uint16 = 100
)

// ErrOutOfRange is returned when a request would move brightness past zero or
// the display maximum.
var ErrOutOfRange = errors.New("brightness request out of range")

// Device is the display surface the controller drives.
type Device interface {
	ReadVCP(ctx context.Context, feature byte) (ddc.VCPValue, error)
	WriteVCP(ctx context.Context, feature byte, value uint16) error
}

// State is the phase of the debounce cycle.
type State int

const (
	StateIdle State = iota
	StatePendingDebounce
	StateApplying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePendingDebounce:
		return "pending"
	case StateApplying:
		return "applying"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	Current uint16
	Max     uint16
	Pending int32
	State   State
}

// Percent returns Current as a percentage of Max.
func (s Snapshot) Percent() uint8 {
	return ToPercent(s.Current, s.Max)
}

// Controller accumulates step requests and applies them to a Device in one
// write once no request has arrived for the debounce window.
type Controller struct {
	device   Device
	step     int32
	window   time.Duration
	feature  byte
	now      func() time.Time
	watchers []func(Snapshot)

	mu          sync.Mutex
	current     uint16
	max         uint16
	pending     int32
	lastRequest time.Time
	state       State

	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Option is a functional option for configuring a Controller.
type Option func(*Controller)

// WithStep sets the raw amount one step moves brightness.
func WithStep(step int) Option {
	return func(c *Controller) {
		if step > 0 {
			c.step = int32(step)
		}
	}
}

// WithDebounce sets the debounce window.
func WithDebounce(window time.Duration) Option {
	return func(c *Controller) {
		if window > 0 {
			c.window = window
		}
	}
}

// WithFeature sets the VCP feature code the controller drives.
func WithFeature(feature byte) Option {
	return func(c *Controller) {
		c.feature = feature
	}
}

// WithInitial seeds the cached value and maximum.
func WithInitial(current, maxValue uint16) Option {
	return func(c *Controller) {
		c.max = maxValue
		c.current = Clamp(int32(current), maxValue)
	}
}

// WithOnChange registers fn to be called after every successful write or
// resync. fn runs on the goroutine that changed the state, without the lock.
func WithOnChange(fn func(Snapshot)) Option {
	return func(c *Controller) {
		c.watchers = append(c.watchers, fn)
	}
}

// NewController creates a controller for device. Call Start to run the worker.
func NewController(device Device, opts ...Option) *Controller {
	c := &Controller{
		device:  device,
		step:    DefaultStep,
		window:  DefaultDebounce,
		feature: ddc.FeatureBrightness,
		now:     time.Now,
		current: DefaultCurrent,
		max:     DefaultMax,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers fn like WithOnChange. It may be called while the
// worker runs; fn sees every change completed after registration.
func (c *Controller) Subscribe(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// Start launches the debounce worker. It returns immediately.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.running = true

	go c.run(ctx, c.done)
}

// Stop cancels the worker and waits for it to exit. A write in flight is
// allowed to finish. Stop is safe to call more than once or before Start.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
}

// Increase requests one step up.
func (c *Controller) Increase() error {
	return c.Adjust(1)
}

// Decrease requests one step down.
func (c *Controller) Decrease() error {
	return c.Adjust(-1)
}

// Adjust requests steps steps (negative to dim). A request that would carry
// current plus pending past [0, max] in its own direction is rejected with
// ErrOutOfRange and leaves the state untouched.
func (c *Controller) Adjust(steps int) error {
	if steps == 0 {
		return nil
	}
	delta := int32(steps) * c.step

	c.mu.Lock()
	projected := int32(c.current) + c.pending + delta
	if (delta < 0 && projected < 0) || (delta > 0 && projected > int32(c.max)) {
		current, pending, maxValue := c.current, c.pending, c.max
		c.mu.Unlock()
		return fmt.Errorf("%w: %d%+d%+d outside [0, %d]", ErrOutOfRange, current, pending, delta, maxValue)
	}

	c.pending += delta
	c.requestLocked()
	return nil
}

// SetPercent requests an absolute brightness as a percentage of the display
// maximum. The request replaces any pending steps and goes through the same
// debounce window.
func (c *Controller) SetPercent(percent uint8) error {
	if percent > 100 {
		return fmt.Errorf("%w: %d%% above 100%%", ErrOutOfRange, percent)
	}

	c.mu.Lock()
	target := FromPercent(percent, c.max)
	c.pending = int32(target) - int32(c.current)
	c.requestLocked()
	return nil
}

// requestLocked records a request, releases the lock and wakes the worker.
func (c *Controller) requestLocked() {
	c.lastRequest = c.now()
	if c.state == StateIdle {
		c.state = StatePendingDebounce
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Current: c.current,
		Max:     c.max,
		Pending: c.pending,
		State:   c.state,
	}
}

// Resync reads the display and replaces the cached maximum and value. The
// cached value is kept while a write is in flight. On any error, including a
// malformed reply, the cache is unchanged.
func (c *Controller) Resync(ctx context.Context) error {
	value, err := c.device.ReadVCP(ctx, c.feature)
	if err != nil {
		return fmt.Errorf("failed to read brightness: %w", err)
	}
	if value.Max() == 0 {
		return fmt.Errorf("%w: display reports a zero maximum", ddc.ErrProtocol)
	}

	c.mu.Lock()
	c.max = value.Max()
	if c.state != StateApplying {
		c.current = Clamp(int32(value.Current()), c.max)
	} else {
		c.current = Clamp(int32(c.current), c.max)
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	log.Debug().
		Uint16("current", snap.Current).
		Uint16("max", snap.Max).
		Msg("Brightness resynced from display")
	c.notify(snap)
	return nil
}

func (c *Controller) notify(snap Snapshot) {
	c.mu.Lock()
	watchers := c.watchers
	c.mu.Unlock()

	for _, fn := range watchers {
		fn(snap)
	}
}

// run is the debounce worker.
func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(c.window)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}

		for c.settle(ctx, timer) {
		}
	}
}

// settle drives one step of the debounce cycle. It returns false once there
// is nothing left to do until the next wake.
func (c *Controller) settle(ctx context.Context, timer *time.Timer) bool {
	c.mu.Lock()
	if c.pending == 0 {
		c.state = StateIdle
		c.mu.Unlock()
		return false
	}

	if wait := c.lastRequest.Add(c.window).Sub(c.now()); wait > 0 {
		c.state = StatePendingDebounce
		c.mu.Unlock()

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-c.wake:
			timer.Stop()
		case <-timer.C:
		}
		return true
	}

	applied := c.pending
	from := c.current
	target := Clamp(int32(c.current)+applied, c.max)
	if target == c.current {
		c.pending -= applied
		c.state = StateIdle
		c.mu.Unlock()
		return true
	}
	c.state = StateApplying
	c.mu.Unlock()

	err := c.device.WriteVCP(ctx, c.feature, target)

	c.mu.Lock()
	c.state = StateIdle
	if err != nil {
		c.mu.Unlock()
		log.Error().
			Err(err).
			Uint16("from", from).
			Uint16("target", target).
			Msg("Failed to set brightness")
		return false
	}
	c.current = target
	c.pending -= applied
	snap := c.snapshotLocked()
	c.mu.Unlock()

	log.Info().
		Uint16("brightness", target).
		Uint8("percent", snap.Percent()).
		Int32("delta", applied).
		Msg("Brightness set")
	c.notify(snap)
	return true
}
