// SPDX-License-Identifier: GPL-3.0-only

package brightness_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dimmit/dimmit/internal/brightness"
	"github.com/dimmit/dimmit/internal/ddc"
	"github.com/dimmit/dimmit/internal/display/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testWindow = 200 * time.Millisecond

type write struct {
	value uint16
	at    time.Time
}

// fakeDevice records writes and optionally blocks them until released.
type fakeDevice struct {
	mu       sync.Mutex
	writes   []write
	writeErr error
	written  chan write
	release  chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{written: make(chan write, 16)}
}

func (d *fakeDevice) ReadVCP(ctx context.Context, feature byte) (ddc.VCPValue, error) {
	return ddc.VCPValue{}, errors.New("not readable")
}

func (d *fakeDevice) WriteVCP(ctx context.Context, feature byte, value uint16) error {
	if d.release != nil {
		<-d.release
	}
	w := write{value: value, at: time.Now()}

	d.mu.Lock()
	d.writes = append(d.writes, w)
	err := d.writeErr
	d.mu.Unlock()

	d.written <- w
	return err
}

func (d *fakeDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes)
}

func waitWrite(t *testing.T, d *fakeDevice) write {
	t.Helper()
	select {
	case w := <-d.written:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a display write")
		return write{}
	}
}

func startController(t *testing.T, device brightness.Device, opts ...brightness.Option) *brightness.Controller {
	t.Helper()
	c := brightness.NewController(device, append([]brightness.Option{brightness.WithDebounce(testWindow)}, opts...)...)
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return c
}

func TestController_CoalescesBurstIntoOneWrite(t *testing.T) {
	device := newFakeDevice()
	c := startController(t, device, brightness.WithInitial(50, 100))

	require.NoError(t, c.Increase())
	require.NoError(t, c.Increase())
	require.NoError(t, c.Increase())

	snap := c.Snapshot()
	assert.Equal(t, int32(15), snap.Pending)
	assert.Equal(t, brightness.StatePendingDebounce, snap.State)

	w := waitWrite(t, device)
	assert.Equal(t, uint16(65), w.value)

	// Give a stray second write the chance to show up
	time.Sleep(testWindow + 100*time.Millisecond)
	assert.Equal(t, 1, device.count())

	snap = c.Snapshot()
	assert.Equal(t, uint16(65), snap.Current)
	assert.Equal(t, int32(0), snap.Pending)
	assert.Equal(t, brightness.StateIdle, snap.State)
}

func TestController_RejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name            string
		current         uint16
		steps           []int
		expectedErrs    []bool
		expectedPending int32
	}{
		{
			name:            "step past maximum is rejected",
			current:         98,
			steps:           []int{1},
			expectedErrs:    []bool{true},
			expectedPending: 0,
		},
		{
			name:            "step below zero is rejected",
			current:         3,
			steps:           []int{-1},
			expectedErrs:    []bool{true},
			expectedPending: 0,
		},
		{
			name:            "accumulated steps count toward the bound",
			current:         90,
			steps:           []int{1, 1, 1},
			expectedErrs:    []bool{false, false, true},
			expectedPending: 10,
		},
		{
			name:            "opposite direction is still accepted at the edge",
			current:         98,
			steps:           []int{1, -1},
			expectedErrs:    []bool{true, false},
			expectedPending: -5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Worker not started: only accumulation is under test
			c := brightness.NewController(newFakeDevice(), brightness.WithInitial(tt.current, 100))

			for i, steps := range tt.steps {
				err := c.Adjust(steps)
				if tt.expectedErrs[i] {
					assert.ErrorIs(t, err, brightness.ErrOutOfRange)
				} else {
					assert.NoError(t, err)
				}
			}

			snap := c.Snapshot()
			assert.Equal(t, tt.current, snap.Current)
			assert.Equal(t, tt.expectedPending, snap.Pending)
		})
	}
}

func TestController_RejectedRequestIssuesNoWrite(t *testing.T) {
	device := newFakeDevice()
	c := startController(t, device, brightness.WithInitial(98, 100))

	assert.ErrorIs(t, c.Increase(), brightness.ErrOutOfRange)

	time.Sleep(testWindow + 100*time.Millisecond)
	assert.Equal(t, 0, device.count())
	assert.Equal(t, uint16(98), c.Snapshot().Current)
	assert.Equal(t, brightness.StateIdle, c.Snapshot().State)
}

func TestController_WindowRestartsOnEachRequest(t *testing.T) {
	device := newFakeDevice()
	c := startController(t, device, brightness.WithInitial(50, 100))

	require.NoError(t, c.Increase())
	time.Sleep(testWindow / 2)

	second := time.Now()
	require.NoError(t, c.Increase())

	w := waitWrite(t, device)
	assert.Equal(t, uint16(60), w.value)
	assert.GreaterOrEqual(t, w.at.Sub(second), testWindow, "write must wait a full window after the last request")
	assert.Equal(t, 1, device.count())
}

func TestController_CustomStep(t *testing.T) {
	device := newFakeDevice()
	c := startController(t, device, brightness.WithInitial(20, 100), brightness.WithStep(10))

	require.NoError(t, c.Adjust(-2))

	w := waitWrite(t, device)
	assert.Equal(t, uint16(0), w.value)
}

func TestController_NetZeroIssuesNoWrite(t *testing.T) {
	device := newFakeDevice()
	c := startController(t, device, brightness.WithInitial(50, 100))

	require.NoError(t, c.Increase())
	require.NoError(t, c.Decrease())

	time.Sleep(testWindow + 100*time.Millisecond)
	assert.Equal(t, 0, device.count())
	assert.Equal(t, brightness.StateIdle, c.Snapshot().State)
}

func TestController_SetPercent(t *testing.T) {
	tests := []struct {
		name     string
		current  uint16
		max      uint16
		percent  uint8
		steps    int
		expected uint16
	}{
		{name: "scales to the display maximum", current: 10, max: 200, percent: 75, expected: 150},
		{name: "replaces pending steps", current: 50, max: 100, percent: 20, steps: 3, expected: 20},
		{name: "full brightness", current: 0, max: 65535, percent: 100, expected: 65535},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := newFakeDevice()
			c := startController(t, device, brightness.WithInitial(tt.current, tt.max))

			if tt.steps != 0 {
				require.NoError(t, c.Adjust(tt.steps))
			}
			require.NoError(t, c.SetPercent(tt.percent))
			assert.Equal(t, int32(tt.expected)-int32(tt.current), c.Snapshot().Pending)

			w := waitWrite(t, device)
			assert.Equal(t, tt.expected, w.value)
			assert.Equal(t, tt.percent, c.Snapshot().Percent())
		})
	}
}

func TestController_SetPercent_Invalid(t *testing.T) {
	device := newFakeDevice()
	c := startController(t, device, brightness.WithInitial(50, 100))

	assert.ErrorIs(t, c.SetPercent(101), brightness.ErrOutOfRange)
	assert.Equal(t, brightness.StateIdle, c.Snapshot().State)

	// The current value needs no write
	require.NoError(t, c.SetPercent(50))
	time.Sleep(testWindow + 100*time.Millisecond)
	assert.Equal(t, 0, device.count())
	assert.Equal(t, brightness.StateIdle, c.Snapshot().State)
}

func TestController_WriteFailureKeepsState(t *testing.T) {
	device := newFakeDevice()
	device.writeErr = errors.New("remote I/O error")
	c := startController(t, device, brightness.WithInitial(50, 100))

	require.NoError(t, c.Increase())
	waitWrite(t, device)

	// No automatic retry
	time.Sleep(2 * testWindow)
	assert.Equal(t, 1, device.count())

	snap := c.Snapshot()
	assert.Equal(t, uint16(50), snap.Current)
	assert.Equal(t, int32(5), snap.Pending)
	assert.Equal(t, brightness.StateIdle, snap.State)

	// The next request retries with the combined delta
	device.mu.Lock()
	device.writeErr = nil
	device.mu.Unlock()

	require.NoError(t, c.Increase())
	w := waitWrite(t, device)
	assert.Equal(t, uint16(60), w.value)
}

func TestController_RequestDuringWriteIsKept(t *testing.T) {
	device := newFakeDevice()
	device.release = make(chan struct{})
	c := startController(t, device, brightness.WithInitial(50, 100))

	require.NoError(t, c.Increase())

	require.Eventually(t, func() bool {
		return c.Snapshot().State == brightness.StateApplying
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Increase())
	device.release <- struct{}{}

	first := waitWrite(t, device)
	assert.Equal(t, uint16(55), first.value)

	device.release <- struct{}{}
	second := waitWrite(t, device)
	assert.Equal(t, uint16(60), second.value)

	require.Eventually(t, func() bool {
		snap := c.Snapshot()
		return snap.State == brightness.StateIdle && snap.Pending == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint16(60), c.Snapshot().Current)
}

func TestController_OnChange(t *testing.T) {
	device := newFakeDevice()
	changes := make(chan brightness.Snapshot, 4)
	c := startController(t, device,
		brightness.WithInitial(50, 100),
		brightness.WithOnChange(func(s brightness.Snapshot) { changes <- s }),
	)

	require.NoError(t, c.Decrease())

	select {
	case snap := <-changes:
		assert.Equal(t, uint16(45), snap.Current)
		assert.Equal(t, uint8(45), snap.Percent())
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}
}

func TestController_Resync(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	handle := mocks.NewMockHandle(ctrl)
	handle.EXPECT().
		ReadVCP(gomock.Any(), ddc.FeatureBrightness).
		Return(ddc.NewVCPValue(255, 128), nil)

	var notified []brightness.Snapshot
	c := brightness.NewController(handle, brightness.WithOnChange(func(s brightness.Snapshot) {
		notified = append(notified, s)
	}))

	require.NoError(t, c.Resync(context.Background()))

	snap := c.Snapshot()
	assert.Equal(t, uint16(128), snap.Current)
	assert.Equal(t, uint16(255), snap.Max)
	require.Len(t, notified, 1)
	assert.Equal(t, snap, notified[0])
}

func TestController_Resync_MalformedReplyKeepsCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// Reply from the wrong address
	frame := ddc.Codec{Seed: ddc.DestinationAddress, ReplyAddress: 0x6A}.
		EncodeReply(ddc.FeatureBrightness, ddc.NewVCPValue(100, 10))

	handle := mocks.NewMockHandle(ctrl)
	handle.EXPECT().
		ReadVCP(gomock.Any(), ddc.FeatureBrightness).
		DoAndReturn(func(ctx context.Context, feature byte) (ddc.VCPValue, error) {
			return ddc.DefaultCodec.DecodeGetReply(frame, feature)
		})

	c := brightness.NewController(handle, brightness.WithInitial(70, 100))

	err := c.Resync(context.Background())
	assert.ErrorIs(t, err, ddc.ErrProtocol)

	snap := c.Snapshot()
	assert.Equal(t, uint16(70), snap.Current)
	assert.Equal(t, uint16(100), snap.Max)
}

func TestController_Resync_ZeroMaximum(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	handle := mocks.NewMockHandle(ctrl)
	handle.EXPECT().ReadVCP(gomock.Any(), gomock.Any()).Return(ddc.NewVCPValue(0, 0), nil)

	c := brightness.NewController(handle)

	assert.ErrorIs(t, c.Resync(context.Background()), ddc.ErrProtocol)
	assert.Equal(t, brightness.DefaultMax, c.Snapshot().Max)
}

func TestController_StopIsIdempotent(t *testing.T) {
	c := brightness.NewController(newFakeDevice())

	// Stop before Start is a no-op
	c.Stop()

	c.Start(context.Background())
	c.Start(context.Background())
	c.Stop()
	c.Stop()
}

func TestController_StopDuringDebounce(t *testing.T) {
	device := newFakeDevice()
	c := brightness.NewController(device, brightness.WithDebounce(time.Second))
	c.Start(context.Background())

	require.NoError(t, c.Increase())

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second / 2):
		t.Fatal("Stop did not interrupt the debounce wait")
	}
	assert.Equal(t, 0, device.count())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", brightness.StateIdle.String())
	assert.Equal(t, "pending", brightness.StatePendingDebounce.String())
	assert.Equal(t, "applying", brightness.StateApplying.String())
	assert.Equal(t, "State(7)", brightness.State(7).String())
}
