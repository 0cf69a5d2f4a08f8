// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"errors"
	"io/fs"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimmit/dimmit/internal/brightness"
	"github.com/dimmit/dimmit/internal/config"
	"github.com/dimmit/dimmit/internal/display/ddcutil"
	"github.com/dimmit/dimmit/internal/display/i2cdev"
	"github.com/dimmit/dimmit/internal/display/iokit"
)

type fakeResyncer struct {
	err      error
	calls    atomic.Int32
	snapshot brightness.Snapshot
}

func (f *fakeResyncer) Resync(ctx context.Context) error {
	f.calls.Add(1)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return f.err
}

func (f *fakeResyncer) Snapshot() brightness.Snapshot {
	return f.snapshot
}

func TestBuildBackends(t *testing.T) {
	cfg := &config.Config{
		Backends: []string{config.BackendI2CDev, config.BackendDDCUtil, config.BackendIOKit},
		I2C: config.I2CConfig{
			Buses:        []string{"i2c-3"},
			ReplyAddress: 0x6F,
		},
	}

	backends, err := buildBackends(cfg)
	require.NoError(t, err)
	require.Len(t, backends, 3)

	assert.Equal(t, i2cdev.Name, backends[0].Name())
	assert.Equal(t, ddcutil.Name, backends[1].Name())
	assert.Equal(t, iokit.Name, backends[2].Name())

	_, ok := backends[0].(*i2cdev.Backend)
	assert.True(t, ok)
}

func TestBuildBackends_Unknown(t *testing.T) {
	_, err := buildBackends(&config.Config{Backends: []string{"hidapi"}})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestApplyLogLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())

	tests := []struct {
		name     string
		level    string
		verbose  bool
		expected zerolog.Level
	}{
		{name: "info", level: "info", expected: zerolog.InfoLevel},
		{name: "warn", level: "warn", expected: zerolog.WarnLevel},
		{name: "verbose raises info to debug", level: "info", verbose: true, expected: zerolog.DebugLevel},
		{name: "verbose keeps trace", level: "trace", verbose: true, expected: zerolog.TraceLevel},
		{name: "invalid falls back to info", level: "loud", expected: zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applyLogLevel(config.LogConfig{Level: tt.level}, tt.verbose)
			assert.Equal(t, tt.expected, zerolog.GlobalLevel())
		})
	}
}

func TestInitialResync(t *testing.T) {
	r := &fakeResyncer{snapshot: brightness.Snapshot{Current: 50, Max: 100}}
	initialResync(context.Background(), r)
	assert.Equal(t, int32(1), r.calls.Load())

	// A failed read is logged, not fatal
	r = &fakeResyncer{err: errors.New("no reply")}
	assert.NotPanics(t, func() { initialResync(context.Background(), r) })
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestHotplugHandler(t *testing.T) {
	r := &fakeResyncer{}
	ctx, cancel := context.WithCancel(context.Background())
	handler := newHotplugHandler(ctx, r)

	handler()
	assert.Equal(t, int32(1), r.calls.Load())

	r.err = errors.New("display asleep")
	handler()
	assert.Equal(t, int32(2), r.calls.Load())

	// No resync once the daemon is shutting down
	cancel()
	handler()
	assert.Equal(t, int32(2), r.calls.Load())
}

func TestNewSocketServer(t *testing.T) {
	cfg := config.SocketConfig{
		Path:        "/tmp/dimmit-test.sock",
		Mode:        "0660",
		ReadTimeout: time.Second,
		RateLimit:   10,
		RateBurst:   2,
	}

	server, err := newSocketServer(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.Path, server.Path())

	cfg.Mode = "rw-rw----"
	_, err = newSocketServer(cfg, nil)
	assert.ErrorIs(t, err, config.ErrInvalid)

	mode, err := config.SocketConfig{Mode: "0600"}.FileMode()
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o600), mode)
}

func TestRootCommandFlags(t *testing.T) {
	for name := range flagKeys {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "flag %s must be defined", name)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("verbose"))
}
