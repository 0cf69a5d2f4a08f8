package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dimmit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "/run/dimmit.sock", cfg.Socket.Path)
	assert.Equal(t, "i2c", cfg.Socket.Group)
	mode, err := cfg.Socket.FileMode()
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o660), mode)
	assert.Equal(t, 2*time.Second, cfg.Socket.ReadTimeout)
	assert.Zero(t, cfg.Socket.RateLimit, "commands are not rate limited by default")
	assert.Zero(t, cfg.Socket.RateBurst)

	assert.Equal(t, []string{BackendDDCUtil, BackendIOKit, BackendI2CDev}, cfg.Backends)

	assert.Equal(t, 5, cfg.Brightness.Step)
	assert.Equal(t, 200*time.Millisecond, cfg.Brightness.Debounce)
	assert.Equal(t, 0x10, cfg.Brightness.Feature)

	assert.Equal(t, "/sys", cfg.I2C.SysfsRoot)
	assert.Equal(t, 0, cfg.I2C.ReplyAddress)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.DBus.Enabled)
	assert.Equal(t, BusSystem, cfg.DBus.Bus)
	assert.True(t, cfg.Hotplug.Enabled)
	assert.False(t, cfg.Privileges.Drop)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
socket:
  path: /tmp/custom.sock
  mode: "0600"
backends: [i2cdev]
brightness:
  step: 10
  debounce: 350ms
i2c:
  buses: [i2c-4, i2c-7]
  reply_address: 0x6F
log:
  level: debug
dbus:
  enabled: true
  bus: session
`)

	l := NewLoader(path)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, path, l.ConfigFile())
	assert.Equal(t, "/tmp/custom.sock", cfg.Socket.Path)
	mode, err := cfg.Socket.FileMode()
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o600), mode)
	assert.Equal(t, []string{BackendI2CDev}, cfg.Backends)
	assert.Equal(t, 10, cfg.Brightness.Step)
	assert.Equal(t, 350*time.Millisecond, cfg.Brightness.Debounce)
	assert.Equal(t, []string{"i2c-4", "i2c-7"}, cfg.I2C.Buses)
	assert.Equal(t, 0x6F, cfg.I2C.ReplyAddress)
	assert.True(t, cfg.DBus.Enabled)
	assert.Equal(t, BusSession, cfg.DBus.Bus)

	level, err := cfg.Log.ZerologLevel()
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "socket:\n  path: /tmp/from-file.sock\n")

	t.Setenv("DIMMIT_SOCK", "/tmp/from-env.sock")
	t.Setenv("DIMMIT_BRIGHTNESS_STEP", "3")
	t.Setenv("DIMMIT_LOG_LEVEL", "warn")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/from-env.sock", cfg.Socket.Path)
	assert.Equal(t, 3, cfg.Brightness.Step)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_FlagOverrides(t *testing.T) {
	path := writeConfig(t, "log:\n  level: warn\n")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Parse([]string{"--log-level=trace"}))

	l := NewLoader(path)
	require.NoError(t, l.BindFlag("log.level", flags.Lookup("log-level")))

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "trace", cfg.Log.Level)

	assert.Error(t, l.BindFlag("log.json", flags.Lookup("missing")))
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown backend", content: "backends: [hidapi]\n"},
		{name: "empty backends", content: "backends: []\n"},
		{name: "zero step", content: "brightness:\n  step: 0\n"},
		{name: "negative debounce", content: "brightness:\n  debounce: -1s\n"},
		{name: "feature too large", content: "brightness:\n  feature: 300\n"},
		{name: "non-octal mode", content: "socket:\n  mode: \"0990\"\n"},
		{name: "negative rate limit", content: "socket:\n  rate_limit: -1\n"},
		{name: "rate limit without burst", content: "socket:\n  rate_limit: 50\n"},
		{name: "unknown log level", content: "log:\n  level: loud\n"},
		{name: "unknown bus", content: "dbus:\n  bus: satellite\n"},
		{name: "reply address too large", content: "i2c:\n  reply_address: 512\n"},
		{name: "drop without user", content: "privileges:\n  drop: true\n  user: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(writeConfig(t, tt.content)).Load()
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestWatch_ReloadsLogLevel(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")

	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 4)
	l.Watch(func(cfg *Config) { changed <- cfg })

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	select {
	case cfg := <-changed:
		assert.Equal(t, "debug", cfg.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
}
