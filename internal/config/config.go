// SPDX-License-Identifier: GPL-3.0-only

// Package config loads daemon settings from defaults, an optional YAML file,
// DIMMIT_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dimmit/dimmit/internal/brightness"
	"github.com/dimmit/dimmit/internal/ddc"
	"github.com/dimmit/dimmit/internal/display"
	"github.com/dimmit/dimmit/internal/display/i2cdev"
	"github.com/dimmit/dimmit/internal/socket"
	"github.com/dimmit/dimmit/internal/udev"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrInvalid is returned when a loaded setting fails validation.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix prefixes every environment override, e.g. DIMMIT_LOG_LEVEL.
const EnvPrefix = "DIMMIT"

// SocketEnv overrides socket.path and is shared with the client.
const SocketEnv = "DIMMIT_SOCK"

// Backend names accepted in the backends list.
const (
	BackendDDCUtil = "ddcutil"
	BackendIOKit   = "iokit"
	BackendI2CDev  = "i2cdev"
)

// Bus names accepted in dbus.bus.
const (
	BusSystem  = "system"
	BusSession = "session"
)

// Config is the decoded daemon configuration.
type Config struct {
	Socket     SocketConfig     `mapstructure:"socket"`
	Backends   []string         `mapstructure:"backends"`
	Brightness BrightnessConfig `mapstructure:"brightness"`
	Display    DisplayConfig    `mapstructure:"display"`
	I2C        I2CConfig        `mapstructure:"i2c"`
	Log        LogConfig        `mapstructure:"log"`
	DBus       DBusConfig       `mapstructure:"dbus"`
	Hotplug    HotplugConfig    `mapstructure:"hotplug"`
	Privileges PrivilegesConfig `mapstructure:"privileges"`
}

// SocketConfig configures the command socket.
type SocketConfig struct {
	Path        string        `mapstructure:"path"`
	Group       string        `mapstructure:"group"`
	Mode        string        `mapstructure:"mode"`
	AuthGroup   string        `mapstructure:"auth_group"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	RateBurst   int           `mapstructure:"rate_burst"`
}

// FileMode parses Mode as an octal permission.
func (s SocketConfig) FileMode() (fs.FileMode, error) {
	mode, err := strconv.ParseUint(s.Mode, 8, 32)
	if err != nil || mode > 0o777 {
		return 0, fmt.Errorf("%w: socket.mode %q is not an octal permission", ErrInvalid, s.Mode)
	}
	return fs.FileMode(mode), nil
}

// BrightnessConfig configures the controller.
type BrightnessConfig struct {
	Step     int           `mapstructure:"step"`
	Debounce time.Duration `mapstructure:"debounce"`
	Feature  int           `mapstructure:"feature"`
}

// DisplayConfig configures display discovery.
type DisplayConfig struct {
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// I2CConfig configures the raw I2C backend. A zero ReplyAddress keeps the
// platform default.
type I2CConfig struct {
	Buses        []string `mapstructure:"buses"`
	ReplyAddress int      `mapstructure:"reply_address"`
	SysfsRoot    string   `mapstructure:"sysfs_root"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	JSON   bool   `mapstructure:"json"`
	Colors bool   `mapstructure:"colors"`
}

// ZerologLevel parses Level.
func (l LogConfig) ZerologLevel() (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel, fmt.Errorf("%w: log.level %q", ErrInvalid, l.Level)
	}
	return level, nil
}

// DBusConfig configures the optional D-Bus front-end.
type DBusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bus     string `mapstructure:"bus"`
}

// HotplugConfig configures the optional udev monitor.
type HotplugConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Settle  time.Duration `mapstructure:"settle"`
}

// PrivilegesConfig controls whether the daemon drops root after opening the
// display.
type PrivilegesConfig struct {
	Drop bool   `mapstructure:"drop"`
	User string `mapstructure:"user"`
}

// Loader wraps a viper instance preloaded with defaults and env bindings.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader creates a loader. An empty path searches /etc/dimmit and the
// user config directory for dimmit.yaml; a missing file there is not an
// error.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("socket.path", SocketEnv, EnvPrefix+"_SOCKET_PATH")

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dimmit")
		v.AddConfigPath("/etc/dimmit")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "dimmit"))
		}
	}

	return &Loader{v: v, path: path}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("socket.path", socket.DefaultPath)
	v.SetDefault("socket.group", socket.DefaultGroup)
	v.SetDefault("socket.mode", fmt.Sprintf("%04o", socket.DefaultMode))
	v.SetDefault("socket.auth_group", socket.DefaultAuthGroup)
	v.SetDefault("socket.read_timeout", socket.DefaultReadTimeout)
	v.SetDefault("socket.rate_limit", 0)
	v.SetDefault("socket.rate_burst", 0)

	v.SetDefault("backends", []string{BackendDDCUtil, BackendIOKit, BackendI2CDev})

	v.SetDefault("brightness.step", brightness.DefaultStep)
	v.SetDefault("brightness.debounce", brightness.DefaultDebounce)
	v.SetDefault("brightness.feature", int(ddc.FeatureBrightness))

	v.SetDefault("display.probe_timeout", display.DefaultProbeTimeout)

	v.SetDefault("i2c.buses", []string{})
	v.SetDefault("i2c.reply_address", 0)
	v.SetDefault("i2c.sysfs_root", i2cdev.DefaultSysfsRoot)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.colors", true)

	v.SetDefault("dbus.enabled", false)
	v.SetDefault("dbus.bus", BusSystem)

	v.SetDefault("hotplug.enabled", true)
	v.SetDefault("hotplug.settle", udev.DefaultSettle)

	v.SetDefault("privileges.drop", false)
	v.SetDefault("privileges.user", "nobody")
}

// BindFlag lets a command-line flag override key when the flag is set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("flag for %s not defined", key)
	}
	return l.v.BindPFlag(key, flag)
}

// ConfigFile returns the file in use, or "" when running on defaults.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Load reads the config file (if any), decodes and validates it.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		log.Debug().Msg("No config file found, using defaults")
	}

	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch reloads the file on change and passes every valid result to
// onChange. Invalid edits are logged and ignored.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid config change")
			return
		}

		log.Info().Str("file", e.Name).Msg("Config reloaded")
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error

	if c.Socket.Path == "" {
		errs = append(errs, fmt.Errorf("%w: socket.path is empty", ErrInvalid))
	}
	if _, err := c.Socket.FileMode(); err != nil {
		errs = append(errs, err)
	}
	if c.Socket.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: socket.read_timeout must be positive", ErrInvalid))
	}
	if c.Socket.RateLimit < 0 || c.Socket.RateBurst < 0 {
		errs = append(errs, fmt.Errorf("%w: socket.rate_limit and socket.rate_burst must not be negative", ErrInvalid))
	}
	if c.Socket.RateLimit > 0 && c.Socket.RateBurst == 0 {
		errs = append(errs, fmt.Errorf("%w: socket.rate_burst must be positive when socket.rate_limit is set", ErrInvalid))
	}

	if len(c.Backends) == 0 {
		errs = append(errs, fmt.Errorf("%w: backends is empty", ErrInvalid))
	}
	known := []string{BackendDDCUtil, BackendIOKit, BackendI2CDev}
	for _, name := range c.Backends {
		if !slices.Contains(known, name) {
			errs = append(errs, fmt.Errorf("%w: unknown backend %q", ErrInvalid, name))
		}
	}

	if c.Brightness.Step <= 0 {
		errs = append(errs, fmt.Errorf("%w: brightness.step must be positive", ErrInvalid))
	}
	if c.Brightness.Debounce <= 0 {
		errs = append(errs, fmt.Errorf("%w: brightness.debounce must be positive", ErrInvalid))
	}
	if c.Brightness.Feature < 0 || c.Brightness.Feature > 0xFF {
		errs = append(errs, fmt.Errorf("%w: brightness.feature must fit in a byte", ErrInvalid))
	}

	if c.Display.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: display.probe_timeout must be positive", ErrInvalid))
	}

	if c.I2C.ReplyAddress < 0 || c.I2C.ReplyAddress > 0xFF {
		errs = append(errs, fmt.Errorf("%w: i2c.reply_address must fit in a byte", ErrInvalid))
	}

	if _, err := c.Log.ZerologLevel(); err != nil {
		errs = append(errs, err)
	}

	if c.DBus.Bus != BusSystem && c.DBus.Bus != BusSession {
		errs = append(errs, fmt.Errorf("%w: dbus.bus must be %q or %q", ErrInvalid, BusSystem, BusSession))
	}

	if c.Hotplug.Settle < 0 {
		errs = append(errs, fmt.Errorf("%w: hotplug.settle must not be negative", ErrInvalid))
	}

	if c.Privileges.Drop && c.Privileges.User == "" {
		errs = append(errs, fmt.Errorf("%w: privileges.user is required when privileges.drop is set", ErrInvalid))
	}

	return errors.Join(errs...)
}
