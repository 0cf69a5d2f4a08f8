// Package main provides the entry point for dimmitd, the DDC/CI brightness
// daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dimmit/dimmit/internal/brightness"
	"github.com/dimmit/dimmit/internal/config"
	"github.com/dimmit/dimmit/internal/dbus"
	"github.com/dimmit/dimmit/internal/display"
	"github.com/dimmit/dimmit/internal/display/ddcutil"
	"github.com/dimmit/dimmit/internal/display/i2cdev"
	"github.com/dimmit/dimmit/internal/display/iokit"
	"github.com/dimmit/dimmit/internal/socket"
	"github.com/dimmit/dimmit/internal/udev"
)

// resyncTimeout bounds the brightness read issued after a hot-plug event.
const resyncTimeout = 5 * time.Second

var (
	configPath string
	verbose    bool
	rootCmd    = &cobra.Command{
		Use:   "dimmitd",
		Short: "Daemon adjusting an external monitor's brightness over DDC/CI",
		Long: `dimmitd listens on a local Unix socket for "up" and "down" commands and
adjusts the brightness of the first external DDC/CI capable monitor it finds.

Bursts of commands are coalesced: the display is written once, after no
command has arrived for the debounce window.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	flags.String("socket", socket.DefaultPath, "Command socket path")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.Bool("log-json", false, "Emit JSON logs")
	flags.Bool("dbus", false, "Expose the controller on D-Bus")
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"socket":    "socket.path",
	"log-level": "log.level",
	"log-json":  "log.json",
	"dbus":      "dbus.enabled",
}

func run(cmd *cobra.Command) error {
	loader := config.NewLoader(configPath)
	for name, key := range flagKeys {
		if err := loader.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}

	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log, verbose)
	loader.Watch(func(c *config.Config) {
		applyLogLevel(c.Log, verbose)
	})

	log.Info().Str("config", loader.ConfigFile()).Msg("Starting dimmitd")
	if os.Geteuid() != 0 {
		log.Warn().Msg("Not running as root, I2C device access may fail")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := buildBackends(cfg)
	if err != nil {
		return err
	}
	manager := display.NewManager(
		display.WithBackends(backends...),
		display.WithProbeTimeout(cfg.Display.ProbeTimeout),
	)

	disp, err := manager.Open(ctx)
	if err != nil {
		if errors.Is(err, display.ErrNoDisplayFound) {
			log.Fatal().Err(err).Strs("backends", cfg.Backends).Msg("No controllable display found")
		}
		return fmt.Errorf("failed to open display: %w", err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close display")
		}
	}()

	controller := brightness.NewController(disp,
		brightness.WithStep(cfg.Brightness.Step),
		brightness.WithDebounce(cfg.Brightness.Debounce),
		brightness.WithFeature(byte(cfg.Brightness.Feature)),
	)
	initialResync(ctx, controller)

	controller.Start(context.Background())
	defer controller.Stop()

	server, err := newSocketServer(cfg.Socket, controller)
	if err != nil {
		return err
	}
	if err := server.Listen(); err != nil {
		return err
	}

	var bus *dbus.Server
	if cfg.DBus.Enabled {
		bus = dbus.NewServer(controller)
		if err := bus.Start(cfg.DBus.Bus); err != nil {
			log.Error().Err(err).Msg("Failed to start D-Bus server (D-Bus interface disabled)")
			bus = nil
		} else {
			controller.Subscribe(bus.EmitBrightnessChanged)
		}
	}

	var monitor *udev.Monitor
	if cfg.Hotplug.Enabled {
		monitor = udev.NewMonitor(newHotplugHandler(ctx, controller), udev.WithSettle(cfg.Hotplug.Settle))
		if err := monitor.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start udev monitor (hot-plug resync disabled)")
			monitor = nil
		}
	}

	if cfg.Privileges.Drop {
		if err := dropPrivileges(cfg.Privileges.User); err != nil {
			return fmt.Errorf("failed to drop privileges: %w", err)
		}
		log.Info().Str("user", cfg.Privileges.User).Msg("Dropped privileges")
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	log.Info().Msg("Daemon running, press Ctrl+C to stop")
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("Command server stopped")
		}
	}

	log.Info().Msg("Shutting down...")
	if err := server.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close command socket")
	}
	if bus != nil {
		if err := bus.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop D-Bus server")
		}
	}
	if monitor != nil {
		if err := monitor.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop udev monitor")
		}
	}

	// Deferred: controller.Stop, then manager.Close.
	log.Info().Msg("Daemon stopped")
	return nil
}

// setupLogging configures the global zerolog logger.
func setupLogging(cfg config.LogConfig, verbose bool) {
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.JSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !cfg.Colors,
		})
	}

	applyLogLevel(cfg, verbose)
}

// applyLogLevel sets the global level; --verbose forces at least debug.
func applyLogLevel(cfg config.LogConfig, verbose bool) {
	level, err := cfg.ZerologLevel()
	if err != nil {
		level = zerolog.InfoLevel
	}
	if verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

// buildBackends instantiates the configured backends in order.
func buildBackends(cfg *config.Config) ([]display.Backend, error) {
	backends := make([]display.Backend, 0, len(cfg.Backends))
	for _, name := range cfg.Backends {
		switch name {
		case config.BackendDDCUtil:
			backends = append(backends, ddcutil.New())
		case config.BackendIOKit:
			backends = append(backends, iokit.New())
		case config.BackendI2CDev:
			backends = append(backends, i2cdev.New(
				i2cdev.WithBuses(cfg.I2C.Buses...),
				i2cdev.WithReplyAddress(byte(cfg.I2C.ReplyAddress)),
				i2cdev.WithSysfsRoot(cfg.I2C.SysfsRoot),
			))
		default:
			return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalid, name)
		}
	}
	return backends, nil
}

// resyncer is the part of brightness.Controller the startup and hot-plug
// paths use.
type resyncer interface {
	Resync(ctx context.Context) error
	Snapshot() brightness.Snapshot
}

// initialResync reads the display once. On failure the controller keeps its
// assumed state.
func initialResync(ctx context.Context, r resyncer) {
	if err := r.Resync(ctx); err != nil {
		snap := r.Snapshot()
		log.Warn().
			Err(err).
			Uint16("current", snap.Current).
			Uint16("max", snap.Max).
			Msg("Failed to read initial brightness, using defaults")
		return
	}
	snap := r.Snapshot()
	log.Info().
		Uint16("current", snap.Current).
		Uint16("max", snap.Max).
		Uint8("percent", snap.Percent()).
		Msg("Initial brightness read")
}

// newHotplugHandler returns a udev handler that resyncs the controller.
func newHotplugHandler(ctx context.Context, r resyncer) udev.Handler {
	return func() {
		if ctx.Err() != nil {
			return
		}
		rctx, cancel := context.WithTimeout(ctx, resyncTimeout)
		defer cancel()

		if err := r.Resync(rctx); err != nil {
			log.Warn().Err(err).Msg("Failed to resync brightness after hot-plug")
			return
		}
		snap := r.Snapshot()
		log.Info().Uint16("current", snap.Current).Uint16("max", snap.Max).Msg("Brightness resynced after hot-plug")
	}
}

// newSocketServer builds the command server from config.
func newSocketServer(cfg config.SocketConfig, controller socket.Controller) (*socket.Server, error) {
	mode, err := cfg.FileMode()
	if err != nil {
		return nil, err
	}
	return socket.NewServer(cfg.Path, controller,
		socket.WithGroup(cfg.Group),
		socket.WithMode(mode),
		socket.WithAuthorizer(socket.NewGroupAuthorizer(cfg.AuthGroup)),
		socket.WithReadTimeout(cfg.ReadTimeout),
		socket.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
	), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Failed to execute command")
	}
}
