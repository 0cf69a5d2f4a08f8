// Package main provides dimmit, the command-line client of dimmitd.
//
// Installed as dimmit-up or dimmit-down (e.g. via symlinks) it sends the
// matching command without arguments, suitable for key bindings.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dimmit/dimmit/internal/config"
	"github.com/dimmit/dimmit/internal/socket"
)

// sender delivers one command to the daemon.
type sender func(ctx context.Context, path, message string) error

// invocations maps program names to the command they imply.
var invocations = map[string]string{
	"dimmit-up":   "up",
	"dimmit-down": "down",
}

// socketPath resolves the daemon socket: DIMMIT_SOCK, else the default.
func socketPath() string {
	if path := os.Getenv(config.SocketEnv); path != "" {
		return path
	}
	return socket.DefaultPath
}

func newRootCmd(send sender) *cobra.Command {
	var (
		path    string
		timeout time.Duration
	)

	root := &cobra.Command{
		Use:   "dimmit",
		Short: "Ask dimmitd to brighten or dim the monitor",
		Long: `dimmit sends a single command to the dimmitd daemon over its Unix socket.

The socket path is taken from --socket, then the DIMMIT_SOCK environment
variable, then ` + socket.DefaultPath + `.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&path, "socket", "s", socketPath(), "Daemon socket path")
	root.PersistentFlags().DurationVar(&timeout, "timeout", socket.DialTimeout, "How long to wait for the daemon")

	command := func(name, short string) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()

				if err := send(ctx, path, name); err != nil {
					return fmt.Errorf("failed to send %q: %w", name, err)
				}
				log.Debug().Str("socket", path).Str("command", name).Msg("Command sent")
				return nil
			},
		}
	}

	root.AddCommand(
		command("up", "Increase brightness by one step"),
		command("down", "Decrease brightness by one step"),
	)
	return root
}

// argsFor rewrites the arguments when invoked as dimmit-up or dimmit-down.
func argsFor(argv0 string, args []string) ([]string, error) {
	prog := filepath.Base(argv0)
	cmd, ok := invocations[prog]
	if !ok {
		return args, nil
	}
	if len(args) != 0 {
		return nil, fmt.Errorf("usage: %s (no arguments)", prog)
	}
	return []string{cmd}, nil
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, PartsExclude: []string{zerolog.TimestampFieldName}})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	args, err := argsFor(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid invocation")
	}

	root := newRootCmd(socket.Send)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}
