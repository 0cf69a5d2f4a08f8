// SPDX-License-Identifier: GPL-3.0-only

// Package socket implements the local command channel of the daemon: a Unix
// stream socket accepting one "up" or "down" line per connection.
package socket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/dimmit/dimmit/internal/brightness"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrRateLimitExceeded is returned when commands arrive faster than the
// configured limit allows.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

const (
	// DefaultPath is the socket path used when none is configured.
	DefaultPath = "/run/dimmit.sock"

	// DefaultGroup owns the socket when it exists on the system.
	DefaultGroup = "i2c"

	// DefaultMode is the permission of the socket file.
	DefaultMode fs.FileMode = 0o660

	// DefaultReadTimeout bounds how long a client may take to send its command.
	DefaultReadTimeout = 2 * time.Second

	// MaxCommandSize is the most bytes read from one connection.
	MaxCommandSize = 15
)

// Controller receives parsed commands.
type Controller interface {
	Increase() error
	Decrease() error
}

// Server accepts command connections on a Unix socket and dispatches them to
// a Controller one at a time.
type Server struct {
	path        string
	group       string
	mode        fs.FileMode
	readTimeout time.Duration
	controller  Controller
	authorizer  Authorizer
	limiter     *rate.Limiter

	mu       sync.Mutex
	listener *net.UnixListener
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithGroup sets the group the socket file is handed to. Empty keeps the
// daemon's group.
func WithGroup(group string) Option {
	return func(s *Server) {
		s.group = group
	}
}

// WithMode sets the socket file permissions.
func WithMode(mode fs.FileMode) Option {
	return func(s *Server) {
		if mode != 0 {
			s.mode = mode
		}
	}
}

// WithAuthorizer sets the peer check run before any payload is read.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Server) {
		if a != nil {
			s.authorizer = a
		}
	}
}

// WithReadTimeout bounds the time a client has to send its command.
func WithReadTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.readTimeout = timeout
		}
	}
}

// WithRateLimit enables a command token bucket. Commands are not limited
// unless this option is given with a positive rate and burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 && burst > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// NewServer creates a server that will listen on path.
func NewServer(path string, controller Controller, opts ...Option) *Server {
	if path == "" {
		path = DefaultPath
	}
	s := &Server{
		path:        path,
		group:       DefaultGroup,
		mode:        DefaultMode,
		readTimeout: DefaultReadTimeout,
		controller:  controller,
		authorizer:  NewGroupAuthorizer(DefaultAuthGroup),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// Listen removes a stale socket file, binds the socket and applies ownership
// and permissions.
func (s *Server) Listen() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}
	listener.SetUnlinkOnClose(true)

	s.applyOwnership()
	if err := os.Chmod(s.path, s.mode); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Failed to set socket permissions")
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	log.Info().Str("path", s.path).Msg("Listening for commands")
	return nil
}

func (s *Server) applyOwnership() {
	if s.group == "" {
		return
	}
	grp, err := user.LookupGroup(s.group)
	if err != nil {
		log.Debug().Err(err).Str("group", s.group).Msg("Socket group not found, keeping default ownership")
		return
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return
	}
	if err := os.Chown(s.path, -1, gid); err != nil {
		log.Warn().Err(err).Str("group", s.group).Msg("Failed to change socket group")
	}
}

// Serve accepts connections until ctx is done or Close is called. Connections
// are handled sequentially.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.Close()
	})
	defer stop()

	for {
		conn, err := listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("Failed to accept connection")
			continue
		}
		s.handle(conn)
	}
}

// Close stops accepting and removes the socket file. It is safe to call more
// than once.
func (s *Server) Close() error {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	if listener == nil {
		return nil
	}
	return listener.Close()
}

// handle runs one connection: authorize, read one command, dispatch.
func (s *Server) handle(conn *net.UnixConn) {
	defer conn.Close()

	logger := log.With().Str("conn", uuid.NewString()).Logger()

	if err := s.authorizer.Authorize(conn); err != nil {
		logger.Warn().Err(err).Msg("Connection rejected")
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		logger.Warn().Err(ErrRateLimitExceeded).Msg("Command dropped")
		return
	}

	payload, err := s.read(conn)
	if err != nil && len(payload) == 0 {
		logger.Debug().Err(err).Msg("Failed to read command")
		return
	}

	cmd, err := ParseCommand(payload)
	if err != nil {
		logger.Warn().Err(err).Msg("Ignoring command")
		return
	}

	switch cmd {
	case CommandUp:
		err = s.controller.Increase()
	case CommandDown:
		err = s.controller.Decrease()
	}

	switch {
	case err == nil:
		logger.Debug().Stringer("command", cmd).Msg("Command accepted")
	case errors.Is(err, brightness.ErrOutOfRange):
		logger.Debug().Err(err).Stringer("command", cmd).Msg("Command out of range")
	default:
		logger.Warn().Err(err).Stringer("command", cmd).Msg("Command failed")
	}
}

// read collects at most MaxCommandSize bytes, stopping at the first newline,
// a complete command, end of stream or the read deadline.
func (s *Server) read(conn net.Conn) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
		return nil, err
	}

	buf := make([]byte, MaxCommandSize)
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if bytes.IndexByte(buf[:n], '\n') >= 0 {
			break
		}
		if _, perr := ParseCommand(buf[:n]); perr == nil {
			break
		}
		if err != nil {
			return buf[:n], err
		}
	}

	if i := bytes.IndexByte(buf[:n], '\n'); i >= 0 {
		n = i + 1
	}
	return buf[:n], nil
}
