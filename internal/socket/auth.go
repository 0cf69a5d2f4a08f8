// SPDX-License-Identifier: GPL-3.0-only

package socket

import (
	"errors"
	"fmt"
	"net"
	"os/user"
	"slices"
	"strconv"

	"github.com/rs/zerolog/log"
)

// ErrAuthorizationDenied is returned when a peer is not in the permitted group.
var ErrAuthorizationDenied = errors.New("authorization denied")

// errNoPeerCredentials marks platforms where the kernel does not report who is
// on the other end of a Unix socket.
var errNoPeerCredentials = errors.New("peer credentials not supported on this platform")

// Credentials identify the process on the other end of a connection.
type Credentials struct {
	PID int32
	UID uint32
	GID uint32
}

// Authorizer decides whether a connected peer may send commands.
type Authorizer interface {
	Authorize(conn *net.UnixConn) error
}

// AllowAll authorizes every peer.
type AllowAll struct{}

// Authorize always succeeds.
func (AllowAll) Authorize(*net.UnixConn) error {
	return nil
}

// GroupAuthorizer admits peers whose primary group, peer group or any
// supplementary group is the configured group.
type GroupAuthorizer struct {
	group string

	peer        func(*net.UnixConn) (Credentials, error)
	lookupGroup func(name string) (*user.Group, error)
	lookupUser  func(uid string) (*user.User, error)
	groupIDs    func(u *user.User) ([]string, error)
}

// NewGroupAuthorizer creates an authorizer for group. An empty group admits
// everyone.
func NewGroupAuthorizer(group string) *GroupAuthorizer {
	return &GroupAuthorizer{
		group:       group,
		peer:        peerCredentials,
		lookupGroup: user.LookupGroup,
		lookupUser:  user.LookupId,
		groupIDs:    (*user.User).GroupIds,
	}
}

// Authorize reads the peer credentials of conn and checks them.
func (a *GroupAuthorizer) Authorize(conn *net.UnixConn) error {
	if a.group == "" {
		return nil
	}

	creds, err := a.peer(conn)
	if errors.Is(err, errNoPeerCredentials) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthorizationDenied, err)
	}
	return a.Check(creds)
}

// Check decides on already known credentials. A group missing from the
// system admits everyone.
func (a *GroupAuthorizer) Check(creds Credentials) error {
	if a.group == "" {
		return nil
	}

	grp, err := a.lookupGroup(a.group)
	if err != nil {
		var unknown user.UnknownGroupError
		if errors.As(err, &unknown) {
			log.Warn().Str("group", a.group).Msg("Authorization group does not exist, allowing all peers")
			return nil
		}
		return fmt.Errorf("%w: lookup group %s: %w", ErrAuthorizationDenied, a.group, err)
	}

	if grp.Gid == strconv.FormatUint(uint64(creds.GID), 10) {
		return nil
	}

	u, err := a.lookupUser(strconv.FormatUint(uint64(creds.UID), 10))
	if err != nil {
		return fmt.Errorf("%w: uid %d: %w", ErrAuthorizationDenied, creds.UID, err)
	}
	if u.Gid == grp.Gid {
		return nil
	}

	ids, err := a.groupIDs(u)
	if err != nil {
		return fmt.Errorf("%w: groups of %s: %w", ErrAuthorizationDenied, u.Username, err)
	}
	if slices.Contains(ids, grp.Gid) {
		return nil
	}

	return fmt.Errorf("%w: uid %d is not in group %s", ErrAuthorizationDenied, creds.UID, a.group)
}
