// SPDX-License-Identifier: GPL-3.0-only

package socket

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrUnrecognizedCommand is returned for payloads other than "up" and "down".
var ErrUnrecognizedCommand = errors.New("unrecognized command")

// Command is a brightness request carried over the socket.
type Command int

const (
	CommandUp Command = iota + 1
	CommandDown
)

func (c Command) String() string {
	switch c {
	case CommandUp:
		return "up"
	case CommandDown:
		return "down"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// ParseCommand decodes one payload. A single trailing newline is optional.
func ParseCommand(payload []byte) (Command, error) {
	payload = bytes.TrimSuffix(payload, []byte("\n"))
	switch string(payload) {
	case "up":
		return CommandUp, nil
	case "down":
		return CommandDown, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnrecognizedCommand, payload)
	}
}
