// SPDX-License-Identifier: GPL-3.0-only

package socket

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// DialTimeout bounds how long Send waits for the daemon to accept.
const DialTimeout = 2 * time.Second

// Send delivers one message to the daemon at path, appending a newline when
// absent.
func Send(ctx context.Context, path, message string) error {
	if path == "" {
		path = DefaultPath
	}

	dialer := net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}

	if !strings.HasSuffix(message, "\n") {
		message += "\n"
	}
	if _, err := conn.Write([]byte(message)); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	return nil
}
