// SPDX-License-Identifier: GPL-3.0-only

package ddc

import (
	"context"
	"fmt"
	"time"
)

// ReplyDelay is how long a display needs between receiving a Get VCP request
// and having its reply ready on the bus.
const ReplyDelay = 40 * time.Millisecond

// Conn moves raw frames to and from a display. Implementations own addressing.
type Conn interface {
	// Write sends one complete frame.
	Write(frame []byte) error

	// Read fills buf with the next reply.
	Read(buf []byte) error
}

// GetVCP sends a Get VCP Feature request over conn, waits ReplyDelay and decodes
// the reply. The wait honours ctx cancellation.
func GetVCP(ctx context.Context, conn Conn, codec Codec, feature byte) (VCPValue, error) {
	if err := conn.Write(codec.EncodeGet(feature)); err != nil {
		return VCPValue{}, fmt.Errorf("%w: write get request: %w", ErrTransport, err)
	}

	timer := time.NewTimer(ReplyDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return VCPValue{}, ctx.Err()
	case <-timer.C:
	}

	reply := make([]byte, ReplySize)
	if err := conn.Read(reply); err != nil {
		return VCPValue{}, fmt.Errorf("%w: read reply: %w", ErrTransport, err)
	}

	return codec.DecodeGetReply(reply, feature)
}

// SetVCP writes value to feature over conn as a big-endian hi/lo pair.
func SetVCP(ctx context.Context, conn Conn, codec Codec, feature byte, value uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := conn.Write(codec.EncodeSet(feature, byte(value>>8), byte(value))); err != nil {
		return fmt.Errorf("%w: write set request: %w", ErrTransport, err)
	}
	return nil
}
