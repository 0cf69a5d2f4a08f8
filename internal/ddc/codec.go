// SPDX-License-Identifier: GPL-3.0-only

// Package ddc builds and parses VESA DDC/CI frames for the Get/Set VCP Feature
// commands. It performs no I/O of its own; backends supply a Conn.
package ddc

import (
	"errors"
	"fmt"
)

const (
	// SourceAddress is the host source address that opens every command frame.
	SourceAddress byte = 0x51

	// DestinationAddress is the 8-bit display address used as the checksum seed.
	DestinationAddress byte = 0x6E

	// ReplyAddress is the 8-bit address a display replies from.
	ReplyAddress byte = 0x6F

	// SlaveAddress is the 7-bit I2C address of the DDC/CI endpoint (0x6E >> 1).
	SlaveAddress uint16 = 0x37
)

const (
	// OpGetVCP is the Get VCP Feature opcode.
	OpGetVCP byte = 0x01

	// OpGetVCPReply is the Get VCP Feature reply opcode.
	OpGetVCPReply byte = 0x02

	// OpSetVCP is the Set VCP Feature opcode.
	OpSetVCP byte = 0x03
)

// VCP feature codes.
const (
	FeatureBrightness byte = 0x10
	FeatureContrast   byte = 0x12
	FeaturePowerMode  byte = 0xD6
)

const (
	// ReplySize is the number of bytes read back for a Get VCP reply.
	ReplySize = 12

	// lengthFlag marks the length byte of a frame.
	lengthFlag byte = 0x80

	// hostReplySeed seeds the checksum of frames sent by a display.
	hostReplySeed byte = 0x50
)

// ErrProtocol is returned when a reply frame does not match the expected shape.
var ErrProtocol = errors.New("ddc protocol error")

// ErrTransport is returned when the underlying transport fails to move bytes.
var ErrTransport = errors.New("ddc transport error")

// VCPValue is the 4-byte payload of a Get VCP reply: a 16-bit maximum followed
// by a 16-bit current value, both big-endian.
type VCPValue struct {
	MaxHi byte
	MaxLo byte
	CurHi byte
	CurLo byte
}

// NewVCPValue packs max and current into a VCPValue.
func NewVCPValue(maxValue, current uint16) VCPValue {
	return VCPValue{
		MaxHi: byte(maxValue >> 8),
		MaxLo: byte(maxValue),
		CurHi: byte(current >> 8),
		CurLo: byte(current),
	}
}

// Max returns the maximum value reported by the display.
func (v VCPValue) Max() uint16 {
	return uint16(v.MaxHi)<<8 | uint16(v.MaxLo)
}

// Current returns the current value reported by the display.
func (v VCPValue) Current() uint16 {
	return uint16(v.CurHi)<<8 | uint16(v.CurLo)
}

// Codec encodes and validates frames for one transport. Seed is folded into the
// checksum ahead of the frame bytes; ReplyAddress is the value expected in the
// first byte of a reply. Both depend on how the transport addresses the display.
type Codec struct {
	Seed         byte
	ReplyAddress byte
}

// DefaultCodec matches transports that expose the full 8-bit addressing.
var DefaultCodec = Codec{Seed: DestinationAddress, ReplyAddress: ReplyAddress}

// Checksum XOR-folds data into seed.
func Checksum(seed byte, data []byte) byte {
	chk := seed
	for _, b := range data {
		chk ^= b
	}
	return chk
}

// EncodeGet builds a Get VCP Feature frame for feature.
func (c Codec) EncodeGet(feature byte) []byte {
	frame := []byte{SourceAddress, lengthFlag | 2, OpGetVCP, feature, 0}
	frame[len(frame)-1] = Checksum(c.Seed, frame[:len(frame)-1])
	return frame
}

// EncodeSet builds a Set VCP Feature frame writing hi:lo to feature.
func (c Codec) EncodeSet(feature, hi, lo byte) []byte {
	frame := []byte{SourceAddress, lengthFlag | 4, OpSetVCP, feature, hi, lo, 0}
	frame[len(frame)-1] = Checksum(c.Seed, frame[:len(frame)-1])
	return frame
}

// DecodeGetReply validates a Get VCP reply for feature and extracts its value.
// Malformed frames yield an error wrapping ErrProtocol.
func (c Codec) DecodeGetReply(reply []byte, feature byte) (VCPValue, error) {
	if len(reply) < 10 {
		return VCPValue{}, fmt.Errorf("%w: reply too short (%d bytes)", ErrProtocol, len(reply))
	}
	if reply[0] != c.ReplyAddress {
		return VCPValue{}, fmt.Errorf("%w: reply address 0x%02x, want 0x%02x", ErrProtocol, reply[0], c.ReplyAddress)
	}
	if reply[2] != OpGetVCPReply {
		return VCPValue{}, fmt.Errorf("%w: reply opcode 0x%02x, want 0x%02x", ErrProtocol, reply[2], OpGetVCPReply)
	}
	if reply[4] != feature {
		return VCPValue{}, fmt.Errorf("%w: reply feature 0x%02x, want 0x%02x", ErrProtocol, reply[4], feature)
	}

	return VCPValue{
		MaxHi: reply[6],
		MaxLo: reply[7],
		CurHi: reply[8],
		CurLo: reply[9],
	}, nil
}

// EncodeReply builds the reply a display would send for a supported feature.
// Loopback transports and tests use it to feed DecodeGetReply.
func (c Codec) EncodeReply(feature byte, value VCPValue) []byte {
	reply := make([]byte, 11)
	reply[0] = c.ReplyAddress
	reply[1] = lengthFlag | 8
	reply[2] = OpGetVCPReply
	reply[3] = 0x00 // result code: no error
	reply[4] = feature
	reply[5] = 0x00 // type: set parameter
	reply[6] = value.MaxHi
	reply[7] = value.MaxLo
	reply[8] = value.CurHi
	reply[9] = value.CurLo
	reply[10] = Checksum(hostReplySeed, reply[:10])
	return reply
}
