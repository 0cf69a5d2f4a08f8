// SPDX-License-Identifier: GPL-3.0-only

package iokit

import (
	"errors"

	"github.com/dimmit/dimmit/internal/ddc"
)

// AVServiceCodec matches IOAVService transactions: the source byte travels as
// the data address and replies carry the destination address.
var AVServiceCodec = ddc.Codec{Seed: ddc.DestinationAddress, ReplyAddress: ddc.DestinationAddress}

// AVService is the raw I2C surface of an IOAVService.
type AVService interface {
	WriteI2C(chip, dataAddress uint32, buf []byte) error
	ReadI2C(chip, offset uint32, buf []byte) error
	Release()
}

// avChannel adapts an AVService to ddc.Conn.
type avChannel struct {
	svc AVService
}

// NewAVChannel wraps svc as a Channel.
func NewAVChannel(svc AVService) Channel {
	return &avChannel{svc: svc}
}

// Write sends frame[1:] with frame[0] as the data address.
func (c *avChannel) Write(frame []byte) error {
	if len(frame) < 2 {
		return errors.New("frame too short")
	}
	return c.svc.WriteI2C(uint32(ddc.SlaveAddress), uint32(frame[0]), frame[1:])
}

func (c *avChannel) Read(buf []byte) error {
	return c.svc.ReadI2C(uint32(ddc.SlaveAddress), uint32(ddc.SourceAddress), buf)
}

func (c *avChannel) Close() error {
	c.svc.Release()
	return nil
}
