// SPDX-License-Identifier: GPL-3.0-only

package i2cdev

import "github.com/dimmit/dimmit/internal/ddc"

func (b *Backend) Codec() ddc.Codec {
	return b.codec
}
