//go:build !linux && !netbsd

package i2cdev

import "github.com/dimmit/dimmit/internal/ddc"

const defaultReplyAddress = ddc.ReplyAddress

func systemDriver() Driver {
	return nil
}
