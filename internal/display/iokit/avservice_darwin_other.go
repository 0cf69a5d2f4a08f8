//go:build darwin && cgo && !arm64

package iokit

// Intel Macs reach every display through the framebuffer.
func avServiceStrategy() Strategy {
	return nil
}
