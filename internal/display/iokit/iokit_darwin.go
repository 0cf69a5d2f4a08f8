//go:build darwin && cgo

// SPDX-License-Identifier: GPL-3.0-only

package iokit

/*
#cgo LDFLAGS: -framework IOKit -framework CoreFoundation -framework CoreGraphics
#include <string.h>
#include <CoreFoundation/CoreFoundation.h>
#include <CoreGraphics/CoreGraphics.h>
#include <IOKit/IOKitLib.h>
#include <IOKit/i2c/IOI2CInterface.h>
#include <IOKit/graphics/IOGraphicsLib.h>

// fb_open finds the framebuffer driving vendor:product and opens its first
// I2C bus.
static IOReturn fb_open(uint32_t vendor, uint32_t product, io_service_t *fb_out, IOI2CConnectRef *conn_out) {
	CFMutableDictionaryRef matching = IOServiceMatching("IOFramebuffer");
	if (!matching) {
		return kIOReturnNoMemory;
	}

	CFNumberRef v = CFNumberCreate(kCFAllocatorDefault, kCFNumberSInt32Type, &vendor);
	CFNumberRef p = CFNumberCreate(kCFAllocatorDefault, kCFNumberSInt32Type, &product);
	if (v && p) {
		CFDictionarySetValue(matching, CFSTR("IODisplayVendorID"), v);
		CFDictionarySetValue(matching, CFSTR("IODisplayProductID"), p);
	}
	if (v) CFRelease(v);
	if (p) CFRelease(p);

	io_iterator_t it;
	IOReturn ret = IOServiceGetMatchingServices(MACH_PORT_NULL, matching, &it);
	if (ret != kIOReturnSuccess) {
		return ret;
	}

	io_service_t fb = 0;
	io_service_t svc;
	while ((svc = IOIteratorNext(it)) != 0) {
		IOItemCount buses = 0;
		if (IOFBGetI2CInterfaceCount(svc, &buses) == kIOReturnSuccess && buses > 0) {
			fb = svc;
			break;
		}
		IOObjectRelease(svc);
	}
	IOObjectRelease(it);
	if (!fb) {
		return kIOReturnNotFound;
	}

	io_service_t bus;
	ret = IOFBCopyI2CInterfaceForBus(fb, 0, &bus);
	if (ret != kIOReturnSuccess) {
		IOObjectRelease(fb);
		return ret;
	}

	IOI2CConnectRef conn;
	ret = IOI2CInterfaceOpen(bus, kNilOptions, &conn);
	IOObjectRelease(bus);
	if (ret != kIOReturnSuccess) {
		IOObjectRelease(fb);
		return ret;
	}

	*fb_out = fb;
	*conn_out = conn;
	return kIOReturnSuccess;
}

static IOReturn fb_send(IOI2CConnectRef conn, uint8_t addr, void *buf, uint32_t len) {
	IOI2CRequest req;
	memset(&req, 0, sizeof(req));
	req.sendAddress = addr;
	req.sendTransactionType = kIOI2CSimpleTransactionType;
	req.sendBuffer = (vm_address_t)buf;
	req.sendBytes = len;
	IOReturn ret = IOI2CSendRequest(conn, kNilOptions, &req);
	return ret != kIOReturnSuccess ? ret : req.result;
}

static IOReturn fb_recv(IOI2CConnectRef conn, uint8_t addr, void *buf, uint32_t len) {
	IOI2CRequest req;
	memset(&req, 0, sizeof(req));
	req.replyAddress = addr;
	req.replyTransactionType = kIOI2CSimpleTransactionType;
	req.replyBuffer = (vm_address_t)buf;
	req.replyBytes = len;
	IOReturn ret = IOI2CSendRequest(conn, kNilOptions, &req);
	return ret != kIOReturnSuccess ? ret : req.result;
}

static void fb_close(io_service_t fb, IOI2CConnectRef conn) {
	if (conn) IOI2CInterfaceClose(conn, kNilOptions);
	if (fb) IOObjectRelease(fb);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"unsafe"

	"github.com/dimmit/dimmit/internal/ddc"
	"github.com/dimmit/dimmit/internal/display"
)

const maxActiveDisplays = 16

func ioReturnError(op string, ret C.IOReturn) error {
	return fmt.Errorf("%s: IOReturn 0x%08x", op, uint32(ret))
}

type cgPlatform struct{}

func systemPlatform() Platform {
	return cgPlatform{}
}

func systemStrategies() []Strategy {
	strategies := []Strategy{framebufferStrategy{}}
	if av := avServiceStrategy(); av != nil {
		strategies = append(strategies, av)
	}
	return strategies
}

// ActiveDisplays lists online displays through CoreGraphics.
func (cgPlatform) ActiveDisplays() ([]display.Ref, error) {
	ids := make([]C.CGDirectDisplayID, maxActiveDisplays)
	var count C.uint32_t
	if rc := C.CGGetActiveDisplayList(C.uint32_t(len(ids)), &ids[0], &count); rc != C.kCGErrorSuccess {
		return nil, fmt.Errorf("CGGetActiveDisplayList: error %d", int(rc))
	}

	refs := make([]display.Ref, 0, int(count))
	for _, id := range ids[:count] {
		vendor := uint32(C.CGDisplayVendorNumber(id))
		product := uint32(C.CGDisplayModelNumber(id))
		refs = append(refs, display.Ref{
			Path:      strconv.FormatUint(uint64(id), 10),
			VendorID:  vendor,
			ProductID: product,
			Model:     fmt.Sprintf("%04x:%04x", vendor, product),
			Builtin:   C.CGDisplayIsBuiltin(id) != 0,
			Token:     uint32(id),
		})
	}
	return refs, nil
}

// framebufferStrategy talks to the display through the framebuffer's I2C bus
// using full 8-bit addressing.
type framebufferStrategy struct{}

func (framebufferStrategy) Name() string {
	return "framebuffer-i2c"
}

func (framebufferStrategy) Codec() ddc.Codec {
	return ddc.DefaultCodec
}

func (framebufferStrategy) Open(ref display.Ref) (Channel, error) {
	var fb C.io_service_t
	var conn C.IOI2CConnectRef
	if ret := C.fb_open(C.uint32_t(ref.VendorID), C.uint32_t(ref.ProductID), &fb, &conn); ret != C.kIOReturnSuccess {
		return nil, ioReturnError("open framebuffer i2c", ret)
	}
	return &fbChannel{fb: fb, conn: conn}, nil
}

type fbChannel struct {
	mu   sync.Mutex
	fb   C.io_service_t
	conn C.IOI2CConnectRef
}

func (c *fbChannel) Write(frame []byte) error {
	if len(frame) == 0 {
		return errors.New("empty frame")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return display.ErrDisplayClosed
	}
	if ret := C.fb_send(c.conn, C.uint8_t(ddc.DestinationAddress), unsafe.Pointer(&frame[0]), C.uint32_t(len(frame))); ret != C.kIOReturnSuccess {
		return ioReturnError("i2c send", ret)
	}
	return nil
}

func (c *fbChannel) Read(buf []byte) error {
	if len(buf) == 0 {
		return errors.New("empty buffer")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return display.ErrDisplayClosed
	}
	if ret := C.fb_recv(c.conn, C.uint8_t(ddc.ReplyAddress), unsafe.Pointer(&buf[0]), C.uint32_t(len(buf))); ret != C.kIOReturnSuccess {
		return ioReturnError("i2c receive", ret)
	}
	return nil
}

func (c *fbChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	C.fb_close(c.fb, c.conn)
	c.fb = 0
	c.conn = nil
	return nil
}
