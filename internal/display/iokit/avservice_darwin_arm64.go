//go:build darwin && cgo && arm64

// SPDX-License-Identifier: GPL-3.0-only

package iokit

/*
#cgo LDFLAGS: -framework IOKit -framework CoreFoundation
#include <string.h>
#include <CoreFoundation/CoreFoundation.h>
#include <IOKit/IOKitLib.h>

typedef struct __IOAVService *IOAVServiceRef;
extern IOAVServiceRef IOAVServiceCreateWithService(CFAllocatorRef allocator, io_service_t service);
extern IOReturn IOAVServiceReadI2C(IOAVServiceRef service, uint32_t chipAddress, uint32_t offset, void *buffer, uint32_t length);
extern IOReturn IOAVServiceWriteI2C(IOAVServiceRef service, uint32_t chipAddress, uint32_t dataAddress, void *buffer, uint32_t length);

static int is_external_proxy(io_service_t svc) {
	io_name_t name;
	if (IORegistryEntryGetName(svc, name) != KERN_SUCCESS || strcmp(name, "DCPAVServiceProxy") != 0) {
		return 0;
	}
	CFTypeRef loc = IORegistryEntryCreateCFProperty(svc, CFSTR("Location"), kCFAllocatorDefault, kNilOptions);
	if (!loc) {
		return 0;
	}
	int external = CFGetTypeID(loc) == CFStringGetTypeID() &&
		CFStringCompare((CFStringRef)loc, CFSTR("External"), 0) == kCFCompareEqualTo;
	CFRelease(loc);
	return external;
}

// av_external walks the registry for the first external DCP AV service.
static IOAVServiceRef av_external(void) {
	io_registry_entry_t root = IORegistryGetRootEntry(MACH_PORT_NULL);
	if (!root) {
		return NULL;
	}
	io_iterator_t it;
	if (IORegistryEntryCreateIterator(root, kIOServicePlane, kIORegistryIterateRecursively, &it) != KERN_SUCCESS) {
		IOObjectRelease(root);
		return NULL;
	}

	IOAVServiceRef av = NULL;
	io_service_t svc;
	while ((svc = IOIteratorNext(it)) != 0) {
		if (is_external_proxy(svc)) {
			av = IOAVServiceCreateWithService(kCFAllocatorDefault, svc);
			IOObjectRelease(svc);
			break;
		}
		IOObjectRelease(svc);
	}
	IOObjectRelease(it);
	IOObjectRelease(root);
	return av;
}

static void av_release(IOAVServiceRef av) {
	if (av) CFRelease((CFTypeRef)av);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/dimmit/dimmit/internal/ddc"
	"github.com/dimmit/dimmit/internal/display"
)

func avServiceStrategy() Strategy {
	return avStrategy{}
}

type avStrategy struct{}

func (avStrategy) Name() string {
	return "avservice"
}

func (avStrategy) Codec() ddc.Codec {
	return AVServiceCodec
}

// Open binds to the first external display controller. Apple silicon exposes
// no per-display match, so ref only identifies the display in logs.
func (avStrategy) Open(ref display.Ref) (Channel, error) {
	av := C.av_external()
	if av == nil {
		return nil, errors.New("no external DCPAVServiceProxy found")
	}
	return NewAVChannel(&cAVService{ref: av}), nil
}

type cAVService struct {
	ref C.IOAVServiceRef
}

func (s *cAVService) WriteI2C(chip, dataAddress uint32, buf []byte) error {
	if len(buf) == 0 {
		return errors.New("empty buffer")
	}
	if ret := C.IOAVServiceWriteI2C(s.ref, C.uint32_t(chip), C.uint32_t(dataAddress), unsafe.Pointer(&buf[0]), C.uint32_t(len(buf))); ret != C.kIOReturnSuccess {
		return fmt.Errorf("IOAVServiceWriteI2C: IOReturn 0x%08x", uint32(ret))
	}
	return nil
}

func (s *cAVService) ReadI2C(chip, offset uint32, buf []byte) error {
	if len(buf) == 0 {
		return errors.New("empty buffer")
	}
	if ret := C.IOAVServiceReadI2C(s.ref, C.uint32_t(chip), C.uint32_t(offset), unsafe.Pointer(&buf[0]), C.uint32_t(len(buf))); ret != C.kIOReturnSuccess {
		return fmt.Errorf("IOAVServiceReadI2C: IOReturn 0x%08x", uint32(ret))
	}
	return nil
}

func (s *cAVService) Release() {
	C.av_release(s.ref)
	s.ref = nil
}
