//go:build netbsd

// SPDX-License-Identifier: GPL-3.0-only

package i2cdev

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/dimmit/dimmit/internal/ddc"
	"golang.org/x/sys/unix"
)

const defaultReplyAddress = ddc.ReplyAddress

// iic(4) operations from <dev/i2c/i2c_io.h>.
const (
	opReadWithStop  int32 = 1
	opWriteWithStop int32 = 3
)

// i2cIoctlExec mirrors i2c_ioctl_exec_t.
type i2cIoctlExec struct {
	op     int32
	addr   uint16
	cmd    unsafe.Pointer
	cmdLen uintptr
	buf    unsafe.Pointer
	bufLen uintptr
}

// ioctlExec is _IOW('I', 0, i2c_ioctl_exec_t).
var ioctlExec = uintptr(0x80000000) | (unsafe.Sizeof(i2cIoctlExec{})&0x1fff)<<16 | uintptr('I')<<8

var netbsdBuses = []string{"/dev/iic0", "/dev/iic1", "/dev/iic2", "/dev/iic3"}

type iicDriver struct{}

func systemDriver() Driver {
	return iicDriver{}
}

func (iicDriver) Candidates() ([]Candidate, error) {
	var out []Candidate
	for _, path := range netbsdBuses {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		out = append(out, Candidate{Name: path, Path: path})
	}
	return out, nil
}

func (iicDriver) Open(name string) (Bus, error) {
	fd, err := unix.Open(name, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &iicBus{fd: fd}, nil
}

type iicBus struct {
	fd int
}

func (b *iicBus) Tx(addr uint16, w, r []byte) error {
	if len(w) > 0 {
		exec := i2cIoctlExec{
			op:     opWriteWithStop,
			addr:   addr,
			cmd:    unsafe.Pointer(&w[0]),
			cmdLen: uintptr(len(w)),
		}
		if err := b.exec(&exec); err != nil {
			return err
		}
		runtime.KeepAlive(w)
	}
	if len(r) > 0 {
		exec := i2cIoctlExec{
			op:     opReadWithStop,
			addr:   addr,
			buf:    unsafe.Pointer(&r[0]),
			bufLen: uintptr(len(r)),
		}
		if err := b.exec(&exec); err != nil {
			return err
		}
		runtime.KeepAlive(r)
	}
	return nil
}

func (b *iicBus) exec(e *i2cIoctlExec) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), ioctlExec, uintptr(unsafe.Pointer(e)))
	if errno != 0 {
		return fmt.Errorf("I2C_IOCTL_EXEC: %w", errno)
	}
	return nil
}

func (b *iicBus) Close() error {
	if b.fd < 0 {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = -1
	return err
}
