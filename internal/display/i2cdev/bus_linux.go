//go:build linux

// SPDX-License-Identifier: GPL-3.0-only

package i2cdev

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dimmit/dimmit/internal/ddc"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// i2c-dev returns the reply without the address byte the display sent, so
// the first byte read is the echoed destination address.
const defaultReplyAddress = ddc.DestinationAddress

var (
	hostOnce sync.Once
	hostErr  error
)

func initHost() error {
	hostOnce.Do(func() {
		_, hostErr = host.Init()
	})
	return hostErr
}

// periphDriver reaches /dev/i2c-N through the periph.io sysfs driver.
type periphDriver struct{}

func systemDriver() Driver {
	return periphDriver{}
}

func (periphDriver) Candidates() ([]Candidate, error) {
	if err := initHost(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	refs := i2creg.All()
	out := make([]Candidate, 0, len(refs))
	for _, ref := range refs {
		path := ref.Name
		if ref.Number >= 0 {
			path = fmt.Sprintf("/dev/i2c-%d", ref.Number)
		}
		out = append(out, Candidate{Name: ref.Name, Path: path})
	}
	return out, nil
}

// Open accepts a registry name ("I2C5"), a bus number ("5") or a device path
// ("/dev/i2c-5").
func (periphDriver) Open(name string) (Bus, error) {
	if err := initHost(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	return i2creg.Open(strings.TrimPrefix(name, "/dev/i2c-"))
}
