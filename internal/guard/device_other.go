//go:build !linux

package guard

import (
	"errors"
	"time"
)

const DefaultDevice = "/dev/watchdog"

var errNoDevice = errors.New("watchdog device not supported on this platform")

// Device is only available on linux.
type Device struct {
	Path string
}

func (d *Device) Arm(time.Duration) error { return errNoDevice }
func (d *Device) Keepalive() error        { return errNoDevice }
func (d *Device) Disarm() error           { return errNoDevice }
