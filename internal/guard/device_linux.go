//go:build linux

package guard

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const DefaultDevice = "/dev/watchdog"

// Device is the kernel watchdog character device. Opening it starts the
// hardware timer; writing the magic 'V' before close stops it on drivers
// without nowayout.
type Device struct {
	Path string

	mu sync.Mutex
	f  *os.File
}

func (d *Device) Arm(timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		f, err := os.OpenFile(d.Path, os.O_WRONLY, 0)
		if err != nil {
			return err
		}
		d.f = f
	}
	secs := int(timeout.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	if err := unix.IoctlSetPointerInt(int(d.f.Fd()), unix.WDIOC_SETTIMEOUT, secs); err != nil {
		return fmt.Errorf("set timeout %ds: %w", secs, err)
	}
	return nil
}

func (d *Device) Keepalive() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return ErrNotArmed
	}
	return unix.IoctlWatchdogKeepalive(int(d.f.Fd()))
}

func (d *Device) Disarm() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	if _, err := d.f.Write([]byte("V")); err != nil {
		return fmt.Errorf("magic close: %w", err)
	}
	err := d.f.Close()
	d.f = nil
	return err
}
