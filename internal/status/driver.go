// Package status drives the single status light from link and update
// session state.
package status

import (
	"fmt"
	"time"

	"github.com/r0bb10/dualnet-controller/internal/ota"
)

type Pattern int

const (
	// Searching blinks slowly: fallback network only.
	Searching Pattern = iota
	// Heartbeat is two short pulses and a long pause: station joined.
	Heartbeat
	// Prepared blinks fast: waiting for an update upload.
	Prepared
	// Updating blinks very fast: transfer running.
	Updating
)

func (p Pattern) String() string {
	switch p {
	case Heartbeat:
		return "heartbeat"
	case Prepared:
		return "prepared"
	case Updating:
		return "updating"
	default:
		return "searching"
	}
}

// Select picks the highest priority pattern for the current state.
func Select(session ota.State, stationJoined bool) Pattern {
	switch {
	case session == ota.InProgress:
		return Updating
	case session == ota.Prepared:
		return Prepared
	case stationJoined:
		return Heartbeat
	default:
		return Searching
	}
}

// heartbeat phase durations; even phases are on.
var heartbeat = [4]time.Duration{
	100 * time.Millisecond,
	100 * time.Millisecond,
	100 * time.Millisecond,
	1500 * time.Millisecond,
}

func togglePeriod(p Pattern) time.Duration {
	switch p {
	case Updating:
		return 50 * time.Millisecond
	case Prepared:
		return 100 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}

// Output is a binary light in logical terms: on means lit regardless of
// the pin's electrical polarity.
type Output interface {
	Set(on bool) error
}

// Driver is evaluated once per loop tick. It is not safe for concurrent use.
type Driver struct {
	out     Output
	pattern Pattern
	started bool
	on      bool
	phase   int
	last    time.Time
}

func NewDriver(out Output) *Driver {
	return &Driver{out: out}
}

func (d *Driver) Pattern() Pattern { return d.pattern }
func (d *Driver) Lit() bool        { return d.on }

// Tick advances the pattern. A pattern switch fires its first transition
// immediately, and entering Heartbeat restarts at phase 0.
func (d *Driver) Tick(now time.Time, p Pattern) error {
	if !d.started || p != d.pattern {
		d.started = true
		d.pattern = p
		d.last = now
		if p == Heartbeat {
			d.phase = 0
			return d.set(true)
		}
		return d.set(!d.on)
	}

	if p == Heartbeat {
		if now.Sub(d.last) < heartbeat[d.phase] {
			return nil
		}
		d.phase = (d.phase + 1) % len(heartbeat)
		d.last = now
		return d.set(d.phase%2 == 0)
	}

	if now.Sub(d.last) < togglePeriod(p) {
		return nil
	}
	d.last = now
	return d.set(!d.on)
}

// Off drives the light to its logical off level. The update session calls
// this before reset since the pin may double as a boot strap.
func (d *Driver) Off() error {
	return d.set(false)
}

func (d *Driver) set(on bool) error {
	if err := d.out.Set(on); err != nil {
		return fmt.Errorf("status output: %w", err)
	}
	d.on = on
	return nil
}
