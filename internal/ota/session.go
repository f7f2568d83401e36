// Package ota implements the firmware update session: a prepare window,
// quiescing every subsystem that shares the radio, bus or watchdog with
// the flasher, progress tracking, and a safe terminal pin state before
// reset.
package ota

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/r0bb10/dualnet-controller/internal/clock"
)

// DefaultPrepWindow is how long a prepared session waits for an upload.
const DefaultPrepWindow = 5 * time.Minute

// resetSettle lets the status pin reach its safe level before reset.
const resetSettle = 100 * time.Millisecond

var (
	ErrBusy     = errors.New("update in progress")
	ErrTerminal = errors.New("update session finished; device is resetting")
)

// QuiesceError reports the steps that failed while a transfer began. The
// session is InProgress regardless; the transfer should go ahead.
type QuiesceError struct {
	Err error
}

func (e *QuiesceError) Error() string { return "quiesce: " + e.Err.Error() }
func (e *QuiesceError) Unwrap() error { return e.Err }

type State int

const (
	Idle State = iota
	Prepared
	InProgress
	Completing
	Failed
)

func (s State) String() string {
	switch s {
	case Prepared:
		return "prepared"
	case InProgress:
		return "in-progress"
	case Completing:
		return "completing"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

// Active reports whether the session holds the device's shared resources
// or is waiting for an upload.
func (s State) Active() bool { return s != Idle }

// Listener is the HTTP server handle.
type Listener interface {
	Stop(ctx context.Context) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context) error

func (f ListenerFunc) Stop(ctx context.Context) error { return f(ctx) }

// PowerSaver controls radio modem power saving.
type PowerSaver interface {
	InhibitPowerSave(ctx context.Context, inhibit bool) error
	PowerSaveInhibited() bool
}

// Bus is the shared sensor I/O bus.
type Bus interface {
	Close() error
}

// Guard is the freeze guard.
type Guard interface {
	Disarm() error
}

// SafeOutput drives the status pin to its safe boot-strap level.
type SafeOutput interface {
	Off() error
}

// Resetter restarts the device.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Deps are the subsystems the session suspends or drives. The session only
// stops and resumes them; it never uses their data.
type Deps struct {
	Listener Listener
	Radio    PowerSaver
	Bus      Bus
	Guard    Guard
	Output   SafeOutput
	Resetter Resetter
	Clock    clock.Clock

	// OnMilestone is called at each 10% progress boundary.
	OnMilestone func(percent int)
}

// Session is a snapshot of the update session.
type Session struct {
	State         State     `json:"-"`
	StateName     string    `json:"state"`
	Expiry        time.Time `json:"expiry,omitzero"`
	Percent       int       `json:"percent"`
	LastMilestone int       `json:"lastMilestone"`
	LastError     string    `json:"lastError,omitempty"`
}

// Controller is the update session state machine. It is not safe for
// concurrent use; platform callbacks reach it as Events through the
// controller loop.
type Controller struct {
	deps       Deps
	prepWindow time.Duration

	state         State
	expiry        time.Time
	percent       int
	lastMilestone int
	lastErr       ErrorCategory
}

func New(deps Deps, prepWindow time.Duration) *Controller {
	if prepWindow <= 0 {
		prepWindow = DefaultPrepWindow
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &Controller{deps: deps, prepWindow: prepWindow}
}

func (c *Controller) State() State { return c.state }

func (c *Controller) Session() Session {
	s := Session{
		State:         c.state,
		StateName:     c.state.String(),
		Percent:       c.percent,
		LastMilestone: c.lastMilestone,
	}
	if c.state == Prepared {
		s.Expiry = c.expiry
	}
	if c.lastErr != 0 {
		s.LastError = c.lastErr.String()
	}
	return s
}

// Prepare opens the upload window: power saving off until now+window.
// Calling it again while prepared only refreshes the expiry.
func (c *Controller) Prepare(ctx context.Context, now time.Time) error {
	switch c.state {
	case InProgress:
		return ErrBusy
	case Completing, Failed:
		return ErrTerminal
	case Prepared:
		c.expiry = now.Add(c.prepWindow)
		log.Printf("Update window refreshed, expires %s", c.expiry.Format(time.TimeOnly))
		return nil
	}

	if err := c.deps.Radio.InhibitPowerSave(ctx, true); err != nil {
		return fmt.Errorf("disable power save: %w", err)
	}
	c.state = Prepared
	c.expiry = now.Add(c.prepWindow)
	log.Printf("Update prepared: radio power save disabled for %s", c.prepWindow)
	return nil
}

// Poll expires an unused prepare window. It reports whether the session
// changed state.
func (c *Controller) Poll(ctx context.Context, now time.Time) bool {
	if c.state != Prepared || !now.After(c.expiry) {
		return false
	}
	log.Printf("Update window expired, re-enabling radio power save")
	if err := c.deps.Radio.InhibitPowerSave(ctx, false); err != nil {
		log.Printf("Failed to re-enable power save: %v", err)
	}
	c.state = Idle
	c.expiry = time.Time{}
	return true
}

// Advance feeds one platform event into the session.
func (c *Controller) Advance(ctx context.Context, now time.Time, ev Event) error {
	if c.state == Completing || c.state == Failed {
		return ErrTerminal
	}

	switch ev.Kind {
	case EventBegin:
		return c.begin(ctx)
	case EventProgress:
		return c.progress(ev.Done, ev.Total)
	case EventEnd:
		return c.complete(ctx)
	case EventError:
		return c.fail(ev.Category, ev.Err)
	}
	return fmt.Errorf("unknown event %d", ev.Kind)
}

// begin quiesces every shared subsystem. Each step runs even if an earlier
// one failed; a partially quiesced device is worse than a logged failure.
func (c *Controller) begin(ctx context.Context) error {
	if c.state == InProgress {
		return ErrBusy
	}
	log.Printf("========== UPDATE STARTING ==========")
	if c.state != Prepared {
		log.Printf("WARNING: update started without prepare")
	}

	var errs []error

	if err := c.deps.Listener.Stop(ctx); err != nil {
		log.Printf("HTTP listener stop failed: %v", err)
		errs = append(errs, fmt.Errorf("stop listener: %w", err))
	} else {
		log.Printf("HTTP listener stopped")
	}

	if c.deps.Radio.PowerSaveInhibited() {
		log.Printf("Radio power save already disabled")
	} else if err := c.deps.Radio.InhibitPowerSave(ctx, true); err != nil {
		log.Printf("Radio power save disable failed: %v", err)
		errs = append(errs, fmt.Errorf("disable power save: %w", err))
	} else {
		log.Printf("Radio power save disabled")
	}

	if err := c.deps.Bus.Close(); err != nil {
		log.Printf("I/O bus close failed: %v", err)
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	} else {
		log.Printf("I/O bus closed")
	}

	if err := c.deps.Guard.Disarm(); err != nil {
		log.Printf("Freeze guard disarm failed: %v", err)
		errs = append(errs, fmt.Errorf("disarm guard: %w", err))
	} else {
		log.Printf("Freeze guard disarmed")
	}

	c.state = InProgress
	c.expiry = time.Time{}
	c.percent = 0
	c.lastMilestone = 0
	log.Printf("Ready for upload")
	if len(errs) > 0 {
		return &QuiesceError{Err: errors.Join(errs...)}
	}
	return nil
}

func (c *Controller) progress(done, total uint64) error {
	if c.state != InProgress {
		return fmt.Errorf("progress in state %s", c.state)
	}
	if total == 0 {
		return nil
	}
	if done > total {
		done = total
	}
	pct := int(done * 100 / total)
	if pct <= c.percent {
		return nil
	}
	c.percent = pct

	milestone := pct / 10 * 10
	if milestone > c.lastMilestone {
		c.lastMilestone = milestone
		log.Printf("Update progress: %d%%", milestone)
		if c.deps.OnMilestone != nil {
			c.deps.OnMilestone(milestone)
		}
	}
	return nil
}

// complete drives the status pin to its safe level and resets. On boards
// where that pin is a boot strap, resetting with it at the wrong level
// leaves the device unbootable. The guard stays disarmed: the process ends
// here.
func (c *Controller) complete(ctx context.Context) error {
	if c.state != InProgress {
		return fmt.Errorf("end in state %s", c.state)
	}
	c.state = Completing
	log.Printf("========== UPDATE COMPLETE ==========")

	if err := c.deps.Output.Off(); err != nil {
		log.Printf("Status pin safe level failed: %v", err)
	} else {
		log.Printf("Status pin set to safe level")
	}
	c.deps.Clock.Sleep(resetSettle)

	log.Printf("Resetting...")
	if err := c.deps.Resetter.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// fail records the error. Suspended subsystems stay suspended: the device
// is not trusted to keep running after a partial flash.
func (c *Controller) fail(cat ErrorCategory, cause error) error {
	c.lastErr = cat
	if c.state != InProgress {
		log.Printf("Update error outside a transfer: %s: %v", cat, cause)
		return nil
	}
	c.state = Failed
	log.Printf("========== UPDATE FAILED: %s: %v ==========", cat, cause)
	return nil
}
