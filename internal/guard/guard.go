// Package guard is the freeze guard: a deadman timer the controller loop
// pets on every iteration. Only the update session disarms it.
package guard

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/r0bb10/dualnet-controller/internal/clock"
)

const DefaultTimeout = 30 * time.Second

// JoinHeadroom is the slack a join attempt must leave under the guard
// timeout for the radio commands around its polling loop.
const JoinHeadroom = 5 * time.Second

// MaxJoinTimeout is the longest join attempt that fits inside timeout.
func MaxJoinTimeout(timeout time.Duration) time.Duration {
	if limit := timeout - JoinHeadroom; limit >= timeout/2 {
		return limit
	}
	return timeout / 2
}

var ErrNotArmed = errors.New("freeze guard not armed")

// Watchdog is the underlying deadman device.
type Watchdog interface {
	Arm(timeout time.Duration) error
	Keepalive() error
	Disarm() error
}

type Guard struct {
	dev   Watchdog
	clock clock.Clock

	mu      sync.Mutex
	armed   bool
	timeout time.Duration
	lastPet time.Time
}

func New(dev Watchdog, clk clock.Clock) *Guard {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Guard{dev: dev, clock: clk}
}

func (g *Guard) Arm(timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if timeout <= 0 {
		return fmt.Errorf("invalid guard timeout %s", timeout)
	}
	if err := g.dev.Arm(timeout); err != nil {
		return fmt.Errorf("arm watchdog: %w", err)
	}
	g.armed = true
	g.timeout = timeout
	g.lastPet = g.clock.Now()
	log.Printf("Freeze guard armed (%s)", timeout)
	return nil
}

// Pet resets the deadman timer. It is a no-op while disarmed.
func (g *Guard) Pet() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.armed {
		return nil
	}
	if err := g.dev.Keepalive(); err != nil {
		return fmt.Errorf("pet watchdog: %w", err)
	}
	g.lastPet = g.clock.Now()
	return nil
}

func (g *Guard) Disarm() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.armed {
		return ErrNotArmed
	}
	if err := g.dev.Disarm(); err != nil {
		return fmt.Errorf("disarm watchdog: %w", err)
	}
	g.armed = false
	return nil
}

func (g *Guard) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.armed
}

func (g *Guard) Timeout() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timeout
}

// SinceLastPet is how long the device has gone without a pet.
func (g *Guard) SinceLastPet(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return now.Sub(g.lastPet)
}

// Remaining is the budget left before the device resets, or zero when
// disarmed.
func (g *Guard) Remaining(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.armed {
		return 0
	}
	return max(g.timeout-now.Sub(g.lastPet), 0)
}
