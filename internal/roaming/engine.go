// Package roaming decides when the station should move to a stronger
// access point of the same network.
//
// Checks run on an exponential backoff: each check that finds nothing
// better doubles the interval up to MaxInterval, and good signal or a
// successful roam drops it back to MinInterval. A candidate must beat the
// current signal by more than Improvement so two access points of similar
// strength do not trade the station back and forth.
package roaming

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/r0bb10/dualnet-controller/internal/link"
)

type Config struct {
	Threshold   int16 // dBm; signal above this skips the scan
	Improvement int16 // dBm; strict margin a candidate must exceed
	MinInterval time.Duration
	MaxInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Threshold:   -75,
		Improvement: 10,
		MinInterval: 15 * time.Second,
		MaxInterval: 120 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.MinInterval <= 0 {
		return errors.New("roaming: min interval must be positive")
	}
	if c.MaxInterval < c.MinInterval {
		return errors.New("roaming: max interval below min interval")
	}
	if c.Improvement < 0 {
		return errors.New("roaming: improvement must not be negative")
	}
	return nil
}

// State is the engine's mutable state. MinInterval <= Backoff <= MaxInterval.
type State struct {
	Backoff   time.Duration
	LastCheck time.Time
}

// ScanFunc returns candidates broadcasting the joined network's name.
type ScanFunc func(ctx context.Context) ([]link.Candidate, error)

// JoinFunc moves the station to c and reports whether it joined.
type JoinFunc func(ctx context.Context, c link.Candidate) (bool, error)

type Outcome int

const (
	Skipped Outcome = iota
	SignalGood
	Roamed
	NoCandidate
	RoamFailed
)

func (o Outcome) String() string {
	switch o {
	case SignalGood:
		return "signal-good"
	case Roamed:
		return "roamed"
	case NoCandidate:
		return "no-candidate"
	case RoamFailed:
		return "roam-failed"
	default:
		return "skipped"
	}
}

type Engine struct {
	cfg   Config
	state State
}

// New returns an engine whose first check is due MinInterval after now.
func New(cfg Config, now time.Time) *Engine {
	return &Engine{
		cfg:   cfg,
		state: State{Backoff: cfg.MinInterval, LastCheck: now},
	}
}

func (e *Engine) State() State { return e.state }

// Reset restarts the cadence at MinInterval from now.
func (e *Engine) Reset(now time.Time) {
	e.state = State{Backoff: e.cfg.MinInterval, LastCheck: now}
}

// Tick runs one roaming check if the backoff interval has elapsed.
func (e *Engine) Tick(ctx context.Context, now time.Time, signal int16, current link.PeerID, scan ScanFunc, join JoinFunc) Outcome {
	if now.Sub(e.state.LastCheck) < e.state.Backoff {
		return Skipped
	}
	e.state.LastCheck = now

	if signal > e.cfg.Threshold {
		if e.state.Backoff != e.cfg.MinInterval {
			e.state.Backoff = e.cfg.MinInterval
			log.Printf("Signal good (%d dBm), roaming interval reset to %s", signal, e.cfg.MinInterval)
		}
		return SignalGood
	}

	log.Printf("Roaming check: signal %d dBm (weak), interval %s, scanning", signal, e.state.Backoff)
	candidates, err := scan(ctx)
	if err != nil {
		log.Printf("Roaming scan failed, treating as no candidates: %v", err)
		candidates = nil
	}

	best, ok := e.best(signal, candidates)
	if !ok || best.Peer == current {
		e.grow()
		log.Printf("No better access point found, next check in %s", e.state.Backoff)
		return NoCandidate
	}

	log.Printf("Switching to access point %s (%d dBm)", best.Peer, best.Signal)
	joined, err := join(ctx, best)
	if err != nil || !joined {
		if err != nil {
			log.Printf("Roam to %s failed: %v", best.Peer, err)
		} else {
			log.Printf("Roam to %s timed out", best.Peer)
		}
		e.grow()
		return RoamFailed
	}

	e.state.Backoff = e.cfg.MinInterval
	log.Printf("Roamed to %s, roaming interval reset to %s", best.Peer, e.cfg.MinInterval)
	return Roamed
}

// best returns the strongest candidate whose signal is strictly greater
// than signal + Improvement.
func (e *Engine) best(signal int16, candidates []link.Candidate) (link.Candidate, bool) {
	var (
		best  link.Candidate
		found bool
	)
	floor := int(signal) + int(e.cfg.Improvement)
	for _, c := range candidates {
		if int(c.Signal) <= floor {
			continue
		}
		if !found || c.Signal > best.Signal {
			best = c
			found = true
		}
	}
	return best, found
}

func (e *Engine) grow() {
	next := e.state.Backoff * 2
	if next > e.cfg.MaxInterval {
		next = e.cfg.MaxInterval
	}
	e.state.Backoff = next
}
