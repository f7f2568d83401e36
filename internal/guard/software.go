package guard

import (
	"sync"
	"time"
)

// Software is a timer-backed Watchdog for hosts without a watchdog device.
// OnExpire runs on its own goroutine when the timer fires.
type Software struct {
	OnExpire func()

	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration
}

func (s *Software) Arm(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timeout = timeout
	s.timer = time.AfterFunc(timeout, s.expire)
	return nil
}

func (s *Software) Keepalive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Reset(s.timeout)
	}
	return nil
}

func (s *Software) Disarm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return nil
}

func (s *Software) expire() {
	if s.OnExpire != nil {
		s.OnExpire()
	}
}
