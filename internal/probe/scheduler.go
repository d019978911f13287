// Package probe decides when a health probe must be sent during a dispatch
// and builds the diagnostic message sent to the probe audience.
package probe

import (
	"time"

	"github.com/foxzi/rotasend/internal/store"
)

// Defaults
const (
	DefaultInterval = 500
	DefaultWatchdog = 30 * time.Minute
)

// Scheduler combines a count trigger and a watchdog trigger.
//
// The count trigger fires when count > 0 and count % interval == 0 and
// numbers the probe count/interval. The watchdog fires when more than the
// watchdog window has passed since the last probe (or since the session
// start) and numbers the probe last+1. Probe numbers never go backward.
type Scheduler struct {
	interval int
	watchdog time.Duration
	now      func() time.Time

	last   int
	lastAt time.Time
}

// NewScheduler creates a scheduler for a session started at start.
// interval <= 0 disables the count trigger, watchdog <= 0 the time trigger.
func NewScheduler(interval int, watchdog time.Duration, start time.Time, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		interval: interval,
		watchdog: watchdog,
		now:      now,
		lastAt:   start,
	}
}

// ShouldProbe reports whether a probe is due after count processed
// recipients, given the time of the last probe
func (s *Scheduler) ShouldProbe(count int, lastProbeAt time.Time) (bool, int, store.ProbeKind) {
	if s.interval > 0 && count > 0 && count%s.interval == 0 {
		n := count / s.interval
		if n <= s.last {
			n = s.last + 1
		}
		return true, n, store.ProbePeriodic
	}

	if s.watchdog > 0 && s.now().Sub(lastProbeAt) > s.watchdog {
		return true, s.last + 1, store.ProbeWatchdog
	}

	return false, 0, ""
}

// Due is ShouldProbe against the scheduler's own record of the last probe
func (s *Scheduler) Due(count int) (bool, int, store.ProbeKind) {
	return s.ShouldProbe(count, s.lastAt)
}

// Next returns the number for the final probe
func (s *Scheduler) Next() int {
	return s.last + 1
}

// Record notes that probe number was sent now
func (s *Scheduler) Record(number int) {
	if number > s.last {
		s.last = number
	}
	s.lastAt = s.now()
}

// Touch notes that a probe outside the numbered sequence (a pause probe)
// was sent now. It rearms the watchdog without consuming a number.
func (s *Scheduler) Touch() {
	s.lastAt = s.now()
}

// Last returns the number and time of the last recorded probe
func (s *Scheduler) Last() (int, time.Time) {
	return s.last, s.lastAt
}
