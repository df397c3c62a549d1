// Package antispam throttles how fast one session may feed lines into the
// journal.
package antispam

import (
	"sync"
	"time"

	"github.com/opencog/cogserver-net/internal/config"
)

// Tracker tracks journaled input for a single session.
type Tracker struct {
	mu        sync.Mutex
	config    config.FloodConfig
	now       func() time.Time
	lineTimes []time.Time          // timestamps of recent lines
	lastLines map[string]time.Time // line -> last accepted time
}

// NewTracker creates a tracker for one session.
func NewTracker(cfg config.FloodConfig) *Tracker {
	return &Tracker{
		config:    cfg,
		now:       time.Now,
		lineTimes: make([]time.Time, 0, max(cfg.MaxLines, 0)),
		lastLines: make(map[string]time.Time),
	}
}

// CheckResult says whether a line may be journaled.
type CheckResult struct {
	Allowed     bool
	Reason      string
	WaitSeconds int // how long to wait before trying again
}

// Check records line if it is allowed. A nil Tracker allows everything.
func (t *Tracker) Check(line string) CheckResult {
	if t == nil || !t.config.Enabled {
		return CheckResult{Allowed: true}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.cleanup(now)

	if t.config.RepeatCooldown > 0 {
		if last, ok := t.lastLines[line]; ok {
			remaining := t.config.RepeatCooldown - now.Sub(last)
			return CheckResult{
				Reason:      "repeated input",
				WaitSeconds: int(remaining.Seconds()) + 1,
			}
		}
	}

	if t.config.MaxLines > 0 && len(t.lineTimes) >= t.config.MaxLines {
		remaining := t.lineTimes[0].Add(t.config.Window).Sub(now)
		return CheckResult{
			Reason:      "input rate exceeded",
			WaitSeconds: int(remaining.Seconds()) + 1,
		}
	}

	t.lineTimes = append(t.lineTimes, now)
	if t.config.RepeatCooldown > 0 {
		t.lastLines[line] = now
	}
	return CheckResult{Allowed: true}
}

// cleanup removes expired entries.
func (t *Tracker) cleanup(now time.Time) {
	cutoff := now.Add(-t.config.Window)
	kept := t.lineTimes[:0]
	for _, at := range t.lineTimes {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	t.lineTimes = kept

	repeatCutoff := now.Add(-t.config.RepeatCooldown)
	for line, at := range t.lastLines {
		if !at.After(repeatCutoff) {
			delete(t.lastLines, line)
		}
	}
}

// Reset clears all tracking data.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lineTimes = t.lineTimes[:0]
	clear(t.lastLines)
}
