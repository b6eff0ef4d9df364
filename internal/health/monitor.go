// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package health

import (
	"sync"
	"time"

	"grimm.is/multipathd/internal/clock"
)

// Status is one of the four liveness states an interface can be in.
type Status int

const (
	Up Status = iota
	Down
	Backoff
	HoldDown
)

func (s Status) String() string {
	switch s {
	case Up:
		return "up"
	case Down:
		return "down"
	case Backoff:
		return "backoff"
	case HoldDown:
		return "hold_down"
	default:
		return "unknown"
	}
}

// Record is the health record H[iface] of the data model.
type Record struct {
	Status               Status
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	BackoffCount         int
	LastFailureAt        time.Time
	HoldDownUntil        time.Time
}

// Config is the Health Monitor's configuration surface (§6).
type Config struct {
	Interval          time.Duration
	Timeout           time.Duration
	FailureThreshold  int
	RecoveryThreshold int
	ProbeTargetIP     string
	ProbePort         int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	HoldDownDuration  time.Duration
	NeighborGating    bool
	Hysteresis        bool
}

// DefaultConfig returns the configuration defaults from §4.D/§6.
func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		Timeout:           3 * time.Second,
		FailureThreshold:  2,
		RecoveryThreshold: 1,
		ProbeTargetIP:     "1.1.1.1",
		ProbePort:         53,
		BackoffBase:       30 * time.Second,
		BackoffMax:        300 * time.Second,
		HoldDownDuration:  60 * time.Second,
		NeighborGating:    true,
		Hysteresis:        true,
	}
}

// Monitor holds one Record per interface and the global probe-rate
// cursor (see package doc).
type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	clock  clock.Clock
	status map[string]*Record

	lastProbeAt time.Time
	cursor      int // round-robin index into the last-seen interface list
}

// New creates a Monitor. clk may be clock.Real or a *clock.MockClock.
func New(cfg Config, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.Real
	}
	return &Monitor{cfg: cfg, clock: clk, status: make(map[string]*Record)}
}

// Ensure creates H[iface] on first sight, per the lifecycle rule in §3.
func (m *Monitor) Ensure(iface string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(iface)
}

func (m *Monitor) ensureLocked(iface string) *Record {
	r, ok := m.status[iface]
	if !ok {
		r = &Record{Status: Up}
		m.status[iface] = r
	}
	return r
}

// Get returns a copy of H[iface], or a zero-value Up record if unseen.
func (m *Monitor) Get(iface string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.status[iface]; ok {
		return *r
	}
	return Record{Status: Up}
}

// Prune drops health records for interfaces no longer present in S,
// per the lifecycle rule that they carry no kernel state of their own
// once the applier has removed their per-interface table.
func (m *Monitor) Prune(present map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for iface := range m.status {
		if !present[iface] {
			delete(m.status, iface)
		}
	}
}

// UpSet returns the set of interfaces currently Up.
func (m *Monitor) UpSet() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for iface, r := range m.status {
		if r.Status == Up {
			out[iface] = true
		}
	}
	return out
}

// Advance applies one event (success or failure) to iface's record at
// time now, implementing the transition table in the package doc
// verbatim. It returns true if this was a health-edge (a transition
// into or out of Up).
func (m *Monitor) Advance(iface string, success bool, now time.Time) (edge bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.ensureLocked(iface)
	wasUp := r.Status == Up

	switch r.Status {
	case Up:
		if success {
			r.ConsecutiveFailures = 0
			r.ConsecutiveSuccesses++
		} else {
			r.ConsecutiveFailures++
			r.ConsecutiveSuccesses = 0
			if r.ConsecutiveFailures >= m.cfg.FailureThreshold {
				r.Status = Down
				r.LastFailureAt = now
				r.BackoffCount++
			}
		}

	case Down, Backoff:
		if success {
			r.ConsecutiveSuccesses++
			if r.ConsecutiveSuccesses >= m.cfg.RecoveryThreshold {
				if m.cfg.Hysteresis {
					r.Status = HoldDown
					r.HoldDownUntil = now.Add(m.cfg.HoldDownDuration)
					r.BackoffCount = 0
				} else {
					m.resetToUp(r)
				}
			}
		} else {
			r.ConsecutiveSuccesses = 0
			if r.Status == Down {
				backoff := m.cfg.BackoffBase * (1 << uint(r.BackoffCount))
				if backoff > m.cfg.BackoffMax {
					backoff = m.cfg.BackoffMax
				}
				if now.Sub(r.LastFailureAt) >= backoff {
					r.Status = Backoff
				}
			}
			// Backoff/failure: status stays Backoff; apart from the
			// success streak ending, no side effects.
		}

	case HoldDown:
		if !success {
			r.Status = Down
			r.ConsecutiveSuccesses = 0
			r.LastFailureAt = now
			r.BackoffCount++
		}
		// A HoldDown->Up promotion on the passage of time is driven by
		// PromoteIfDue, not by a probe event.
	}

	nowUp := r.Status == Up
	return wasUp != nowUp
}

// PromoteIfDue checks the HoldDown->Up timer transition, which fires
// on an ordinary tick rather than a probe event. It returns true if
// this was a health-edge.
func (m *Monitor) PromoteIfDue(iface string, now time.Time) (edge bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.status[iface]
	if !ok || r.Status != HoldDown {
		return false
	}
	if now.Before(r.HoldDownUntil) {
		return false
	}
	m.resetToUp(r)
	return true
}

func (m *Monitor) resetToUp(r *Record) {
	r.Status = Up
	r.ConsecutiveFailures = 0
	r.ConsecutiveSuccesses = 0
	r.BackoffCount = 0
	r.HoldDownUntil = time.Time{}
}

// DueForProbe reports whether the global probe-rate limit allows a
// probe right now, and if so advances the limiter. Config.Interval is
// a single global budget shared by every interface (see package doc).
func (m *Monitor) DueForProbe(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.lastProbeAt) < m.cfg.Interval {
		return false
	}
	m.lastProbeAt = now
	return true
}

// NextInRoundRobin returns the next interface to probe from ifaces
// (which must be in canonical order) and advances the cursor, so
// detection latency is spread round-robin across interfaces rather
// than probing every interface on every eligible tick.
func (m *Monitor) NextInRoundRobin(ifaces []string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(ifaces) == 0 {
		return ""
	}
	iface := ifaces[m.cursor%len(ifaces)]
	m.cursor++
	return iface
}
