// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package supervisor owns the main control loop (component F): it
// wires the Route Observer into the State Sampler, the State Sampler
// into the Health Monitor, and the pair of them into the Reconciler,
// debouncing route events and driving the periodic health schedule on
// its own timer so liveness transitions happen even without one.
package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"grimm.is/multipathd/internal/clock"
	"grimm.is/multipathd/internal/health"
	"grimm.is/multipathd/internal/kernel"
	"grimm.is/multipathd/internal/logging"
	"grimm.is/multipathd/internal/reconcile"
	"grimm.is/multipathd/internal/topology"
)

// healthTickInterval is how often the Supervisor checks whether a
// probe or a HoldDown promotion is due. It is independent of (and
// much finer than) health.Config.Interval, the global per-probe rate
// limit §4.D actually specifies; this is just the loop's own
// scheduling granularity and isn't part of the external contract.
const healthTickInterval = 1 * time.Second

// Config is the Supervisor's own configuration surface (§6).
type Config struct {
	DebounceTime time.Duration
}

// DefaultConfig returns the §6 default: a 2s debounce.
func DefaultConfig() Config {
	return Config{DebounceTime: 2 * time.Second}
}

// Observer is the subset of topology.Observer the Supervisor depends
// on, so tests can substitute a synthetic tick source.
type Observer interface {
	Ticks() <-chan struct{}
	Close()
}

// Supervisor drives the reconciliation engine's main loop.
type Supervisor struct {
	Adapter       kernel.Adapter
	Observer      Observer
	Health        *health.Monitor
	Clock         clock.Clock
	Logger        *logging.Logger
	Config        Config
	Reconcile     reconcile.Config
	ProbingEnabled bool

	lastApplied string // cache key of the last-applied (S, Up-set)
	lastSample  []topology.Tuple
}

// New constructs a Supervisor from its wired dependencies.
func New(adapter kernel.Adapter, obs Observer, hm *health.Monitor, clk clock.Clock, logger *logging.Logger, cfg Config, rcfg reconcile.Config, probingEnabled bool) *Supervisor {
	if clk == nil {
		clk = clock.Real
	}
	return &Supervisor{
		Adapter: adapter, Observer: obs, Health: hm, Clock: clk, Logger: logger,
		Config: cfg, Reconcile: rcfg, ProbingEnabled: probingEnabled,
	}
}

// Run blocks until ctx is cancelled, then runs cleanup and returns.
// It is the top of the reconciliation engine: every tick from the
// Observer eventually produces a reconcile within Config.DebounceTime
// (per §5's ordering guarantee), and the health ticker drives liveness
// transitions, and the reconciles they force, independent of route
// events.
func (sv *Supervisor) Run(ctx context.Context) {
	healthTicker := time.NewTicker(healthTickInterval)
	defer healthTicker.Stop()

	var lastProcessed time.Time

	for {
		select {
		case <-sv.Observer.Ticks():
			sv.waitOutDebounce(ctx, &lastProcessed)
			select {
			case <-ctx.Done():
				sv.cleanup()
				return
			default:
			}
			sv.reconcileIfChanged()

		case <-healthTicker.C:
			if sv.healthTick() {
				sv.reconcileIfChanged()
			}

		case <-ctx.Done():
			sv.cleanup()
			return
		}
	}
}

// waitOutDebounce sleeps until Config.DebounceTime has elapsed since
// the previous processed tick, so a burst of route events collapses
// into one reconcile instead of one per event.
func (sv *Supervisor) waitOutDebounce(ctx context.Context, lastProcessed *time.Time) {
	now := sv.Clock.Now()
	if remain := sv.Config.DebounceTime - now.Sub(*lastProcessed); remain > 0 {
		timer := time.NewTimer(remain)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}
	*lastProcessed = sv.Clock.Now()
}

// reconcileIfChanged samples S, prunes stale health records, and
// invokes the Reconciler only if (S, Up-set) differs from the
// last-applied snapshot — two consecutive reconciles with an
// unchanged snapshot are a no-op per §5.
func (sv *Supervisor) reconcileIfChanged() {
	s, err := topology.Sample(sv.Adapter)
	if err != nil {
		sv.logError("sample default routes", err)
		return
	}
	sv.lastSample = s

	present := make(map[string]bool, len(s))
	for _, t := range s {
		present[t.Iface] = true
	}
	sv.Health.Prune(present)

	key := snapshotKey(s, sv.Health)
	if key == sv.lastApplied {
		return
	}
	sv.lastApplied = key

	// Each reconcile cycle gets a correlation ID threaded through its
	// log lines, matching the house logging style for tagging
	// multi-step operations.
	cycle := uuid.New().String()
	logger := sv.Logger
	if logger != nil {
		logger = logger.With("reconcile_id", cycle)
	}
	for _, err := range reconcile.Apply(sv.Adapter, sv.Reconcile, s, sv.Health) {
		if logger != nil {
			logger.Error("reconcile", "error", err)
		}
	}
}

// healthTick advances one round-robin probe (subject to the global
// rate limit in health.Monitor) and promotes any interface whose
// HoldDown has expired. It returns true if either produced a
// health-edge, which forces a reconcile even absent a route event.
func (sv *Supervisor) healthTick() bool {
	now := sv.Clock.Now()
	edge := false

	for _, t := range sv.lastSample {
		if sv.Health.PromoteIfDue(t.Iface, now) {
			edge = true
		}
	}

	if sv.ProbingEnabled && len(sv.lastSample) > 0 && sv.Health.DueForProbe(now) {
		ifaces := make([]string, len(sv.lastSample))
		byIface := make(map[string]topology.Tuple, len(sv.lastSample))
		for i, t := range sv.lastSample {
			ifaces[i] = t.Iface
			byIface[t.Iface] = t
		}
		iface := sv.Health.NextInRoundRobin(ifaces)
		t := byIface[iface]

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		success := sv.Health.Probe(ctx, sv.Adapter, t.Iface, t.Gw, t.SrcIP)
		cancel()

		if sv.Health.Advance(t.Iface, success, now) {
			edge = true
		}

		if latency, err := sv.Health.AuxiliaryPing(); err == nil && sv.Logger != nil {
			sv.Logger.Debug("auxiliary ping", "iface", t.Iface, "rtt", latency)
		}
	}

	return edge
}

// cleanup tears down exactly the kernel state this daemon owns,
// per §4.F and the external contract of §6: the active/draining/affinity
// rule range LBPref..LBPref+10, the overlay/draining/affinity table
// range LBTable..LBTable+10, the per-interface return table and rule
// range 100..110, and the nftables table, whose removal is then
// checked with NftTableExists. Every step is best-effort; cleanup never
// aborts partway.
func (sv *Supervisor) cleanup() {
	sv.logInfo("shutting down, cleaning up kernel state")

	for pref := sv.Reconcile.LBPref; pref <= sv.Reconcile.LBPref+10; pref++ {
		if err := sv.Adapter.DelRulesMatching(pref, 0); err != nil {
			sv.logError("cleanup: delete overlay rule", err)
		}
	}
	for id := sv.Reconcile.LBTable; id <= sv.Reconcile.LBTable+10; id++ {
		if err := sv.Adapter.FlushTable(id); err != nil {
			sv.logError("cleanup: flush table", err)
		}
	}
	for id := 100; id <= 110; id++ {
		if err := sv.Adapter.DelRulesMatching(id, 0); err != nil {
			sv.logError("cleanup: delete return rule", err)
		}
		if err := sv.Adapter.FlushTable(id); err != nil {
			sv.logError("cleanup: flush return table", err)
		}
	}
	if err := sv.Adapter.NftApply("delete table ip loadbalancing\n"); err != nil {
		sv.logError("cleanup: remove nftables table", err)
	}
	if exists, err := sv.Adapter.NftTableExists("loadbalancing"); err == nil && exists && sv.Logger != nil {
		sv.Logger.Warn("cleanup: nftables table still present after removal", "table", "loadbalancing")
	}
	if err := sv.Adapter.FlushRouteCache(); err != nil {
		sv.logError("cleanup: flush route cache", err)
	}
}

func (sv *Supervisor) logError(op string, err error) {
	if sv.Logger != nil {
		sv.Logger.Error(op, "error", err)
	}
}

func (sv *Supervisor) logInfo(msg string, kv ...any) {
	if sv.Logger != nil {
		sv.Logger.Info(msg, kv...)
	}
}

// snapshotKey canonicalizes (S, Up-set) into a comparable string: the
// criterion the Supervisor uses to decide whether anything actually
// changed since the last applied reconcile.
func snapshotKey(s []topology.Tuple, h *health.Monitor) string {
	up := h.UpSet()
	key := ""
	for _, t := range s {
		key += t.Key() + "=" + statusMarker(up[t.Iface]) + ";"
	}
	return key
}

func statusMarker(isUp bool) string {
	if isUp {
		return "up"
	}
	return "down"
}
