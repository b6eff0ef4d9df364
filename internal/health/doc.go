// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package health implements the Health Monitor (component D): one
// liveness state machine per interface, advanced by Advance with the
// result of one probe, at most one probe per interval globally across
// all interfaces (DueForProbe). The caller picks the interface to probe
// round-robin (NextInRoundRobin), not every interface every tick — that
// rate limit is global on
// purpose (see Config.Interval) and bounds probe traffic regardless of
// how many links are present, at the cost of per-interface detection
// latency scaling with the number of links.
//
// Transition table, reproduced from the state-machine contract this
// package implements (iface health h, event e, from/to status):
//
//	Up            success  --                                             -> Up        failures=0, successes++
//	Up            failure  failures+1 < FailureThreshold                  -> Up        failures++
//	Up            failure  failures+1 >= FailureThreshold                 -> Down       last_failure=now, backoff_count++
//	Down          failure  now-last_failure >= min(base*2^backoff, max)   -> Backoff    --
//	Down          failure  otherwise                                      -> Down       --
//	Down/Backoff  success  successes+1 < RecoveryThreshold                -> same       successes++
//	Down/Backoff  success  successes+1 >= RecoveryThreshold, hysteresis   -> HoldDown    hold_down_until=now+HoldDown, backoff_count=0
//	Down/Backoff  success  successes+1 >= RecoveryThreshold, no hysteresis -> Up        counters reset
//	HoldDown      tick     now >= hold_down_until (PromoteIfDue)          -> Up        counters reset
//	HoldDown      failure  --                                             -> Down       last_failure=now, backoff_count++
//
// A transition into or out of Up is a health-edge; the caller (the
// Supervisor) treats that as cause to force a reconcile even absent a
// route event.
package health
