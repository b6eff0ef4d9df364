// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reconcile

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/multipathd/internal/clock"
	"grimm.is/multipathd/internal/health"
	"grimm.is/multipathd/internal/kernel"
	"grimm.is/multipathd/internal/topology"
)

func tuple(iface, gw, src string) topology.Tuple {
	return topology.Tuple{Iface: iface, Gw: net.ParseIP(gw), SrcIP: net.ParseIP(src)}
}

func TestWeight_Heuristic(t *testing.T) {
	require.Equal(t, 5, Weight("eth0"))
	require.Equal(t, 5, Weight("enp3s0"))
	require.Equal(t, 3, Weight("wlan0"))
	require.Equal(t, 2, Weight("enx00e04c680131"))
	require.Equal(t, 1, Weight("tun0"))
}

// Scenario 1: two healthy links steady state — active table gets one
// multipath route weighted by interface class, one rule at LB_PREF.
func TestApply_TwoHealthyLinks(t *testing.T) {
	sim := kernel.NewSimAdapter()
	h := health.New(health.DefaultConfig(), clock.NewMockClock(time.Unix(0, 0)))
	s := []topology.Tuple{
		tuple("eth0", "192.168.1.1", "192.168.1.50"),
		tuple("wlan0", "192.168.2.1", "192.168.2.50"),
	}
	cfg := DefaultConfig()

	errs := Apply(sim, cfg, s, h)
	require.Empty(t, errs)

	tables := sim.Tables()
	require.Contains(t, tables, 100)
	require.Contains(t, tables, 101)
	require.Contains(t, tables, cfg.LBTable)

	active := tables[cfg.LBTable]
	require.Len(t, active, 1)
	require.Len(t, active[0].Nexthops, 2)
	require.Equal(t, 5, active[0].Nexthops[0].Weight) // eth0
	require.Equal(t, 3, active[0].Nexthops[1].Weight) // wlan0

	require.Equal(t, 1, sim.RuleCount(cfg.LBPref))
}

// Scenario 2: one link unhealthy — it moves to Draining, active table
// only carries the healthy nexthop.
func TestApply_OneLinkDown(t *testing.T) {
	sim := kernel.NewSimAdapter()
	clk := clock.NewMockClock(time.Unix(0, 0))
	h := health.New(health.DefaultConfig(), clk)
	h.Advance("wlan0", false, clk.Now())
	h.Advance("wlan0", false, clk.Now())

	s := []topology.Tuple{
		tuple("eth0", "192.168.1.1", "192.168.1.50"),
		tuple("wlan0", "192.168.2.1", "192.168.2.50"),
	}
	cfg := DefaultConfig()

	errs := Apply(sim, cfg, s, h)
	require.Empty(t, errs)

	tables := sim.Tables()
	require.Len(t, tables[cfg.LBTable][0].Nexthops, 1)
	require.Equal(t, "eth0", tables[cfg.LBTable][0].Nexthops[0].Iface)

	draining := tables[cfg.LBTable+1]
	require.Len(t, draining, 1)
	require.Len(t, draining[0].Nexthops, 1)
	require.Equal(t, 1, draining[0].Nexthops[0].Weight)
	require.Equal(t, 1, sim.RuleCount(cfg.LBPref+1))
}

// All links unhealthy: Active is empty, so the multipath rebuild is
// skipped entirely and no active table/rule mutation happens.
func TestApply_AllLinksDown_SkipsRebuild(t *testing.T) {
	sim := kernel.NewSimAdapter()
	clk := clock.NewMockClock(time.Unix(0, 0))
	h := health.New(health.DefaultConfig(), clk)
	h.Advance("eth0", false, clk.Now())
	h.Advance("eth0", false, clk.Now())

	s := []topology.Tuple{tuple("eth0", "192.168.1.1", "192.168.1.50")}
	cfg := DefaultConfig()

	errs := Apply(sim, cfg, s, h)
	require.Empty(t, errs)

	tables := sim.Tables()
	_, activeExists := tables[cfg.LBTable]
	require.False(t, activeExists)
	require.Equal(t, 0, sim.RuleCount(cfg.LBPref))

	// Return table for eth0 is still installed regardless of health.
	require.Contains(t, tables, 100)
}

// Repeated reconcile with an unchanged (S, Up-set) must not duplicate
// the active-mark rule — resolves the duplicate-rule Open Question as
// "issued exactly once".
func TestApply_Idempotent_NoDuplicateActiveRule(t *testing.T) {
	sim := kernel.NewSimAdapter()
	clk := clock.NewMockClock(time.Unix(0, 0))
	h := health.New(health.DefaultConfig(), clk)
	s := []topology.Tuple{tuple("eth0", "192.168.1.1", "192.168.1.50")}
	cfg := DefaultConfig()

	Apply(sim, cfg, s, h)
	Apply(sim, cfg, s, h)
	Apply(sim, cfg, s, h)

	require.Equal(t, 1, sim.RuleCount(cfg.LBPref))
}

func TestApply_SessionAffinity_PerInterfaceShards(t *testing.T) {
	sim := kernel.NewSimAdapter()
	clk := clock.NewMockClock(time.Unix(0, 0))
	h := health.New(health.DefaultConfig(), clk)
	s := []topology.Tuple{
		tuple("eth0", "192.168.1.1", "192.168.1.50"),
		tuple("wlan0", "192.168.2.1", "192.168.2.50"),
	}
	cfg := DefaultConfig()
	cfg.AffinityEnabled = true

	errs := Apply(sim, cfg, s, h)
	require.Empty(t, errs)

	tables := sim.Tables()
	require.Contains(t, tables, cfg.LBTable+2)
	require.Contains(t, tables, cfg.LBTable+3)
	_, plainActiveExists := tables[cfg.LBTable]
	require.False(t, plainActiveExists, "affinity mode replaces the single active table, it doesn't also populate it")
}

func TestApply_ConsistentNAT_OneMasqueradePerIface(t *testing.T) {
	sim := kernel.NewSimAdapter()
	clk := clock.NewMockClock(time.Unix(0, 0))
	h := health.New(health.DefaultConfig(), clk)
	s := []topology.Tuple{
		tuple("eth0", "192.168.1.1", "192.168.1.50"),
		tuple("wlan0", "192.168.2.1", "192.168.2.50"),
	}
	cfg := DefaultConfig()
	cfg.ConsistentNAT = true

	require.Empty(t, Apply(sim, cfg, s, h))
	require.Equal(t, []string{"eth0", "wlan0"}, egressInterfaces(Classify(s, h)))
}
