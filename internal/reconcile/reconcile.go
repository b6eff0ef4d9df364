// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package reconcile implements the Reconciler (component E): a pure
// classification of the canonical state S against health H, followed
// by an applier that drives the Kernel Adapter through the exact
// return-tables -> active-table -> draining-table -> nftables ->
// route-cache-flush ordering.
package reconcile

import (
	"fmt"
	"net"
	"regexp"

	"grimm.is/multipathd/internal/health"
	"grimm.is/multipathd/internal/kernel"
	"grimm.is/multipathd/internal/topology"
)

// Config is the reconciler's configuration surface (§6).
type Config struct {
	LBTable         int
	LBPref          int
	ActiveMark      uint32
	DrainingMark    uint32
	AffinityMask    uint32
	AffinityEnabled bool
	DrainingEnabled bool
	ConsistentNAT   bool
}

// DefaultConfig returns the numeric contract from §6, unchanged: these
// values are part of the external contract because the cleanup path
// flushes exactly these ranges.
func DefaultConfig() Config {
	return Config{
		LBTable:       200,
		LBPref:        90,
		ActiveMark:    0x20000000,
		DrainingMark:  0x10000000,
		AffinityMask:  0x0000FFFF,
		DrainingEnabled: true,
		ConsistentNAT: true,
	}
}

const (
	returnTableBase = 100
	returnPrefBase  = 100
	// affinityShardBase/affinityShardCount resolve a conflict between
	// §4.E's prose ("AT+1 .. AT+|Active|") and §6's numeric contract
	// (LB_TABLE+1 reserved for draining, LB_TABLE+2..+10 for affinity
	// shards). §6 is binding because the cleanup path flushes exactly
	// those ranges, so shards start at +2, not +1.
	affinityShardBase  = 2
	affinityShardCount = 9 // LB_TABLE+2 .. LB_TABLE+10
)

var (
	wiredPattern  = regexp.MustCompile(`^(eno|ens|enp|eth)`)
	wifiPattern   = regexp.MustCompile(`^(wlan|wlp|wlx|wl)`)
	usbEthPattern = regexp.MustCompile(`^(enx)`)
)

// Weight is the interface-name heuristic W(iface) of §4.E.
func Weight(iface string) int {
	switch {
	case wiredPattern.MatchString(iface):
		return 5
	case wifiPattern.MatchString(iface):
		return 3
	case usbEthPattern.MatchString(iface):
		return 2
	default:
		return 1
	}
}

// Classification splits S into Active (healthy) and Draining
// (everything else) per §4.E. The ordering of S is preserved in both
// halves, which is what makes rule priorities and nexthop order
// deterministic for identical inputs.
type Classification struct {
	Active   []topology.Tuple
	Draining []topology.Tuple
}

// Classify partitions S using H's Up-set. Interfaces seen in S for the
// first time get their health record created here (initial status Up,
// per the data model's lifecycle rule), so a brand-new interface is
// Active from the first reconcile rather than defaulting to Draining.
func Classify(s []topology.Tuple, h *health.Monitor) Classification {
	for _, t := range s {
		h.Ensure(t.Iface)
	}
	up := h.UpSet()
	var c Classification
	for _, t := range s {
		if up[t.Iface] {
			c.Active = append(c.Active, t)
		} else {
			c.Draining = append(c.Draining, t)
		}
	}
	return c
}

// Apply computes and installs the desired kernel state K for S/H in
// the mandated order: return tables -> active table/rule -> draining
// table/rule -> nftables reset -> route cache flush. It returns every
// non-nil error encountered, having continued past each one (per the
// error-handling design: a single failed table or rule is logged and
// skipped, not fatal to the whole pass).
func Apply(adapter kernel.Adapter, cfg Config, s []topology.Tuple, h *health.Monitor) []error {
	var errs []error
	note := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for i, t := range s {
		note(applyReturnTable(adapter, t, i))
	}

	c := Classify(s, h)

	if len(c.Active) == 0 {
		// §4.E: if Active is empty, skip the multipath rebuild
		// entirely; existing rules drain naturally.
		return errs
	}

	if cfg.AffinityEnabled && len(c.Active) > 1 {
		note(applyAffinityTables(adapter, cfg, c.Active))
	} else {
		note(applyActiveTable(adapter, cfg, c.Active))
	}

	draining := c.Draining
	if !cfg.DrainingEnabled {
		// draining_enabled=false: unhealthy tuples get no DT; new flows
		// simply have nowhere to land on them once they drop out of
		// Active. applyNftables still works from the full
		// classification, so they keep their masquerade rule.
		draining = nil
	}
	note(applyDrainingTable(adapter, cfg, draining))
	note(applyNftables(adapter, cfg, c))
	note(adapter.FlushRouteCache())

	return errs
}

func applyReturnTable(adapter kernel.Adapter, t topology.Tuple, i int) error {
	tableID := returnTableBase + i
	pref := returnPrefBase + i

	if err := adapter.FlushTable(tableID); err != nil {
		return fmt.Errorf("flush return table %d: %w", tableID, err)
	}
	if err := adapter.DelRulesMatching(pref, 0); err != nil {
		return fmt.Errorf("clear return rule %d: %w", pref, err)
	}

	gwHost := &net.IPNet{IP: t.Gw, Mask: net.CIDRMask(32, 32)}
	routes := []kernel.RouteEntry{
		{Dst: gwHost, Src: t.SrcIP, Iface: t.Iface}, // t.gw dev t.iface src t.src_ip
		{Dst: nil, Via: t.Gw, Iface: t.Iface},       // default via t.gw dev t.iface
	}
	if err := adapter.AddTable(tableID, routes); err != nil {
		return fmt.Errorf("add return table %d: %w", tableID, err)
	}
	if err := adapter.AddRule(kernel.Selector{Src: t.SrcIP}, tableID, pref); err != nil {
		return fmt.Errorf("add return rule %d: %w", pref, err)
	}
	return nil
}

func applyActiveTable(adapter kernel.Adapter, cfg Config, active []topology.Tuple) error {
	nexthops := make([]kernel.Nexthop, 0, len(active))
	for _, t := range active {
		nexthops = append(nexthops, kernel.Nexthop{Gw: t.Gw, Iface: t.Iface, Weight: Weight(t.Iface)})
	}
	if err := adapter.AddTable(cfg.LBTable, []kernel.RouteEntry{{Nexthops: nexthops}}); err != nil {
		return fmt.Errorf("add active table %d: %w", cfg.LBTable, err)
	}

	// §9 Open Question resolved: a single AddRule call issues the
	// active-mark rule exactly once per reconcile, relying on
	// AddRule's own idempotence for repeat passes rather than
	// deleting and re-adding it every time.
	sel := kernel.Selector{FwMark: cfg.ActiveMark}
	if err := adapter.AddRule(sel, cfg.LBTable, cfg.LBPref); err != nil {
		return fmt.Errorf("add active rule %d: %w", cfg.LBPref, err)
	}
	return nil
}

// applyAffinityTables installs the session-affinity variant: one
// single-nexthop table per active interface, each selected by a
// fwmark-and-mask rule keyed on the low bits of ACTIVE_MARK.
func applyAffinityTables(adapter kernel.Adapter, cfg Config, active []topology.Tuple) error {
	if len(active) > affinityShardCount {
		return fmt.Errorf("affinity shards exhausted: %d active interfaces, %d shards available", len(active), affinityShardCount)
	}
	for i, t := range active {
		tableID := cfg.LBTable + affinityShardBase + i
		pref := cfg.LBPref + affinityShardBase + i
		route := kernel.RouteEntry{Nexthops: []kernel.Nexthop{{Gw: t.Gw, Iface: t.Iface, Weight: Weight(t.Iface)}}}
		if err := adapter.AddTable(tableID, []kernel.RouteEntry{route}); err != nil {
			return fmt.Errorf("add affinity table %d: %w", tableID, err)
		}
		sel := kernel.Selector{FwMark: cfg.ActiveMark | uint32(i), FwMask: cfg.AffinityMask}
		if err := adapter.AddRule(sel, tableID, pref); err != nil {
			return fmt.Errorf("add affinity rule %d: %w", pref, err)
		}
	}
	return nil
}

func applyDrainingTable(adapter kernel.Adapter, cfg Config, draining []topology.Tuple) error {
	dt := cfg.LBTable + 1
	if len(draining) == 0 {
		// §4.E: DT is omitted entirely when there's nothing to drain.
		if err := adapter.FlushTable(dt); err != nil {
			return fmt.Errorf("flush empty draining table %d: %w", dt, err)
		}
		if err := adapter.DelRulesMatching(cfg.LBPref+1, 0); err != nil {
			return fmt.Errorf("clear draining rule %d: %w", cfg.LBPref+1, err)
		}
		return nil
	}

	nexthops := make([]kernel.Nexthop, 0, len(draining))
	for _, t := range draining {
		nexthops = append(nexthops, kernel.Nexthop{Gw: t.Gw, Iface: t.Iface, Weight: 1})
	}
	if err := adapter.AddTable(dt, []kernel.RouteEntry{{Nexthops: nexthops}}); err != nil {
		return fmt.Errorf("add draining table %d: %w", dt, err)
	}
	sel := kernel.Selector{FwMark: cfg.DrainingMark}
	if err := adapter.AddRule(sel, dt, cfg.LBPref+1); err != nil {
		return fmt.Errorf("add draining rule %d: %w", cfg.LBPref+1, err)
	}
	return nil
}

func applyNftables(adapter kernel.Adapter, cfg Config, c Classification) error {
	if err := adapter.NftResetTable("loadbalancing"); err != nil {
		return fmt.Errorf("reset nftables table: %w", err)
	}

	script := kernel.NewNftScript("loadbalancing", "ip")
	script.AddChain("mangle", "route", "output", -150, "accept")
	script.AddChain("postrouting", "nat", "postrouting", 100, "accept")

	if cfg.AffinityEnabled && len(c.Active) > 1 {
		n := len(c.Active)
		script.AddRule("mangle", fmt.Sprintf("ct state new ct mark set symhash mod %d", n))
		script.AddRule("mangle", fmt.Sprintf("ct state new ct mark set ct mark or 0x%08x", cfg.ActiveMark))
	} else {
		script.AddRule("mangle", fmt.Sprintf("tcp dport != 53 ct state new ct mark set 0x%08x", cfg.ActiveMark))
		script.AddRule("mangle", fmt.Sprintf("udp dport != 53 ct state new ct mark set 0x%08x", cfg.ActiveMark))
		script.AddRule("mangle", fmt.Sprintf("icmp type echo-request ct state new ct mark set 0x%08x", cfg.ActiveMark))
	}

	if cfg.ConsistentNAT {
		for _, iface := range egressInterfaces(c) {
			script.AddRule("postrouting", fmt.Sprintf("oifname %q masquerade", iface))
		}
	} else {
		script.AddRule("postrouting", "masquerade")
	}

	if err := adapter.NftApply(script.Build()); err != nil {
		return fmt.Errorf("apply nftables script: %w", err)
	}
	return nil
}

// egressInterfaces returns the distinct interface names present in
// Active union Draining, in the order they first appear.
func egressInterfaces(c Classification) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range append(append([]topology.Tuple{}, c.Active...), c.Draining...) {
		if !seen[t.Iface] {
			seen[t.Iface] = true
			out = append(out, t.Iface)
		}
	}
	return out
}
