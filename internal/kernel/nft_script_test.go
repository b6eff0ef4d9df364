// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNftScript_OrderAndFlush(t *testing.T) {
	s := NewNftScript("loadbalancing", "ip")
	s.AddChain("mangle", "filter", "output", -150, "accept")
	s.AddChain("postrouting", "nat", "postrouting", 100, "accept")
	s.AddRule("mangle", "ct state new ct mark set 0x20000000")
	s.AddRule("postrouting", "oifname \"eth0\" masquerade")

	out := s.Build()

	tableIdx := strings.Index(out, `add table ip "loadbalancing"`)
	chainIdx := strings.Index(out, `add chain ip "loadbalancing" "mangle"`)
	flushIdx := strings.Index(out, `flush chain ip "loadbalancing" "mangle"`)
	ruleIdx := strings.Index(out, "ct mark set 0x20000000")

	assert.True(t, tableIdx >= 0 && tableIdx < chainIdx)
	assert.True(t, chainIdx < flushIdx)
	assert.True(t, flushIdx < ruleIdx)
}

func TestSimAdapter_RuleIdempotence(t *testing.T) {
	sim := NewSimAdapter()

	require := assert.New(t)
	require.NoError(sim.AddRule(Selector{FwMark: 0x20000000}, 200, 90))
	require.NoError(sim.AddRule(Selector{FwMark: 0x20000000}, 200, 90))

	require.Equal(1, sim.RuleCount(90))
}

func TestSimAdapter_DelRulesMatchingByPref(t *testing.T) {
	sim := NewSimAdapter()
	_ = sim.AddRule(Selector{FwMark: 0x20000000}, 200, 90)
	_ = sim.AddRule(Selector{FwMark: 0x10000000}, 201, 91)

	assert.NoError(t, sim.DelRulesMatching(90, 0))
	assert.Equal(t, 0, sim.RuleCount(90))
	assert.Equal(t, 1, sim.RuleCount(91))
}
