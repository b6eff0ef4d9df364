// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/multipathd/internal/clock"
)

func newTestMonitor() (*Monitor, *clock.MockClock) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	return New(DefaultConfig(), clk), clk
}

func TestAdvance_UpStaysUpOnSuccess(t *testing.T) {
	m, clk := newTestMonitor()
	edge := m.Advance("eth0", true, clk.Now())
	require.False(t, edge)
	require.Equal(t, Up, m.Get("eth0").Status)
}

func TestAdvance_UpToDownAtFailureThreshold(t *testing.T) {
	m, clk := newTestMonitor()
	edge1 := m.Advance("eth0", false, clk.Now())
	require.False(t, edge1)
	require.Equal(t, Up, m.Get("eth0").Status)

	edge2 := m.Advance("eth0", false, clk.Now())
	require.True(t, edge2)
	rec := m.Get("eth0")
	require.Equal(t, Down, rec.Status)
	require.Equal(t, 1, rec.BackoffCount)
}

// Scenario 3: recovery with hysteresis enters HoldDown, not straight to Up.
func TestAdvance_RecoveryEntersHoldDown(t *testing.T) {
	m, clk := newTestMonitor()
	m.Advance("wlan0", false, clk.Now())
	m.Advance("wlan0", false, clk.Now())
	require.Equal(t, Down, m.Get("wlan0").Status)

	clk.Advance(1 * time.Second)
	edge := m.Advance("wlan0", true, clk.Now())
	require.False(t, edge) // HoldDown is not Up yet
	rec := m.Get("wlan0")
	require.Equal(t, HoldDown, rec.Status)
	require.Equal(t, 0, rec.BackoffCount)

	// Before hold-down expires, no promotion.
	clk.Advance(59 * time.Second)
	require.False(t, m.PromoteIfDue("wlan0", clk.Now()))
	require.Equal(t, HoldDown, m.Get("wlan0").Status)

	// After hold-down expires, promotion to Up is a health-edge.
	clk.Advance(2 * time.Second)
	require.True(t, m.PromoteIfDue("wlan0", clk.Now()))
	require.Equal(t, Up, m.Get("wlan0").Status)
}

func TestAdvance_RecoveryWithoutHysteresisGoesStraightToUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hysteresis = false
	clk := clock.NewMockClock(time.Unix(0, 0))
	m := New(cfg, clk)

	m.Advance("eth0", false, clk.Now())
	m.Advance("eth0", false, clk.Now())
	require.Equal(t, Down, m.Get("eth0").Status)

	edge := m.Advance("eth0", true, clk.Now())
	require.True(t, edge)
	require.Equal(t, Up, m.Get("eth0").Status)
}

// Flap protection: an interface that keeps failing stays in Down until
// its backoff window (BackoffBase * 2^BackoffCount) elapses, then moves
// to Backoff. The BackoffMax cap is covered by the next test.
func TestAdvance_DownMovesToBackoffAfterWindow(t *testing.T) {
	m, clk := newTestMonitor()

	m.Advance("eth0", false, clk.Now())
	m.Advance("eth0", false, clk.Now())
	rec := m.Get("eth0")
	require.Equal(t, Down, rec.Status)
	require.Equal(t, 1, rec.BackoffCount)

	// BackoffBase=30s, BackoffCount=1 -> window is 60s. Short of that,
	// a repeat failure must not promote to Backoff.
	clk.Advance(30 * time.Second)
	m.Advance("eth0", false, clk.Now())
	require.Equal(t, Down, m.Get("eth0").Status)

	clk.Advance(31 * time.Second)
	m.Advance("eth0", false, clk.Now())
	require.Equal(t, Backoff, m.Get("eth0").Status)
}

func TestBackoffWindow_CapsAtBackoffMax(t *testing.T) {
	m, clk := newTestMonitor()
	r := m.Ensure("eth0")
	r.Status = Down
	r.BackoffCount = 10 // base*2^10 would vastly exceed BackoffMax
	r.LastFailureAt = clk.Now()

	// Even BackoffMax itself (300s) must be enough once capped.
	clk.Advance(301 * time.Second)
	m.Advance("eth0", false, clk.Now())
	require.Equal(t, Backoff, m.Get("eth0").Status)
}

func TestAdvance_HoldDownFailureGoesToDown(t *testing.T) {
	m, clk := newTestMonitor()
	m.Advance("eth0", false, clk.Now())
	m.Advance("eth0", false, clk.Now())
	clk.Advance(1 * time.Second)
	m.Advance("eth0", true, clk.Now())
	require.Equal(t, HoldDown, m.Get("eth0").Status)

	edge := m.Advance("eth0", false, clk.Now())
	require.True(t, edge)
	rec := m.Get("eth0")
	require.Equal(t, Down, rec.Status)
	require.Equal(t, 1, rec.BackoffCount)
}

func TestDueForProbe_GlobalRateLimit(t *testing.T) {
	m, clk := newTestMonitor()
	require.True(t, m.DueForProbe(clk.Now()))
	require.False(t, m.DueForProbe(clk.Now()))

	clk.Advance(m.cfg.Interval)
	require.True(t, m.DueForProbe(clk.Now()))
}

func TestNextInRoundRobin(t *testing.T) {
	m, _ := newTestMonitor()
	ifaces := []string{"eth0", "wlan0", "usb0"}
	require.Equal(t, "eth0", m.NextInRoundRobin(ifaces))
	require.Equal(t, "wlan0", m.NextInRoundRobin(ifaces))
	require.Equal(t, "usb0", m.NextInRoundRobin(ifaces))
	require.Equal(t, "eth0", m.NextInRoundRobin(ifaces))
}

func TestPrune_RemovesGoneInterfaces(t *testing.T) {
	m, clk := newTestMonitor()
	m.Advance("eth0", true, clk.Now())
	m.Advance("wlan0", true, clk.Now())

	m.Prune(map[string]bool{"eth0": true})

	require.Equal(t, Up, m.Get("eth0").Status) // unseen returns a fresh Up record too, so check via UpSet
	up := m.UpSet()
	_, wlanStillTracked := up["wlan0"]
	require.False(t, wlanStillTracked)
}
