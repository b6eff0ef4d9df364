// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package health

import (
	"context"
	"errors"
	"net"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/multipathd/internal/kernel"
)

// Probe runs one liveness check of (iface, gw, srcIP) per §4.D: an
// optional neighbor-cache gate, then a TCP connect from srcIP to
// ProbeTargetIP:ProbePort. It never returns an error — any failure to
// reach the target is ordinary input to the health state machine, not
// an error (see §7(3)).
func (m *Monitor) Probe(ctx context.Context, adapter kernel.Adapter, iface string, gw, srcIP net.IP) bool {
	if m.cfg.NeighborGating {
		state, err := adapter.NeighborState(iface, gw)
		if err == nil {
			switch state {
			case kernel.NeighborFailed, kernel.NeighborIncomplete:
				return false
			case kernel.NeighborStale:
				_ = adapter.NeighborFlush(iface, gw)
				// fall through: treated as a pass, to force a fresh
				// ARP/NDP resolution on the next packet.
			case kernel.NeighborReachable, kernel.NeighborDelay, kernel.NeighborProbe, kernel.NeighborUnknown:
				// pass through to the TCP check
			}
		}
	}

	target := net.ParseIP(m.cfg.ProbeTargetIP)
	err := adapter.DialTCP(ctx, srcIP, target, m.cfg.ProbePort, m.cfg.Timeout)
	return err == nil
}

// AuxiliaryPing runs a single unprivileged ICMP echo against the
// configured probe target and returns its round-trip latency. It is
// not part of the liveness state machine — pro-bing has no way to bind
// to a source IP, so it cannot force the probe onto a specific
// interface the way §4.D's contract requires — and its result is
// surfaced only for operators' logs, never fed into Advance.
func (m *Monitor) AuxiliaryPing() (latency time.Duration, err error) {
	pinger, err := probing.NewPinger(m.cfg.ProbeTargetIP)
	if err != nil {
		return 0, err
	}
	pinger.Count = 1
	pinger.Timeout = m.cfg.Timeout
	pinger.SetPrivileged(false)

	if err := pinger.Run(); err != nil {
		return 0, err
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, errNoReply
	}
	return stats.AvgRtt, nil
}

var errNoReply = errors.New("health: auxiliary ping received no reply")
