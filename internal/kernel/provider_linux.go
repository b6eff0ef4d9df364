// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package kernel

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	nft "github.com/google/nftables"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"grimm.is/multipathd/internal/errors"
)

// LinuxAdapter is the production Kernel Adapter: vishvananda/netlink for
// routes/rules/neighbors/links, a shelled `nft -f -` script for the
// loadbalancing table (matching this codebase's own nftables apply
// pattern), and a google/nftables connection kept for read-path
// introspection only.
type LinuxAdapter struct {
	handle  *netlink.Handle
	nftConn *nft.Conn
	ns      netns.NsHandle
}

var _ Adapter = (*LinuxAdapter)(nil)

// NewLinuxAdapter constructs a LinuxAdapter bound to the calling
// process's network namespace. The namespace handle is retained and
// closed alongside the adapter so the daemon's entire kernel-mutating
// lifetime is pinned to the namespace it started in, regardless of
// which goroutine later calls into it.
func NewLinuxAdapter() (*LinuxAdapter, error) {
	ns, err := netns.Get()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "kernel: get starting network namespace")
	}
	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		ns.Close()
		return nil, errors.Wrap(err, errors.KindUnavailable, "kernel: open netlink handle")
	}
	conn, err := nft.New()
	if err != nil {
		// Introspection is auxiliary; don't fail adapter construction over it.
		conn = nil
	}
	return &LinuxAdapter{handle: handle, nftConn: conn, ns: ns}, nil
}

// Close releases the retained namespace handle and the netlink socket.
func (a *LinuxAdapter) Close() error {
	a.handle.Close()
	return a.ns.Close()
}

// isIdempotentErr absorbs the two kernel errors every idempotent
// operation must tolerate: "already exists" and "does not exist".
func isIdempotentErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "file exists") ||
		strings.Contains(msg, "no such process") ||
		strings.Contains(msg, "no such file or directory") ||
		strings.Contains(msg, "not found")
}

func (a *LinuxAdapter) AddTable(id int, routes []RouteEntry) error {
	if err := a.FlushTable(id); err != nil {
		return err
	}
	for _, re := range routes {
		route := &netlink.Route{Table: id, Dst: re.Dst}
		if len(re.Nexthops) > 0 {
			mp := make([]*netlink.NexthopInfo, 0, len(re.Nexthops))
			for _, nh := range re.Nexthops {
				link, err := netlink.LinkByName(nh.Iface)
				if err != nil {
					return errors.Wrapf(err, errors.KindUnavailable, "kernel: resolve nexthop interface %s", nh.Iface)
				}
				mp = append(mp, &netlink.NexthopInfo{
					LinkIndex: link.Attrs().Index,
					Gw:        nh.Gw,
					Weight:    nh.Weight,
				})
			}
			route.MultiPath = mp
		} else {
			link, err := netlink.LinkByName(re.Iface)
			if err != nil {
				return errors.Wrapf(err, errors.KindUnavailable, "kernel: resolve route interface %s", re.Iface)
			}
			route.LinkIndex = link.Attrs().Index
			route.Gw = re.Via
			route.Src = re.Src
		}
		if err := a.handle.RouteAdd(route); err != nil && !isIdempotentErr(err) {
			return errors.Wrapf(err, errors.KindUnavailable, "kernel: add route to table %d", id)
		}
	}
	return nil
}

func (a *LinuxAdapter) FlushTable(id int) error {
	routes, err := a.handle.RouteListFiltered(unix.AF_INET, &netlink.Route{Table: id}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "kernel: list routes in table %d", id)
	}
	for i := range routes {
		if err := a.handle.RouteDel(&routes[i]); err != nil && !isIdempotentErr(err) {
			return errors.Wrapf(err, errors.KindUnavailable, "kernel: flush table %d", id)
		}
	}
	return nil
}

func (a *LinuxAdapter) AddRule(sel Selector, tableID, pref int) error {
	rule := netlink.NewRule()
	rule.Table = tableID
	rule.Priority = pref
	if sel.Src != nil {
		rule.Src = &net.IPNet{IP: sel.Src, Mask: net.CIDRMask(32, 32)}
	}
	if sel.FwMark != 0 {
		rule.Mark = sel.FwMark
		if sel.FwMask != 0 {
			rule.Mask = sel.FwMask
		}
	}
	if err := a.handle.RuleAdd(rule); err != nil && !isIdempotentErr(err) {
		return errors.Wrapf(err, errors.KindUnavailable, "kernel: add rule pref %d table %d", pref, tableID)
	}
	return nil
}

// DelRulesMatching removes every rule matching pref and/or tableID;
// a zero value for either means "don't filter on this field", mirroring
// the priority-range rebuild idiom used elsewhere in this codebase for
// idempotent rule management.
func (a *LinuxAdapter) DelRulesMatching(pref, tableID int) error {
	rules, err := a.handle.RuleList(unix.AF_INET)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "kernel: list rules")
	}
	for i := range rules {
		r := rules[i]
		if pref != 0 && r.Priority != pref {
			continue
		}
		if tableID != 0 && r.Table != tableID {
			continue
		}
		if err := a.handle.RuleDel(&r); err != nil && !isIdempotentErr(err) {
			return errors.Wrapf(err, errors.KindUnavailable, "kernel: delete rule pref %d table %d", r.Priority, r.Table)
		}
	}
	return nil
}

func (a *LinuxAdapter) FlushRouteCache() error {
	return runCommand("ip", "route", "flush", "cache")
}

// NftTableExists reports whether name is currently present in the ip
// family, via the read-only nftables connection rather than shelling
// out to `nft list tables` — used by the cleanup path to confirm the
// loadbalancing table is actually gone before the daemon exits.
func (a *LinuxAdapter) NftTableExists(name string) (bool, error) {
	if a.nftConn == nil {
		return false, errors.New(errors.KindUnavailable, "kernel: nftables connection unavailable")
	}
	tables, err := a.nftConn.ListTables()
	if err != nil {
		return false, errors.Wrap(err, errors.KindUnavailable, "kernel: list nftables tables")
	}
	for _, t := range tables {
		if t.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (a *LinuxAdapter) NftResetTable(name string) error {
	// Adding first makes the delete succeed whether or not the table
	// already exists, so the reset is idempotent.
	script := fmt.Sprintf("add table ip %s\ndelete table ip %s\nadd table ip %s\n", quote(name), quote(name), quote(name))
	return a.NftApply(script)
}

func (a *LinuxAdapter) NftApply(script string) error {
	cmd := exec.Command("nft", "-f", "-")
	cmd.Stdin = strings.NewReader(script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "kernel: nft apply failed: "+stderr.String()), "script", script)
	}
	return nil
}

func (a *LinuxAdapter) NeighborState(iface string, gw net.IP) (NeighborState, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return NeighborUnknown, errors.Wrapf(err, errors.KindUnavailable, "kernel: resolve interface %s", iface)
	}
	neighs, err := a.handle.NeighList(link.Attrs().Index, unix.AF_INET)
	if err != nil {
		return NeighborUnknown, errors.Wrapf(err, errors.KindUnavailable, "kernel: list neighbors on %s", iface)
	}
	for _, n := range neighs {
		if n.IP.Equal(gw) {
			return nudStateToNeighborState(n.State), nil
		}
	}
	return NeighborUnknown, nil
}

func nudStateToNeighborState(state int) NeighborState {
	switch state {
	case netlink.NUD_REACHABLE:
		return NeighborReachable
	case netlink.NUD_DELAY:
		return NeighborDelay
	case netlink.NUD_PROBE:
		return NeighborProbe
	case netlink.NUD_STALE:
		return NeighborStale
	case netlink.NUD_FAILED:
		return NeighborFailed
	case netlink.NUD_INCOMPLETE:
		return NeighborIncomplete
	default:
		return NeighborUnknown
	}
}

func (a *LinuxAdapter) NeighborFlush(iface string, gw net.IP) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "kernel: resolve interface %s", iface)
	}
	neigh := &netlink.Neigh{LinkIndex: link.Attrs().Index, IP: gw}
	if err := a.handle.NeighDel(neigh); err != nil && !isIdempotentErr(err) {
		return errors.Wrapf(err, errors.KindUnavailable, "kernel: flush neighbor %s on %s", gw, iface)
	}
	return nil
}

// DialTCP opens a TCP connection bound to srcIP. The source-IP binding
// is what forces the probe onto iface: the kernel selects the egress
// route by source address for a bound dial, not by interface name.
func (a *LinuxAdapter) DialTCP(ctx context.Context, srcIP net.IP, dst net.IP, dstPort int, timeout time.Duration) error {
	dialer := &net.Dialer{
		LocalAddr: &net.TCPAddr{IP: srcIP},
		Timeout:   timeout,
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp4", net.JoinHostPort(dst.String(), strconv.Itoa(dstPort)))
	if err != nil {
		return err
	}
	return conn.Close()
}

func (a *LinuxAdapter) ListDefaultRoutes() ([]DefaultRoute, error) {
	routes, err := a.handle.RouteListFiltered(unix.AF_INET, &netlink.Route{Table: unix.RT_TABLE_MAIN}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "kernel: list main table routes")
	}
	var out []DefaultRoute
	for _, r := range routes {
		if r.Dst != nil || r.Gw == nil || r.LinkIndex == 0 {
			continue
		}
		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			continue
		}
		out = append(out, DefaultRoute{Iface: link.Attrs().Name, Gw: r.Gw})
	}
	return out, nil
}

func (a *LinuxAdapter) PrimaryIPv4Of(iface string) (net.IP, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "kernel: resolve interface %s", iface)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "kernel: list addresses on %s", iface)
	}
	if len(addrs) == 0 {
		return nil, errors.Errorf(errors.KindNotFound, "kernel: no IPv4 address on %s", iface)
	}
	return addrs[0].IP, nil
}

func runCommand(name string, arg ...string) error {
	cmd := exec.Command(name, arg...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "kernel: "+name+" "+strings.Join(arg, " ")+": "+stderr.String())
	}
	return nil
}
