// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package topology implements the Route Observer (component B) and
// the State Sampler (component C): the lazy tick stream and the
// synchronous "what does the main table look like right now" query.
package topology

import (
	"net"
	"sort"

	"grimm.is/multipathd/internal/kernel"
)

// Tuple is the canonical (iface, gw, src_ip) triple: one entry in S.
type Tuple struct {
	Iface string
	Gw    net.IP
	SrcIP net.IP
}

// Key is the sort/equality key "iface,gw,src_ip".
func (t Tuple) Key() string {
	return t.Iface + "," + t.Gw.String() + "," + t.SrcIP.String()
}

// Sample scans the main table for default routes, resolves each
// interface's primary IPv4 address, discards incomplete tuples, and
// returns them in canonical (sorted) order — the State Sampler.
func Sample(adapter kernel.Adapter) ([]Tuple, error) {
	routes, err := adapter.ListDefaultRoutes()
	if err != nil {
		return nil, err
	}

	tuples := make([]Tuple, 0, len(routes))
	for _, r := range routes {
		if r.Iface == "" || r.Gw == nil {
			continue
		}
		src, err := adapter.PrimaryIPv4Of(r.Iface)
		if err != nil || src == nil {
			continue
		}
		tuples = append(tuples, Tuple{Iface: r.Iface, Gw: r.Gw, SrcIP: src})
	}

	sort.Slice(tuples, func(i, j int) bool { return tuples[i].Key() < tuples[j].Key() })
	return tuples, nil
}

// Equal reports whether two canonical states are identical — the
// criterion for "no change" between samples.
func Equal(a, b []Tuple) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key() != b[i].Key() {
			return false
		}
	}
	return true
}
