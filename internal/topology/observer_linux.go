// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package topology

import (
	"time"

	"github.com/vishvananda/netlink"

	"grimm.is/multipathd/internal/logging"
)

// Observer is the Route Observer (component B): a lazy stream of
// opaque "topology may have changed" ticks. One synthetic tick is sent
// immediately so the first reconcile always runs.
type Observer struct {
	ticks  chan struct{}
	done   chan struct{}
	logger *logging.Logger
}

// NewObserver starts subscribing to route and link netlink
// notifications. If the subscription itself fails (e.g. insufficient
// netlink groups), it degrades to a poll ticker rather than stalling —
// an Observer stall is explicitly not a fatal condition.
func NewObserver(logger *logging.Logger) *Observer {
	o := &Observer{
		ticks:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	o.ticks <- struct{}{} // synthetic startup tick

	routeCh := make(chan netlink.RouteUpdate)
	linkCh := make(chan netlink.LinkUpdate)

	routeErr := netlink.RouteSubscribe(routeCh, o.done)
	linkErr := netlink.LinkSubscribe(linkCh, o.done)

	if routeErr != nil || linkErr != nil {
		o.logger.Warn("topology: netlink subscribe failed, falling back to polling",
			"route_err", routeErr, "link_err", linkErr)
		go o.poll()
		return o
	}

	go o.drain(routeCh, linkCh)
	return o
}

func (o *Observer) drain(routeCh <-chan netlink.RouteUpdate, linkCh <-chan netlink.LinkUpdate) {
	for {
		select {
		case <-routeCh:
			o.raise()
		case <-linkCh:
			o.raise()
		case <-o.done:
			return
		}
	}
}

func (o *Observer) poll() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.raise()
		case <-o.done:
			return
		}
	}
}

// raise emits a tick without blocking; a pending tick already covers
// any change that hasn't been consumed yet.
func (o *Observer) raise() {
	select {
	case o.ticks <- struct{}{}:
	default:
	}
}

// Ticks returns the channel the Supervisor reads from.
func (o *Observer) Ticks() <-chan struct{} { return o.ticks }

// Close stops the Observer's subscriptions.
func (o *Observer) Close() { close(o.done) }
