// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package topology

import (
	"time"

	"grimm.is/multipathd/internal/logging"
)

// Observer is a poll-only stand-in for non-Linux builds (development
// and CI on other platforms); the real notification source is netlink,
// Linux-only like the rest of this control plane.
type Observer struct {
	ticks chan struct{}
	done  chan struct{}
}

func NewObserver(logger *logging.Logger) *Observer {
	o := &Observer{ticks: make(chan struct{}, 1), done: make(chan struct{})}
	o.ticks <- struct{}{}
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case o.ticks <- struct{}{}:
				default:
				}
			case <-o.done:
				return
			}
		}
	}()
	return o
}

func (o *Observer) Ticks() <-chan struct{} { return o.ticks }
func (o *Observer) Close()                 { close(o.done) }
