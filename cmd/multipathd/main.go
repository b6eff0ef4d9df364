// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command multipathd is the reconciliation engine's daemon entry
// point. It takes no arguments (§6): it loads its HCL configuration
// from a fixed path if present, wires the Observer into the Sampler
// into the Health Monitor into the Reconciler, and runs until
// SIGINT/SIGTERM, at which point it cleans up every piece of kernel
// state it owns and exits 0.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/multipathd/internal/clock"
	"grimm.is/multipathd/internal/config"
	"grimm.is/multipathd/internal/health"
	"grimm.is/multipathd/internal/kernel"
	"grimm.is/multipathd/internal/logging"
	"grimm.is/multipathd/internal/supervisor"
	"grimm.is/multipathd/internal/topology"
)

// configPath is where the external one-shot configurator (out of
// scope, §1) is expected to drop its rendered HCL file.
const configPath = "/etc/multipathd/multipathd.hcl"

func main() {
	cfg, err := config.Load(configPath)
	logger := logging.New(cfg.Logging)
	if err != nil {
		logger.Error("config: failed to load, running on defaults", "path", configPath, "error", err)
	}

	adapter, err := kernel.NewLinuxAdapter()
	if err != nil {
		logger.Error("kernel: failed to initialize adapter", "error", err)
		os.Exit(1)
	}
	defer adapter.Close()

	obs := topology.NewObserver(logger)
	hm := health.New(cfg.Health, clock.Real)

	sv := supervisor.New(adapter, obs, hm, clock.Real, logger, cfg.Supervisor, cfg.Reconcile, cfg.HealthCheckEnabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("multipathd starting",
		"lb_table", cfg.Reconcile.LBTable, "lb_pref", cfg.Reconcile.LBPref,
		"affinity_enabled", cfg.Reconcile.AffinityEnabled, "draining_enabled", cfg.Reconcile.DrainingEnabled)

	sv.Run(ctx)
	obs.Close()

	logger.Info("multipathd exiting")
}
