// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config decodes the daemon's HCL configuration surface (§6)
// into the typed config structs each component already exposes
// (health.Config, reconcile.Config, supervisor.Config), with the
// documented defaults applied wherever the file is silent or absent.
package config

import (
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"grimm.is/multipathd/internal/health"
	"grimm.is/multipathd/internal/logging"
	"grimm.is/multipathd/internal/reconcile"
	"grimm.is/multipathd/internal/supervisor"
)

// File is the on-disk shape of the HCL configuration surface in §6.
// Every field is optional; an absent field keeps its §6 default.
type File struct {
	LBTable              *int     `hcl:"lb_table,optional"`
	LBPref               *int     `hcl:"lb_pref,optional"`
	DebounceTimeSeconds  *int     `hcl:"debounce_time,optional"`
	HealthCheckEnabled   *bool    `hcl:"health_check_enabled,optional"`
	HealthCheckInterval  *int     `hcl:"health_check_interval,optional"`
	HealthCheckTimeout   *int     `hcl:"health_check_timeout,optional"`
	FailureThreshold     *int     `hcl:"failure_threshold,optional"`
	RecoveryThreshold    *int     `hcl:"recovery_threshold,optional"`
	ProbeTarget          *string  `hcl:"probe_target,optional"`
	ProbePort            *int     `hcl:"probe_port,optional"`
	DrainingEnabled      *bool    `hcl:"draining_enabled,optional"`
	AffinityEnabled      *bool    `hcl:"affinity_enabled,optional"`
	HysteresisEnabled    *bool    `hcl:"hysteresis_enabled,optional"`
	BackoffBaseSeconds   *int     `hcl:"backoff_base,optional"`
	BackoffMaxSeconds    *int     `hcl:"backoff_max,optional"`
	HoldDownSeconds      *int     `hcl:"hold_down,optional"`
	ConsistentNAT        *bool    `hcl:"consistent_nat,optional"`
	NeighborReachability *bool    `hcl:"neighbor_reachability,optional"`
	LogLevel             *string  `hcl:"log_level,optional"`
}

// Config is the fully-resolved, typed configuration handed to the
// Supervisor: one sub-config per component, matching the package
// boundaries of §4.
type Config struct {
	Health             health.Config
	Reconcile          reconcile.Config
	Supervisor         supervisor.Config
	Logging            logging.Config
	HealthCheckEnabled bool
}

// Default returns the fully-resolved configuration with every §6
// default applied and no file consulted — the daemon's behavior with
// no configuration present at all.
func Default() Config {
	return Config{
		Health:             health.DefaultConfig(),
		Reconcile:          reconcile.DefaultConfig(),
		Supervisor:         supervisor.DefaultConfig(),
		Logging:            logging.DefaultConfig(),
		HealthCheckEnabled: true,
	}
}

// Load reads path (HCL) and overlays it onto Default(). A missing
// file is not an error: the daemon runs on defaults alone, per §6's
// framing of every option as having a default.
func Load(path string) (Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return cfg, diags
	}

	var f File
	if diags := gohcl.DecodeBody(hclFile.Body, nil, &f); diags.HasErrors() {
		return cfg, diags
	}

	applyOverlay(&cfg, f)
	return cfg, nil
}

func applyOverlay(cfg *Config, f File) {
	if f.LBTable != nil {
		cfg.Reconcile.LBTable = *f.LBTable
	}
	if f.LBPref != nil {
		cfg.Reconcile.LBPref = *f.LBPref
	}
	if f.DebounceTimeSeconds != nil {
		cfg.Supervisor.DebounceTime = time.Duration(*f.DebounceTimeSeconds) * time.Second
	}
	if f.HealthCheckEnabled != nil {
		cfg.HealthCheckEnabled = *f.HealthCheckEnabled
	}
	if f.HealthCheckInterval != nil {
		cfg.Health.Interval = time.Duration(*f.HealthCheckInterval) * time.Second
	}
	if f.HealthCheckTimeout != nil {
		cfg.Health.Timeout = time.Duration(*f.HealthCheckTimeout) * time.Second
	}
	if f.FailureThreshold != nil {
		cfg.Health.FailureThreshold = *f.FailureThreshold
	}
	if f.RecoveryThreshold != nil {
		cfg.Health.RecoveryThreshold = *f.RecoveryThreshold
	}
	if f.ProbeTarget != nil {
		cfg.Health.ProbeTargetIP = *f.ProbeTarget
	}
	if f.ProbePort != nil {
		cfg.Health.ProbePort = *f.ProbePort
	}
	if f.DrainingEnabled != nil {
		cfg.Reconcile.DrainingEnabled = *f.DrainingEnabled
	}
	if f.AffinityEnabled != nil {
		cfg.Reconcile.AffinityEnabled = *f.AffinityEnabled
	}
	if f.HysteresisEnabled != nil {
		cfg.Health.Hysteresis = *f.HysteresisEnabled
	}
	if f.BackoffBaseSeconds != nil {
		cfg.Health.BackoffBase = time.Duration(*f.BackoffBaseSeconds) * time.Second
	}
	if f.BackoffMaxSeconds != nil {
		cfg.Health.BackoffMax = time.Duration(*f.BackoffMaxSeconds) * time.Second
	}
	if f.HoldDownSeconds != nil {
		cfg.Health.HoldDownDuration = time.Duration(*f.HoldDownSeconds) * time.Second
	}
	if f.ConsistentNAT != nil {
		cfg.Reconcile.ConsistentNAT = *f.ConsistentNAT
	}
	if f.NeighborReachability != nil {
		cfg.Health.NeighborGating = *f.NeighborReachability
	}
	if f.LogLevel != nil {
		cfg.Logging.Level = *f.LogLevel
	}
}
