// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault_MatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 200, cfg.Reconcile.LBTable)
	require.Equal(t, 90, cfg.Reconcile.LBPref)
	require.True(t, cfg.Reconcile.ConsistentNAT)
	require.True(t, cfg.Reconcile.DrainingEnabled)
	require.False(t, cfg.Reconcile.AffinityEnabled)
	require.Equal(t, 30*time.Second, cfg.Health.Interval)
	require.Equal(t, 2*time.Second, cfg.Supervisor.DebounceTime)
	require.True(t, cfg.HealthCheckEnabled)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.hcl"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_OverlaysOnlySpecifiedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "multipathd.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
lb_table = 300
affinity_enabled = true
failure_threshold = 5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 300, cfg.Reconcile.LBTable)
	require.True(t, cfg.Reconcile.AffinityEnabled)
	require.Equal(t, 5, cfg.Health.FailureThreshold)

	// Untouched fields keep their defaults.
	require.Equal(t, 90, cfg.Reconcile.LBPref)
	require.Equal(t, 1, cfg.Health.RecoveryThreshold)
}
