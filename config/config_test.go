package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.InDelta(t, 12.0, cfg.Ledger.Ceiling, 1e-9)
	assert.Equal(t, 2, cfg.Ledger.MaxConcurrentPositions)
	assert.InDelta(t, 0.8, cfg.Risk.EmergencyDrawdownPct, 1e-9)
	assert.Equal(t, "5s", cfg.Schedule.RiskCheck)
}

func TestValidate_LedgerRelationship(t *testing.T) {
	t.Parallel()

	cfg := Default()
	// 5 * 3 + 2 > 12: the ledger cannot defend these limits.
	cfg.Ledger.MaxConcurrentPositions = 3
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds ceiling")
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero soft drawdown",
			mutate:  func(c *Config) { c.Risk.SoftDrawdownPct = 0 },
			wantErr: "soft_drawdown_pct",
		},
		{
			name:    "zero emergency drawdown",
			mutate:  func(c *Config) { c.Risk.EmergencyDrawdownPct = 0 },
			wantErr: "emergency_drawdown_pct",
		},
		{
			name:    "overrun factor at 1",
			mutate:  func(c *Config) { c.Risk.EmergencyOverrunFactor = 1.0 },
			wantErr: "emergency_overrun_factor",
		},
		{
			name:    "bad suppression window",
			mutate:  func(c *Config) { c.Risk.SuppressionWindow = "five minutes" },
			wantErr: "suppression_window",
		},
		{
			name:    "bad schedule duration",
			mutate:  func(c *Config) { c.Schedule.RiskCheck = "nope" },
			wantErr: "risk_check",
		},
		{
			name:    "error rate over 100",
			mutate:  func(c *Config) { c.Health.MaxAPIErrorRatePct = 150 },
			wantErr: "max_api_error_rate_pct",
		},
		{
			name:    "missing listen addr",
			mutate:  func(c *Config) { c.Server.ListenAddr = "" },
			wantErr: "listen_addr",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guardian.yaml")
	data := `
ledger:
  ceiling: 24.0
  per_position_ceiling: 10.0
  max_concurrent_positions: 2
  safety_buffer: 4.0
  max_leverage: 50
risk:
  soft_drawdown_pct: 6.0
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	// Overridden values load; the rest keep defaults.
	assert.InDelta(t, 24.0, cfg.Ledger.Ceiling, 1e-9)
	assert.InDelta(t, 50.0, cfg.Ledger.MaxLeverage, 1e-9)
	assert.InDelta(t, 6.0, cfg.Risk.SoftDrawdownPct, 1e-9)
	assert.InDelta(t, 0.8, cfg.Risk.EmergencyDrawdownPct, 1e-9)
	assert.Equal(t, "5m", cfg.Risk.SuppressionWindow)
}

func TestLoadFromFile_JSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guardian.json")
	data := `{"server": {"listen_addr": ":8088"}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":8088", cfg.Server.ListenAddr)
}

func TestLoadFromFile_InvalidConfigRejected(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guardian.yaml")
	data := `
ledger:
  ceiling: 10.0
  per_position_ceiling: 5.0
  max_concurrent_positions: 3
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoadFromFile_Missing(t *testing.T) {
	t.Parallel()

	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guardian.yaml")
	orig := Default()
	orig.Ledger.Ceiling = 20
	orig.Ledger.PerPositionCeiling = 8
	require.NoError(t, orig.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, orig, loaded)
}

func TestConverters(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())

	led := cfg.ToLedger()
	assert.InDelta(t, 12.0, led.Ceiling, 1e-9)
	assert.Equal(t, 2, led.MaxConcurrent)

	th := cfg.ToThresholds()
	assert.InDelta(t, 9.0, th.SoftDrawdownPct, 1e-9)

	ac := cfg.ToAlerts()
	assert.Equal(t, 5*time.Minute, ac.SuppressionWindow)
	assert.Equal(t, 3, ac.CircuitBreakerLosses)

	iv := cfg.ToIntervals()
	assert.Equal(t, 5*time.Second, iv.RiskCheck)
	assert.Equal(t, time.Second, iv.EmergencyPoll)

	assert.Equal(t, 5*time.Minute, cfg.HealthWindow())
}
