package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/guardian/alerts"
	"github.com/rustyeddy/guardian/engine"
	"github.com/rustyeddy/guardian/ledger"
	"github.com/rustyeddy/guardian/risk"
)

// Config is the complete engine configuration. Read once at startup,
// immutable thereafter.
type Config struct {
	Ledger   LedgerConfig   `json:"ledger" yaml:"ledger"`
	Risk     RiskConfig     `json:"risk" yaml:"risk"`
	Venue    VenueConfig    `json:"venue" yaml:"venue"`
	Schedule ScheduleConfig `json:"schedule" yaml:"schedule"`
	Health   HealthConfig   `json:"health" yaml:"health"`
	Server   ServerConfig   `json:"server" yaml:"server"`
}

// LedgerConfig declares the capital limits the engine defends.
type LedgerConfig struct {
	Ceiling                float64 `json:"ceiling" yaml:"ceiling"`
	PerPositionCeiling     float64 `json:"per_position_ceiling" yaml:"per_position_ceiling"`
	MaxConcurrentPositions int     `json:"max_concurrent_positions" yaml:"max_concurrent_positions"`
	SafetyBuffer           float64 `json:"safety_buffer" yaml:"safety_buffer"`
	MaxLeverage            float64 `json:"max_leverage" yaml:"max_leverage"`
}

// RiskConfig holds thresholds and alert machine tuning. The defaults
// are hand-tuned values carried over as configuration, not as
// load-bearing business logic.
type RiskConfig struct {
	SoftDrawdownPct        float64 `json:"soft_drawdown_pct" yaml:"soft_drawdown_pct"`
	EmergencyDrawdownPct   float64 `json:"emergency_drawdown_pct" yaml:"emergency_drawdown_pct"`
	CircuitBreakerLosses   int     `json:"circuit_breaker_losses" yaml:"circuit_breaker_losses"`
	CriticalSustainedTicks int     `json:"critical_sustained_ticks" yaml:"critical_sustained_ticks"`
	EmergencyOverrunFactor float64 `json:"emergency_overrun_factor" yaml:"emergency_overrun_factor"`
	SuppressionWindow      string  `json:"suppression_window" yaml:"suppression_window"` // e.g. "5m"
}

// VenueConfig selects the venue environment. Credentials come from the
// environment (BYBIT_API_KEY / BYBIT_API_SECRET), never from the file.
type VenueConfig struct {
	Testnet bool `json:"testnet" yaml:"testnet"`
}

// ScheduleConfig sets the task cadences as duration strings.
type ScheduleConfig struct {
	RiskCheck     string `json:"risk_check" yaml:"risk_check"`
	Validation    string `json:"validation" yaml:"validation"`
	HealthCheck   string `json:"health_check" yaml:"health_check"`
	EmergencyPoll string `json:"emergency_poll" yaml:"emergency_poll"`
}

// HealthConfig tunes the API error-rate check.
type HealthConfig struct {
	Window             string  `json:"window" yaml:"window"`
	MaxAPIErrorRatePct float64 `json:"max_api_error_rate_pct" yaml:"max_api_error_rate_pct"`
}

// ServerConfig is the operations listen address serving /metrics and
// the /alerts WebSocket stream.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
}

// LoadFromFile loads configuration from a file (YAML or JSON) and
// validates it. Missing fields keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveToFile writes the configuration (YAML for .yaml/.yml, JSON
// otherwise).
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration. Ledger relationship violations
// are fatal here: the engine refuses to start with limits it cannot
// defend.
func (c *Config) Validate() error {
	if err := c.ToLedger().Validate(); err != nil {
		return err
	}

	if c.Risk.SoftDrawdownPct <= 0 {
		return fmt.Errorf("risk.soft_drawdown_pct must be positive")
	}
	if c.Risk.EmergencyDrawdownPct <= 0 {
		return fmt.Errorf("risk.emergency_drawdown_pct must be positive")
	}
	if c.Risk.CircuitBreakerLosses <= 0 {
		return fmt.Errorf("risk.circuit_breaker_losses must be positive")
	}
	if c.Risk.EmergencyOverrunFactor <= 1 {
		return fmt.Errorf("risk.emergency_overrun_factor must be greater than 1")
	}
	if _, err := time.ParseDuration(c.Risk.SuppressionWindow); err != nil {
		return fmt.Errorf("risk.suppression_window: %w", err)
	}

	durations := map[string]string{
		"schedule.risk_check":     c.Schedule.RiskCheck,
		"schedule.validation":     c.Schedule.Validation,
		"schedule.health_check":   c.Schedule.HealthCheck,
		"schedule.emergency_poll": c.Schedule.EmergencyPoll,
		"health.window":           c.Health.Window,
	}
	for name, d := range durations {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.Health.MaxAPIErrorRatePct <= 0 || c.Health.MaxAPIErrorRatePct > 100 {
		return fmt.Errorf("health.max_api_error_rate_pct must be in (0, 100]")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}

	return nil
}

// ToLedger converts the ledger section.
func (c *Config) ToLedger() ledger.Ledger {
	return ledger.Ledger{
		Ceiling:            c.Ledger.Ceiling,
		PerPositionCeiling: c.Ledger.PerPositionCeiling,
		MaxConcurrent:      c.Ledger.MaxConcurrentPositions,
		SafetyBuffer:       c.Ledger.SafetyBuffer,
		MaxLeverage:        c.Ledger.MaxLeverage,
	}
}

// ToThresholds converts the drawdown thresholds.
func (c *Config) ToThresholds() risk.Thresholds {
	return risk.Thresholds{
		SoftDrawdownPct:      c.Risk.SoftDrawdownPct,
		EmergencyDrawdownPct: c.Risk.EmergencyDrawdownPct,
	}
}

// ToAlerts converts the alert machine tuning. Call after Validate.
func (c *Config) ToAlerts() alerts.Config {
	window, _ := time.ParseDuration(c.Risk.SuppressionWindow)
	return alerts.Config{
		SuppressionWindow:      window,
		CircuitBreakerLosses:   c.Risk.CircuitBreakerLosses,
		CriticalSustainedTicks: c.Risk.CriticalSustainedTicks,
		EmergencyOverrunFactor: c.Risk.EmergencyOverrunFactor,
	}
}

// ToIntervals converts the schedule. Call after Validate.
func (c *Config) ToIntervals() engine.Intervals {
	riskEvery, _ := time.ParseDuration(c.Schedule.RiskCheck)
	validation, _ := time.ParseDuration(c.Schedule.Validation)
	health, _ := time.ParseDuration(c.Schedule.HealthCheck)
	poll, _ := time.ParseDuration(c.Schedule.EmergencyPoll)
	return engine.Intervals{
		RiskCheck:     riskEvery,
		Validation:    validation,
		HealthCheck:   health,
		EmergencyPoll: poll,
	}
}

// HealthWindow returns the parsed health window. Call after Validate.
func (c *Config) HealthWindow() time.Duration {
	w, _ := time.ParseDuration(c.Health.Window)
	return w
}

// Default returns a configuration with the shipping defaults.
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{
			Ceiling:                12.0,
			PerPositionCeiling:     5.0,
			MaxConcurrentPositions: 2,
			SafetyBuffer:           2.0,
			MaxLeverage:            100,
		},
		Risk: RiskConfig{
			SoftDrawdownPct:        9.0,
			EmergencyDrawdownPct:   0.8,
			CircuitBreakerLosses:   3,
			CriticalSustainedTicks: 2,
			EmergencyOverrunFactor: 1.1,
			SuppressionWindow:      "5m",
		},
		Venue: VenueConfig{
			Testnet: true,
		},
		Schedule: ScheduleConfig{
			RiskCheck:     "5s",
			Validation:    "10s",
			HealthCheck:   "30s",
			EmergencyPoll: "1s",
		},
		Health: HealthConfig{
			Window:             "5m",
			MaxAPIErrorRatePct: 20,
		},
		Server: ServerConfig{
			ListenAddr: ":9090",
		},
	}
}
