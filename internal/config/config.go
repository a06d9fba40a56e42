// Package config loads collector configuration from a YAML file and
// applies policy defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"xrpl-amm-collector/internal/domain"
)

// Config is the resolved collector configuration.
type Config struct {
	NodeWS        string
	PostgresDSN   string
	ClickhouseDSN string
	MetricsAddr   string
	StatusAddr    string

	Targets []TargetConfig

	// Policy knobs; zero values are filled with defaults by Load.
	Horizon           int64
	Tolerance         int64
	PageSize          int
	MaxSubscriptions  int
	SignificantChange decimal.Decimal
	SnapshotInterval  time.Duration
	ReconcileInterval time.Duration
	HealthInterval    time.Duration
	StaleAfter        time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// TargetConfig declares one collection target.
type TargetConfig struct {
	ID       string `yaml:"id"`
	Kind     string `yaml:"kind"`
	Account  string `yaml:"account"`
	Currency string `yaml:"currency"`
	Issuer   string `yaml:"issuer"`
}

type configTmp struct {
	NodeWS        string `yaml:"node_ws"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickhouseDSN string `yaml:"clickhouse_dsn"`
	MetricsAddr   string `yaml:"metrics_addr"`
	StatusAddr    string `yaml:"status_addr"`

	Targets []TargetConfig `yaml:"targets"`

	Horizon           int64         `yaml:"horizon,omitempty"`
	Tolerance         int64         `yaml:"tolerance,omitempty"`
	PageSize          int           `yaml:"page_size,omitempty"`
	MaxSubscriptions  int           `yaml:"max_subscriptions,omitempty"`
	SignificantChange string        `yaml:"significant_change,omitempty"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval,omitempty"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval,omitempty"`
	HealthInterval    time.Duration `yaml:"health_interval,omitempty"`
	StaleAfter        time.Duration `yaml:"stale_after,omitempty"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay,omitempty"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay,omitempty"`
}

// Defaults for policy knobs left unset in the file.
const (
	DefaultHorizon           = 32000
	DefaultTolerance         = 2
	DefaultPageSize          = 200
	DefaultMaxSubscriptions  = 50
	DefaultSnapshotInterval  = 30 * time.Minute
	DefaultReconcileInterval = time.Minute
	DefaultHealthInterval    = 30 * time.Second
	DefaultStaleAfter        = 5 * time.Minute
	DefaultReconnectDelay    = time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
)

// DefaultSignificantChange is the periodic snapshot elision threshold.
var DefaultSignificantChange = decimal.NewFromFloat(0.01)

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var tmp configTmp
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := &Config{
		NodeWS:            tmp.NodeWS,
		PostgresDSN:       tmp.PostgresDSN,
		ClickhouseDSN:     tmp.ClickhouseDSN,
		MetricsAddr:       tmp.MetricsAddr,
		StatusAddr:        tmp.StatusAddr,
		Targets:           tmp.Targets,
		Horizon:           tmp.Horizon,
		Tolerance:         tmp.Tolerance,
		PageSize:          tmp.PageSize,
		MaxSubscriptions:  tmp.MaxSubscriptions,
		SnapshotInterval:  tmp.SnapshotInterval,
		ReconcileInterval: tmp.ReconcileInterval,
		HealthInterval:    tmp.HealthInterval,
		StaleAfter:        tmp.StaleAfter,
		ReconnectDelay:    tmp.ReconnectDelay,
		MaxReconnectDelay: tmp.MaxReconnectDelay,
	}

	if tmp.SignificantChange != "" {
		cfg.SignificantChange, err = decimal.NewFromString(tmp.SignificantChange)
		if err != nil {
			return nil, fmt.Errorf("invalid significant_change %q: %w", tmp.SignificantChange, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Horizon <= 0 {
		c.Horizon = DefaultHorizon
	}
	if c.Tolerance <= 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if !c.SignificantChange.IsPositive() {
		c.SignificantChange = DefaultSignificantChange
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
}

func (c *Config) validate() error {
	if c.NodeWS == "" {
		return fmt.Errorf("node_ws is required")
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}
	seen := make(map[string]struct{}, len(c.Targets))
	for i, t := range c.Targets {
		if t.ID == "" {
			return fmt.Errorf("target %d: id is required", i)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("target %q declared twice", t.ID)
		}
		seen[t.ID] = struct{}{}
		if !domain.TargetKind(t.Kind).IsValid() {
			return fmt.Errorf("target %q: kind must be %s or %s", t.ID, domain.TargetToken, domain.TargetAMMPool)
		}
		if t.Account == "" {
			return fmt.Errorf("target %q: account is required", t.ID)
		}
	}
	return nil
}

// DomainTargets converts the declared targets into domain targets.
func (c *Config) DomainTargets() []*domain.Target {
	now := time.Now().UTC()
	out := make([]*domain.Target, len(c.Targets))
	for i, t := range c.Targets {
		out[i] = &domain.Target{
			ID:        t.ID,
			Kind:      domain.TargetKind(t.Kind),
			Account:   t.Account,
			Currency:  t.Currency,
			Issuer:    t.Issuer,
			CreatedAt: now,
		}
	}
	return out
}
