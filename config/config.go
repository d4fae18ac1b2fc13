// Package config loads, validates and hot-reloads the operator
// configuration. The file is YAML; unknown sections are tolerated so one
// file can serve several deployments. Wei-denominated fields are decimal
// strings and parse into 256-bit amounts at load time.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/bundlepay/bundlepay/payment"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

// Wei is a 256-bit wei amount that unmarshals from a decimal string. An
// empty string is zero.
type Wei struct {
	uint256.Int
}

func (w *Wei) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		w.Clear()
		return nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return fmt.Errorf("invalid wei amount %q: %w", s, err)
	}
	w.Set(v)
	return nil
}

// Amount returns a copy, safe to hand to calculations.
func (w *Wei) Amount() *uint256.Int {
	return new(uint256.Int).Set(&w.Int)
}

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Network  NetworkConfig   `yaml:"network"`
	Targets  TargetsConfig   `yaml:"targets"`
	Payment  PaymentConfig   `yaml:"payment"`
	Limits   LimitsConfig    `yaml:"limits"`
	Builders []BuilderConfig `yaml:"builders"`
	Storage  StorageConfig   `yaml:"storage"`
	Logging  LoggingConfig   `yaml:"logging"`
	Security SecurityConfig  `yaml:"security"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ListenAddr is the host:port the HTTP server binds.
func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type NetworkConfig struct {
	Name    string `yaml:"name"`
	ChainID uint64 `yaml:"chain_id"`
}

// TargetsConfig is advisory block targeting; relays may override it.
type TargetsConfig struct {
	BlocksAhead uint64 `yaml:"blocks_ahead"`
}

type PaymentConfig struct {
	Formula               string  `yaml:"formula"`
	K1                    float64 `yaml:"k1"`
	K2Wei                 Wei     `yaml:"k2_wei"`
	MaxAmountWei          Wei     `yaml:"max_amount_wei"`
	PerBundleCapWei       Wei     `yaml:"per_bundle_cap_wei"`
	DailyCapWei           Wei     `yaml:"daily_cap_wei"`
	EmergencyThresholdWei Wei     `yaml:"emergency_threshold_wei"`
}

type LimitsConfig struct {
	EmergencyStop bool `yaml:"emergency_stop"`
}

type BuilderConfig struct {
	Name                       string `yaml:"name"`
	RelayURL                   string `yaml:"relay_url"`
	PaymentAddress             string `yaml:"payment_address"`
	Enabled                    bool   `yaml:"enabled"`
	TimeoutSeconds             uint64 `yaml:"timeout_seconds"`
	MaxRetries                 uint32 `yaml:"max_retries"`
	HealthCheckIntervalSeconds uint64 `yaml:"health_check_interval_seconds"`
}

func (b *BuilderConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw BuilderConfig
	out := raw{
		Enabled:                    true,
		TimeoutSeconds:             30,
		MaxRetries:                 3,
		HealthCheckIntervalSeconds: 60,
	}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*b = BuilderConfig(out)
	return nil
}

// Address returns the builder's parsed payment address. Validate guarantees
// the field parses on any stored snapshot.
func (b *BuilderConfig) Address() common.Address {
	return common.HexToAddress(b.PaymentAddress)
}

type StorageConfig struct {
	Path                   string `yaml:"path"`
	RetentionHours         uint64 `yaml:"retention_hours"`
	CleanupIntervalSeconds uint64 `yaml:"cleanup_interval_seconds"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type SecurityConfig struct {
	EnableCORS            bool     `yaml:"enable_cors"`
	CORSOrigins           []string `yaml:"cors_origins"`
	RateLimitPerMinute    int      `yaml:"rate_limit_per_minute"`
	AdminEndpointsEnabled bool     `yaml:"admin_endpoints_enabled"`
	AdminJWTSecret        string   `yaml:"admin_jwt_secret"`
}

// defaults mirrors the shipped config.example.yaml. Sections absent from the
// file keep these values; sections present override field by field.
func defaults() *Config {
	cfg := &Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8080},
		Network: NetworkConfig{Name: "mainnet", ChainID: 1},
		Targets: TargetsConfig{BlocksAhead: 3},
		Payment: PaymentConfig{
			Formula: string(payment.FormulaBasefee),
			K1:      1.0,
		},
		Limits: LimitsConfig{EmergencyStop: true},
		Storage: StorageConfig{
			Path:                   "bundlepay.db",
			RetentionHours:         24,
			CleanupIntervalSeconds: 300,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "terminal",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
		Security: SecurityConfig{
			EnableCORS:            true,
			RateLimitPerMinute:    100,
			AdminEndpointsEnabled: true,
		},
	}
	cfg.Payment.K2Wei.SetUint64(200_000_000_000_000)                  // 0.0002 ETH
	cfg.Payment.MaxAmountWei.SetUint64(500_000_000_000_000)           // 0.0005 ETH
	cfg.Payment.PerBundleCapWei.SetUint64(2_000_000_000_000_000)      // 0.002 ETH
	cfg.Payment.DailyCapWei.SetUint64(500_000_000_000_000_000)        // 0.5 ETH
	cfg.Payment.EmergencyThresholdWei.SetUint64(100_000_000_000_000_000) // 0.1 ETH
	return cfg
}

// Load reads, parses and validates the configuration file. A missing file is
// an error: the builder list has no usable default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Targets.BlocksAhead > 10 {
		log.Warn("Unusually distant block target configured", "blocksAhead", cfg.Targets.BlocksAhead)
	}
	return cfg, nil
}

// Validate checks the invariants the rest of the service assumes. It runs at
// startup and again on every reload; a snapshot that fails validation is
// never installed.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	if c.Network.ChainID == 0 {
		return fmt.Errorf("network: chain_id must be non-zero")
	}
	if c.Targets.BlocksAhead == 0 {
		return fmt.Errorf("targets: blocks_ahead must be positive")
	}
	if _, err := payment.ParseFormula(c.Payment.Formula); err != nil {
		return fmt.Errorf("payment: %w", err)
	}
	if c.Payment.K1 < 0 {
		return fmt.Errorf("payment: k1 must be >= 0, got %v", c.Payment.K1)
	}
	if c.Payment.MaxAmountWei.IsZero() {
		return fmt.Errorf("payment: max_amount_wei must be positive")
	}
	if c.Payment.PerBundleCapWei.Gt(&c.Payment.DailyCapWei.Int) {
		return fmt.Errorf("payment: per_bundle_cap_wei %s exceeds daily_cap_wei %s",
			c.Payment.PerBundleCapWei.Dec(), c.Payment.DailyCapWei.Dec())
	}
	if len(c.EnabledBuilders()) == 0 {
		return fmt.Errorf("builders: at least one enabled builder required")
	}
	seen := make(map[string]bool, len(c.Builders))
	for i := range c.Builders {
		b := &c.Builders[i]
		if b.Name == "" {
			return fmt.Errorf("builders[%d]: name required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("builders: duplicate name %q", b.Name)
		}
		seen[b.Name] = true
		if !strings.HasPrefix(b.RelayURL, "http://") && !strings.HasPrefix(b.RelayURL, "https://") {
			return fmt.Errorf("builder %q: relay_url must begin http:// or https://", b.Name)
		}
		if !strings.HasPrefix(b.PaymentAddress, "0x") || !common.IsHexAddress(b.PaymentAddress) {
			return fmt.Errorf("builder %q: invalid payment_address %q", b.Name, b.PaymentAddress)
		}
		if b.TimeoutSeconds < 1 || b.TimeoutSeconds > 300 {
			return fmt.Errorf("builder %q: timeout_seconds must be in 1..300, got %d", b.Name, b.TimeoutSeconds)
		}
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage: path required")
	}
	switch c.Logging.Level {
	case "error", "warn", "info", "debug", "trace":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "terminal", "json":
	default:
		return fmt.Errorf("logging: unknown format %q", c.Logging.Format)
	}
	if c.Security.RateLimitPerMinute < 0 {
		return fmt.Errorf("security: rate_limit_per_minute must be >= 0")
	}
	return nil
}

// EnabledBuilders returns the builders eligible for fan-out, in file order.
func (c *Config) EnabledBuilders() []BuilderConfig {
	var out []BuilderConfig
	for _, b := range c.Builders {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out
}

// Formula returns the parsed payment formula. Validate guarantees the tag
// parses on any stored snapshot.
func (c *Config) Formula() payment.Formula {
	f, _ := payment.ParseFormula(c.Payment.Formula)
	return f
}

// GateLimits translates the payment caps for the policy gate. A zero
// emergency threshold disables that check.
func (c *Config) GateLimits() payment.Limits {
	l := payment.Limits{
		PerBundleCap:  c.Payment.PerBundleCapWei.Amount(),
		DailyCap:      c.Payment.DailyCapWei.Amount(),
		EmergencyStop: c.Limits.EmergencyStop,
	}
	if !c.Payment.EmergencyThresholdWei.IsZero() {
		l.EmergencyThreshold = c.Payment.EmergencyThresholdWei.Amount()
	}
	return l
}
