package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"escrowdao/observability/logging"
	telemetry "escrowdao/observability/otel"
)

// JWTSecretEnv overrides auth.hmac_secret when set.
const JWTSecretEnv = "ESCROWD_JWT_SECRET"

// Config captures the runtime settings for the escrow service.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Environment   string          `yaml:"environment" toml:"environment"`
	Owner         string          `yaml:"owner" toml:"owner"`
	FeeRecipient  string          `yaml:"fee_recipient" toml:"fee_recipient"`
	FeeBps        uint32          `yaml:"fee_bps" toml:"fee_bps"`
	Paused        []string        `yaml:"paused" toml:"paused"`
	Storage       StorageConfig   `yaml:"storage" toml:"storage"`
	Database      DatabaseConfig  `yaml:"database" toml:"database"`
	Oracle        OracleConfig    `yaml:"oracle" toml:"oracle"`
	Policy        PolicyConfig    `yaml:"policy" toml:"policy"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	StreamHistory int             `yaml:"stream_history" toml:"stream_history"`
	ShutdownGrace time.Duration   `yaml:"shutdown_grace" toml:"shutdown_grace"`
}

// StorageConfig selects the key-value backend holding ledger state.
type StorageConfig struct {
	Backend      string `yaml:"backend" toml:"backend"`
	Path         string `yaml:"path" toml:"path"`
	AllowMigrate bool   `yaml:"allow_migrate" toml:"allow_migrate"`
}

// DatabaseConfig points at the relational store used for idempotency keys and
// the event outbox. DSNs starting with postgres:// use the postgres driver;
// anything else is treated as a sqlite file name.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" toml:"dsn"`
}

// OracleConfig describes where voting weight is read from.
type OracleConfig struct {
	Kind        string            `yaml:"kind" toml:"kind"`
	Endpoint    string            `yaml:"endpoint" toml:"endpoint"`
	Token       string            `yaml:"token" toml:"token"`
	Timeout     time.Duration     `yaml:"timeout" toml:"timeout"`
	Balances    map[string]string `yaml:"balances" toml:"balances"`
	TotalSupply string            `yaml:"total_supply" toml:"total_supply"`
}

// PolicyConfig overrides the dispute voting defaults.
type PolicyConfig struct {
	VotingPeriod     time.Duration `yaml:"voting_period" toml:"voting_period"`
	QuorumPercentage uint32        `yaml:"quorum_percentage" toml:"quorum_percentage"`
	MinTokenBalance  string        `yaml:"min_token_balance" toml:"min_token_balance"`
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	HMACSecret string        `yaml:"hmac_secret" toml:"hmac_secret"`
	Issuer     string        `yaml:"issuer" toml:"issuer"`
	Audience   string        `yaml:"audience" toml:"audience"`
	ClockSkew  time.Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig bounds per-client request rates. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig selects the log level and optional rotating file output.
type LoggingConfig struct {
	Level string              `yaml:"level" toml:"level"`
	File  *logging.FileConfig `yaml:"file" toml:"file"`
}

// TelemetryConfig toggles OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// OTel converts the telemetry section into exporter settings tagged with the
// ledger this process serves.
func (c Config) OTel(service string) telemetry.Config {
	t := c.Telemetry
	return telemetry.Config{
		ServiceName: service,
		Environment: c.Environment,
		Endpoint:    t.Endpoint,
		Insecure:    t.Insecure,
		Headers:     telemetry.ParseHeaders(t.Headers),
		Traces:      t.Traces,
		Metrics:     t.Metrics,
		SampleRatio: t.SampleRatio,
		Ledger: telemetry.Ledger{
			Owner:          c.Owner,
			FeeBps:         c.FeeBps,
			StorageBackend: c.Storage.Backend,
			OracleKind:     c.Oracle.Kind,
		},
	}
}

// Default returns the configuration used when a field is omitted.
func Default() Config {
	return Config{
		ListenAddress: ":8080",
		Environment:   "dev",
		FeeBps:        250,
		Storage:       StorageConfig{Backend: "leveldb", Path: "data/escrowd"},
		Database:      DatabaseConfig{DSN: "data/escrowd.sqlite"},
		Oracle:        OracleConfig{Kind: "static", Timeout: 5 * time.Second},
		Auth:          AuthConfig{ClockSkew: 2 * time.Minute},
		Logging:       LoggingConfig{Level: "info"},
		StreamHistory: 2048,
		ShutdownGrace: 10 * time.Second,
	}
}

// Load reads a YAML or TOML file (chosen by extension), applies defaults and
// environment overrides, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	cfg.applyDefaults()
	if secret := strings.TrimSpace(os.Getenv(JWTSecretEnv)); secret != "" {
		cfg.Auth.HMACSecret = secret
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	defaults := Default()
	if c.ListenAddress == "" {
		c.ListenAddress = defaults.ListenAddress
	}
	if c.Environment == "" {
		c.Environment = defaults.Environment
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = defaults.Storage.Backend
	}
	if c.Oracle.Kind == "" {
		c.Oracle.Kind = defaults.Oracle.Kind
	}
	if c.Oracle.Timeout <= 0 {
		c.Oracle.Timeout = defaults.Oracle.Timeout
	}
	if c.Auth.ClockSkew <= 0 {
		c.Auth.ClockSkew = defaults.Auth.ClockSkew
	}
	if c.StreamHistory <= 0 {
		c.StreamHistory = defaults.StreamHistory
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaults.ShutdownGrace
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if !common.IsHexAddress(c.Owner) {
		return fmt.Errorf("owner must be a hex address")
	}
	if !common.IsHexAddress(c.FeeRecipient) {
		return fmt.Errorf("fee_recipient must be a hex address")
	}
	if c.FeeBps > 10_000 {
		return fmt.Errorf("fee_bps must not exceed 10000")
	}
	if strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret or %s is required", JWTSecretEnv)
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "memory":
	case "leveldb", "bolt":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for %s", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch strings.ToLower(c.Oracle.Kind) {
	case "static":
	case "erc20":
		if strings.TrimSpace(c.Oracle.Endpoint) == "" {
			return fmt.Errorf("oracle.endpoint is required for erc20")
		}
		if !common.IsHexAddress(c.Oracle.Token) {
			return fmt.Errorf("oracle.token must be a hex address")
		}
	default:
		return fmt.Errorf("unsupported oracle kind %q", c.Oracle.Kind)
	}
	if c.Policy.QuorumPercentage > 100 {
		return fmt.Errorf("policy.quorum_percentage must not exceed 100")
	}
	return nil
}
