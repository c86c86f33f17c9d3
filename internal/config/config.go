// Package config provides configuration management for the gateway bridge.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/ibkr_bridge/internal/broker"
	"github.com/eddiefleurent/ibkr_bridge/internal/gateway"
	"github.com/eddiefleurent/ibkr_bridge/internal/retry"
)

// Gateway defaults
const (
	defaultHost           = "127.0.0.1"
	defaultPort           = 7497
	defaultConnectTimeout = 15 * time.Second
	defaultServerPort     = 8080
)

// Config represents the complete application configuration.
type Config struct {
	Environment    EnvironmentConfig    `yaml:"environment"`
	Gateway        GatewayConfig        `yaml:"gateway"`
	Timeouts       TimeoutsConfig       `yaml:"timeouts"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	Server         ServerConfig         `yaml:"server"`
}

// EnvironmentConfig defines logging settings.
type EnvironmentConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
}

// GatewayConfig defines how the bridge reaches the gateway.
type GatewayConfig struct {
	Transport      string   `yaml:"transport"` // sim
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	ClientID       int64    `yaml:"client_id"`
	ConnectTimeout string   `yaml:"connect_timeout"`
	JoinTimeout    string   `yaml:"join_timeout"`
	PacingInterval string   `yaml:"pacing_interval"`
	MarketDataType int      `yaml:"market_data_type"` // 1 live | 2 frozen | 3 delayed | 4 delayed frozen
	IDStorePath    string   `yaml:"id_store_path"`
	SimSymbols     []string `yaml:"sim_symbols"`
}

// TimeoutsConfig holds per-operation deadlines; empty values use the bridge defaults.
type TimeoutsConfig struct {
	ContractDetails  string `yaml:"contract_details"`
	Historical       string `yaml:"historical"`
	Snapshot         string `yaml:"snapshot"`
	AccountSummary   string `yaml:"account_summary"`
	Positions        string `yaml:"positions"`
	Order            string `yaml:"order"`
	OptionParams     string `yaml:"option_params"`
	QualifyAttempt   string `yaml:"qualify_attempt"`
	UnderlyingLookup string `yaml:"underlying_lookup"`
}

// CircuitBreakerConfig configures the breaker around the bridge.
type CircuitBreakerConfig struct {
	Enabled      bool    `yaml:"enabled"`
	MaxRequests  uint32  `yaml:"max_requests"`
	Interval     string  `yaml:"interval"`
	Timeout      string  `yaml:"timeout"`
	MinRequests  uint32  `yaml:"min_requests"`
	FailureRatio float64 `yaml:"failure_ratio"`
}

// RetryConfig configures reconnects and read retries.
type RetryConfig struct {
	MaxRetries     int    `yaml:"max_retries"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
	Timeout        string `yaml:"timeout"`
}

// ServerConfig defines the HTTP API settings.
type ServerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Validate config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate normalizes defaults and checks that all values are valid.
func (c *Config) Validate() error {
	c.normalize()

	// Environment validation
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}
	if c.Environment.LogFormat != "text" && c.Environment.LogFormat != "json" {
		return fmt.Errorf("environment.log_format must be 'text' or 'json'")
	}

	// Gateway validation
	if c.Gateway.Transport != "sim" {
		return fmt.Errorf("gateway.transport must be 'sim'")
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535")
	}
	if c.Gateway.ClientID < 0 {
		return fmt.Errorf("gateway.client_id must be >= 0")
	}
	if c.Gateway.MarketDataType < 0 || c.Gateway.MarketDataType > gateway.MarketDataDelayedFrozen {
		return fmt.Errorf("gateway.market_data_type must be between 0 and %d", gateway.MarketDataDelayedFrozen)
	}
	if err := positiveDuration("gateway.connect_timeout", c.Gateway.ConnectTimeout, true); err != nil {
		return err
	}
	if err := positiveDuration("gateway.join_timeout", c.Gateway.JoinTimeout, false); err != nil {
		return err
	}
	if c.Gateway.PacingInterval != "" {
		d, err := time.ParseDuration(c.Gateway.PacingInterval)
		if err != nil {
			return fmt.Errorf("gateway.pacing_interval invalid: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("gateway.pacing_interval must be >= 0")
		}
	}

	// Timeouts validation
	for name, value := range c.Timeouts.fields() {
		if err := positiveDuration("timeouts."+name, value, false); err != nil {
			return err
		}
	}

	// Circuit breaker validation
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxRequests == 0 {
			return fmt.Errorf("circuit_breaker.max_requests must be > 0")
		}
		if c.CircuitBreaker.FailureRatio <= 0 || c.CircuitBreaker.FailureRatio > 1 {
			return fmt.Errorf("circuit_breaker.failure_ratio must be in (0,1]")
		}
		if err := positiveDuration("circuit_breaker.interval", c.CircuitBreaker.Interval, false); err != nil {
			return err
		}
		if err := positiveDuration("circuit_breaker.timeout", c.CircuitBreaker.Timeout, false); err != nil {
			return err
		}
	}

	// Retry validation
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	for name, value := range map[string]string{
		"retry.initial_backoff": c.Retry.InitialBackoff,
		"retry.max_backoff":     c.Retry.MaxBackoff,
		"retry.timeout":         c.Retry.Timeout,
	} {
		if err := positiveDuration(name, value, false); err != nil {
			return err
		}
	}
	if c.Retry.InitialBackoff != "" && c.Retry.MaxBackoff != "" &&
		parseOr(c.Retry.InitialBackoff, 0) > parseOr(c.Retry.MaxBackoff, 0) {
		return fmt.Errorf("retry.initial_backoff (%s) must be <= retry.max_backoff (%s)",
			c.Retry.InitialBackoff, c.Retry.MaxBackoff)
	}

	// Server validation
	if c.Server.Enabled {
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			return fmt.Errorf("server.port must be between 1 and 65535")
		}
		if c.Server.Port == c.Gateway.Port {
			return fmt.Errorf("server.port (%d) must differ from gateway.port", c.Server.Port)
		}
	}

	return nil
}

// normalize sets default values for omitted settings
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	c.Environment.LogLevel = strings.ToLower(c.Environment.LogLevel)
	if c.Environment.LogFormat == "" {
		c.Environment.LogFormat = "text"
	}
	if c.Gateway.Transport == "" {
		c.Gateway.Transport = "sim"
	}
	if c.Gateway.Host == "" {
		c.Gateway.Host = defaultHost
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = defaultPort
	}
	if c.Gateway.ConnectTimeout == "" {
		c.Gateway.ConnectTimeout = defaultConnectTimeout.String()
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultServerPort
	}
}

// ConnectTimeout returns the handshake deadline
func (c *Config) ConnectTimeout() time.Duration {
	return parseOr(c.Gateway.ConnectTimeout, defaultConnectTimeout)
}

// BridgeConfig converts the gateway and timeout sections into bridge settings.
// Omitted values keep the bridge defaults.
func (c *Config) BridgeConfig() broker.Config {
	cfg := broker.DefaultConfig()

	cfg.Connection.JoinTimeout = parseOr(c.Gateway.JoinTimeout, cfg.Connection.JoinTimeout)
	cfg.Connection.PacingInterval = parseOr(c.Gateway.PacingInterval, cfg.Connection.PacingInterval)
	if c.Gateway.MarketDataType != 0 {
		cfg.Connection.MarketDataType = c.Gateway.MarketDataType
	}

	t := &cfg.Timeouts
	t.ContractDetails = parseOr(c.Timeouts.ContractDetails, t.ContractDetails)
	t.Historical = parseOr(c.Timeouts.Historical, t.Historical)
	t.Snapshot = parseOr(c.Timeouts.Snapshot, t.Snapshot)
	t.AccountSummary = parseOr(c.Timeouts.AccountSummary, t.AccountSummary)
	t.Positions = parseOr(c.Timeouts.Positions, t.Positions)
	t.Order = parseOr(c.Timeouts.Order, t.Order)
	t.OptionParams = parseOr(c.Timeouts.OptionParams, t.OptionParams)
	t.QualifyAttempt = parseOr(c.Timeouts.QualifyAttempt, t.QualifyAttempt)
	t.UnderlyingLookup = parseOr(c.Timeouts.UnderlyingLookup, t.UnderlyingLookup)

	return cfg
}

// CircuitBreakerSettings converts the circuit_breaker section. Zero values
// keep the broker defaults.
func (c *Config) CircuitBreakerSettings() broker.CircuitBreakerSettings {
	s := broker.DefaultCircuitBreakerSettings
	cb := c.CircuitBreaker
	if cb.MaxRequests > 0 {
		s.MaxRequests = cb.MaxRequests
	}
	if cb.MinRequests > 0 {
		s.MinRequests = cb.MinRequests
	}
	if cb.FailureRatio > 0 {
		s.FailureRatio = cb.FailureRatio
	}
	s.Interval = parseOr(cb.Interval, s.Interval)
	s.Timeout = parseOr(cb.Timeout, s.Timeout)
	return s
}

// RetryConfig converts the retry section
func (c *Config) RetryConfig() retry.Config {
	r := retry.DefaultConfig
	if c.Retry.MaxRetries > 0 {
		r.MaxRetries = c.Retry.MaxRetries
	}
	r.InitialBackoff = parseOr(c.Retry.InitialBackoff, r.InitialBackoff)
	r.MaxBackoff = parseOr(c.Retry.MaxBackoff, r.MaxBackoff)
	r.Timeout = parseOr(c.Retry.Timeout, r.Timeout)
	return r
}

// ServerAddr returns the listen address of the HTTP API
func (c *Config) ServerAddr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func (t TimeoutsConfig) fields() map[string]string {
	return map[string]string{
		"contract_details":  t.ContractDetails,
		"historical":        t.Historical,
		"snapshot":          t.Snapshot,
		"account_summary":   t.AccountSummary,
		"positions":         t.Positions,
		"order":             t.Order,
		"option_params":     t.OptionParams,
		"qualify_attempt":   t.QualifyAttempt,
		"underlying_lookup": t.UnderlyingLookup,
	}
}

func positiveDuration(name, value string, required bool) error {
	if value == "" {
		if required {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s invalid: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be > 0", name)
	}
	return nil
}

func parseOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
