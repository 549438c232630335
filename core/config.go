package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the registry and its background loops.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
type Config struct {
	// Core configuration
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`

	// HTTP server configuration
	HTTP HTTPConfig `yaml:"http"`

	// Health monitor configuration
	Monitor MonitorConfig `yaml:"monitor"`

	// Power allocation configuration
	Power PowerConfig `yaml:"power"`

	// Threat/defense configuration
	Defense DefenseConfig `yaml:"defense"`

	// Client agent configuration
	Agent AgentConfig `yaml:"agent"`

	// Telemetry configuration (optional module)
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging"`
}

// HTTPConfig contains HTTP server timeouts, limits, and CORS settings.
type HTTPConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig contains Cross-Origin Resource Sharing configuration.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// MonitorConfig tunes the health monitor loop.
type MonitorConfig struct {
	Interval      time.Duration `yaml:"interval"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	CleanupAfter  time.Duration `yaml:"cleanup_after"`
	PowerDecay    float64       `yaml:"power_decay"`
	RecoveryBoost float64       `yaml:"recovery_boost"`
}

// PowerConfig tunes the resource allocator.
type PowerConfig struct {
	Interval      time.Duration `yaml:"interval"`
	TotalBudget   float64       `yaml:"total_budget"`
	CriticalTypes []string      `yaml:"critical_types"`
	CriticalBonus float64       `yaml:"critical_bonus"`
	MinSelectable float64       `yaml:"min_selectable"`
}

// DefenseConfig tunes the placeholder threat assessor and threat retention.
type DefenseConfig struct {
	SampleRate       float64 `yaml:"sample_rate"`
	MaxActiveThreats int     `yaml:"max_active_threats"`
}

// AgentConfig tunes the embedded client heartbeat agent.
type AgentConfig struct {
	RegistryURL          string        `yaml:"registry_url"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	SelfCheckInterval    time.Duration `yaml:"self_check_interval"`
	SelfCheckTimeout     time.Duration `yaml:"self_check_timeout"`
	MaxSelfCheckFailures int           `yaml:"max_self_check_failures"`
}

// TelemetryConfig contains observability configuration. Telemetry is only
// initialized when Enabled=true and an OTLP endpoint is set.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the built-in defaults. Intervals and thresholds
// mirror the reference deployment: 10s heartbeats and monitor ticks, 30s
// staleness, 5s probes, 5s allocation, 30m cleanup.
func DefaultConfig() *Config {
	return &Config{
		Name:    "gobeacon-registry",
		Address: "0.0.0.0",
		Port:    9000,
		HTTP: HTTPConfig{
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxHeaderBytes:  1 << 20,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization"},
				MaxAge:         86400,
			},
		},
		Monitor: MonitorConfig{
			Interval:      10 * time.Second,
			StaleAfter:    30 * time.Second,
			ProbeTimeout:  5 * time.Second,
			CleanupAfter:  30 * time.Minute,
			PowerDecay:    0.8,
			RecoveryBoost: 1.2,
		},
		Power: PowerConfig{
			Interval:      5 * time.Second,
			TotalBudget:   100.0,
			CriticalTypes: []string{"main", "llm", "functional"},
			CriticalBonus: 1.5,
			MinSelectable: 20.0,
		},
		Defense: DefenseConfig{
			SampleRate:       0.05,
			MaxActiveThreats: 100,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "gobeacon-registry",
		},
		Agent: AgentConfig{
			RegistryURL:          "http://localhost:9000",
			HeartbeatInterval:    10 * time.Second,
			SelfCheckInterval:    60 * time.Second,
			SelfCheckTimeout:     5 * time.Second,
			MaxSelfCheckFailures: 3,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over defaults but are overridden
// by functional options.
//
// Variable naming convention:
//   - Registry-specific: BEACON_<SETTING>
//   - Standard variables: OTEL_EXPORTER_OTLP_ENDPOINT, LOG_LEVEL
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("BEACON_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("BEACON_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := os.Getenv("BEACON_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}

	// Monitor settings
	if v := os.Getenv("BEACON_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Monitor.Interval = d
		}
	}
	if v := os.Getenv("BEACON_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Monitor.StaleAfter = d
		}
	}
	if v := os.Getenv("BEACON_PROBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Monitor.ProbeTimeout = d
		}
	}
	if v := os.Getenv("BEACON_CLEANUP_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Monitor.CleanupAfter = d
		}
	}

	// Power settings
	if v := os.Getenv("BEACON_POWER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Power.Interval = d
		}
	}
	if v := os.Getenv("BEACON_POWER_BUDGET"); v != "" {
		if budget, err := strconv.ParseFloat(v, 64); err == nil {
			c.Power.TotalBudget = budget
		}
	}
	if v := os.Getenv("BEACON_CRITICAL_TYPES"); v != "" {
		c.Power.CriticalTypes = parseStringList(v)
	}

	// Defense settings
	if v := os.Getenv("BEACON_THREAT_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			c.Defense.SampleRate = rate
		}
	}

	// Agent settings
	if v := os.Getenv("BEACON_REGISTRY_URL"); v != "" {
		c.Agent.RegistryURL = v
	}
	if v := os.Getenv("BEACON_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Agent.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("BEACON_SELF_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Agent.SelfCheckInterval = d
		}
	}

	// CORS settings
	if v := os.Getenv("BEACON_CORS_ENABLED"); v != "" {
		c.HTTP.CORS.Enabled = parseBool(v)
	}
	if v := os.Getenv("BEACON_CORS_ORIGINS"); v != "" {
		c.HTTP.CORS.AllowedOrigins = parseStringList(v)
	}

	// Telemetry settings
	if v := os.Getenv("BEACON_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("BEACON_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}

	// Logging settings
	if v := os.Getenv("BEACON_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	} else if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	return nil
}

// LoadFile merges a YAML configuration file into the config.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the final configuration for internally consistent values.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &RegistryError{
			Op:      "config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("invalid port: %d", c.Port),
		}
	}
	if c.Monitor.Interval <= 0 {
		return &RegistryError{
			Op:      "config.Validate",
			Kind:    "config",
			Message: "monitor interval must be positive",
		}
	}
	if c.Monitor.StaleAfter <= 0 {
		return &RegistryError{
			Op:      "config.Validate",
			Kind:    "config",
			Message: "staleness threshold must be positive",
		}
	}
	if c.Power.Interval <= 0 {
		return &RegistryError{
			Op:      "config.Validate",
			Kind:    "config",
			Message: "power allocation interval must be positive",
		}
	}
	if c.Power.TotalBudget <= 0 {
		return &RegistryError{
			Op:      "config.Validate",
			Kind:    "config",
			Message: "power budget must be positive",
		}
	}
	if c.Defense.SampleRate < 0 || c.Defense.SampleRate > 1 {
		return &RegistryError{
			Op:      "config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("threat sample rate %v outside [0,1]", c.Defense.SampleRate),
		}
	}
	return nil
}

// Option is a functional configuration option.
type Option func(*Config) error

// WithName sets the registry process name used in logs and telemetry.
func WithName(name string) Option {
	return func(c *Config) error {
		c.Name = name
		return nil
	}
}

// WithPort sets the HTTP listen port.
func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 1 || port > 65535 {
			return &RegistryError{
				Op:      "WithPort",
				Kind:    "config",
				Message: fmt.Sprintf("invalid port: %d", port),
			}
		}
		c.Port = port
		return nil
	}
}

// WithAddress sets the bind address for the HTTP server.
func WithAddress(address string) Option {
	return func(c *Config) error {
		c.Address = address
		return nil
	}
}

// WithRegistryURL sets the registry base URL used by client agents.
func WithRegistryURL(url string) Option {
	return func(c *Config) error {
		c.Agent.RegistryURL = strings.TrimSuffix(url, "/")
		return nil
	}
}

// WithMonitorInterval sets the health monitor tick period.
func WithMonitorInterval(d time.Duration) Option {
	return func(c *Config) error {
		c.Monitor.Interval = d
		return nil
	}
}

// WithStaleThreshold sets the maximum heartbeat age before an instance is
// excluded from selection and demoted.
func WithStaleThreshold(d time.Duration) Option {
	return func(c *Config) error {
		c.Monitor.StaleAfter = d
		return nil
	}
}

// WithProbeTimeout bounds each recovery probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.Monitor.ProbeTimeout = d
		return nil
	}
}

// WithPowerBudget sets the total power budget distributed by the allocator.
func WithPowerBudget(budget float64) Option {
	return func(c *Config) error {
		c.Power.TotalBudget = budget
		return nil
	}
}

// WithCriticalTypes sets the service types that receive the power bonus.
func WithCriticalTypes(types ...string) Option {
	return func(c *Config) error {
		c.Power.CriticalTypes = types
		return nil
	}
}

// WithThreatSampleRate sets the placeholder assessor's detection rate.
func WithThreatSampleRate(rate float64) Option {
	return func(c *Config) error {
		c.Defense.SampleRate = rate
		return nil
	}
}

// WithCORS enables CORS with specific allowed origins.
func WithCORS(origins []string, credentials bool) Option {
	return func(c *Config) error {
		c.HTTP.CORS.Enabled = true
		c.HTTP.CORS.AllowedOrigins = origins
		c.HTTP.CORS.AllowCredentials = credentials
		return nil
	}
}

// WithTelemetry enables telemetry export to the given OTLP endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithLogLevel sets the log level (DEBUG, INFO, WARN, ERROR).
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithConfigFile merges a YAML file into the configuration.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFile(path)
	}
}

// NewConfig creates a configuration with the provided options.
// Configuration is applied in the following order:
//  1. Default values from DefaultConfig()
//  2. Environment variables via LoadFromEnv()
//  3. Functional options (highest priority)
//  4. Validation via Validate()
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

func parseStringList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
