// Package config loads the host process configuration: the endpoint
// identity, CoAP listen address, bootstrap mode, factory-bootstrap
// credentials, optional custom object definitions file, and the ambient
// logging/metrics sub-configs. Load order is YAML file, then environment
// override via joeshaw/envdecode, with joho/godotenv picking up a local
// .env first.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// CoAPConfig controls the listen side of the transport the host binds
// the session's Port implementation to.
type CoAPConfig struct {
	Host string `json:"host" yaml:"host" env:"COAP_HOST"`
	Port int    `json:"port" yaml:"port" env:"COAP_PORT"`
}

// BootstrapConfig controls how a device-role session obtains its
// Security/Server credentials. A non-empty ServerURI selects
// client-initiated bootstrap; an empty ServerURI with FactorySecurity
// set selects factory bootstrap.
type BootstrapConfig struct {
	ServerURI  string            `json:"server_uri" yaml:"server_uri" env:"BOOTSTRAP_SERVER_URI"`
	HoldOffSec int               `json:"hold_off_seconds" yaml:"hold_off_seconds" env:"BOOTSTRAP_HOLD_OFF_SECONDS"`
	MaxRetries int               `json:"max_retries" yaml:"max_retries" env:"BOOTSTRAP_MAX_RETRIES"`
	Factory    FactoryBootstrap  `json:"factory" yaml:"factory"`
}

// FactoryBootstrap is the Security+Server object payload a device ships
// with when it never talks to a bootstrap server.
type FactoryBootstrap struct {
	ServerURI    string `json:"server_uri" yaml:"server_uri" env:"FACTORY_SERVER_URI"`
	ShortServerID int   `json:"short_server_id" yaml:"short_server_id" env:"FACTORY_SHORT_SERVER_ID"`
	PSKIdentity  string `json:"psk_identity" yaml:"psk_identity" env:"FACTORY_PSK_IDENTITY"`
	PSKKey       string `json:"psk_key" yaml:"psk_key" env:"FACTORY_PSK_KEY"`
	LifetimeSec  int    `json:"lifetime_seconds" yaml:"lifetime_seconds" env:"FACTORY_LIFETIME_SECONDS"`
	Binding      string `json:"binding" yaml:"binding" env:"FACTORY_BINDING"`
}

// RegistrationConfig controls the device-role registration client
// client.
type RegistrationConfig struct {
	Endpoint   string `json:"endpoint" yaml:"endpoint" env:"REGISTRATION_ENDPOINT"`
	LifetimeSec int   `json:"lifetime_seconds" yaml:"lifetime_seconds" env:"REGISTRATION_LIFETIME_SECONDS"`
	Binding    string `json:"binding" yaml:"binding" env:"REGISTRATION_BINDING"`
	Queued     bool   `json:"queued" yaml:"queued" env:"REGISTRATION_QUEUED"`
	MaxRetries int    `json:"max_retries" yaml:"max_retries" env:"REGISTRATION_MAX_RETRIES"`
}

// LoggingConfig controls pkg/logging's output.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
}

// MetricsConfig controls the Prometheus exposition endpoint (internal/obsmetrics).
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"METRICS_ENABLED"`
	Host    string `json:"host" yaml:"host" env:"METRICS_HOST"`
	Port    int    `json:"port" yaml:"port" env:"METRICS_PORT"`
}

// AdminConfig controls the optional read-only introspection API.
type AdminConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" env:"ADMIN_ENABLED"`
	Host      string `json:"host" yaml:"host" env:"ADMIN_HOST"`
	Port      int    `json:"port" yaml:"port" env:"ADMIN_PORT"`
	JWTSecret string `json:"jwt_secret" yaml:"-" env:"ADMIN_JWT_SECRET"`
}

// Config is the top-level host configuration.
type Config struct {
	Role         string             `json:"role" yaml:"role" env:"LWM2M_ROLE"` // "device" or "server"
	CoAP         CoAPConfig         `json:"coap" yaml:"coap"`
	Bootstrap    BootstrapConfig    `json:"bootstrap" yaml:"bootstrap"`
	Registration RegistrationConfig `json:"registration" yaml:"registration"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics"`
	Admin        AdminConfig        `json:"admin" yaml:"admin"`
	Definitions  string             `json:"definitions" yaml:"definitions" env:"DEFINITIONS_FILE"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Role: "device",
		CoAP: CoAPConfig{
			Host: "0.0.0.0",
			Port: 5683,
		},
		Bootstrap: BootstrapConfig{
			HoldOffSec: 10,
			MaxRetries: 3,
		},
		Registration: RegistrationConfig{
			LifetimeSec: 86400,
			Binding:     "U",
			MaxRetries:  5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Host: "0.0.0.0",
			Port: 9090,
		},
		Admin: AdminConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
	}
}

// Load loads configuration from a YAML file (if present) and environment
// variables, in that order, matching the precedence most deployments
// used: file values first, then env overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged fields are present in the
		// environment; treat that as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFile reads configuration from a specific YAML file, bypassing
// environment discovery (used by tests and by hosts that already know
// their config path).
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// IsFactoryBootstrap reports whether the device should skip the
// client-initiated bootstrap conversation and inject Security/Server
// instances directly.
func (c *Config) IsFactoryBootstrap() bool {
	return c.Bootstrap.ServerURI == "" && c.Bootstrap.Factory.ServerURI != ""
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	if c.Role == "" {
		c.Role = "device"
	}
}
