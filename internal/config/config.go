// Package config loads ArqonBus configuration from YAML with ARQONBUS_*
// environment variable overrides layered on top.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the process-wide configuration tree.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Security SecurityConfig `yaml:"security"`
	Storage  StorageConfig  `yaml:"storage"`
	CASIL    CASILConfig    `yaml:"casil"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Cron     CronConfig     `yaml:"cron"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Omega    OmegaConfig    `yaml:"omega"`
}

// ServerConfig controls the socket bus and HTTP admin facade.
type ServerConfig struct {
	Environment      string   `yaml:"environment"`
	Host             string   `yaml:"host"`
	Port             string   `yaml:"port"`
	InfraProtocol    string   `yaml:"infra_protocol"` // json | protobuf
	AllowJSONInfra   bool     `yaml:"allow_json_infra"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// SecurityConfig controls JWT validation and the HTTP admin API key.
type SecurityConfig struct {
	JWTSecret             string `yaml:"jwt_secret"`
	RequireAuth           bool   `yaml:"require_auth"`
	AdminAPIKey           string `yaml:"admin_api_key"`
	OperatorAuthRequired  bool   `yaml:"operator_auth_required"`
	OperatorAuthToken     string `yaml:"operator_auth_token"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Mode        string `yaml:"mode"` // strict | degraded
	Backend     string `yaml:"backend"`
	PostgresURL string `yaml:"postgres_url"`
	RedisURL    string `yaml:"redis_url"`
	RingSize    int    `yaml:"ring_size"`
}

// CASILConfig seeds the policy engine's initial configuration.
type CASILConfig struct {
	Mode             string   `yaml:"mode"`
	ScopeInclude     []string `yaml:"scope_include"`
	ScopeExclude     []string `yaml:"scope_exclude"`
	MaxPayloadBytes  int      `yaml:"max_payload_bytes"`
	BlockOnSecret    bool     `yaml:"block_on_probable_secret"`
}

// WebhookConfig controls the standard operator webhook dispatcher.
type WebhookConfig struct {
	WorkerCount int `yaml:"worker_count"`
	QueueSize   int `yaml:"queue_size"`
	TimeoutSec  int `yaml:"timeout_sec"`
}

// CronConfig controls the standard operator cron scheduler.
type CronConfig struct {
	MaxDelaySeconds float64 `yaml:"max_delay_seconds"`
}

// DispatchConfig controls the task dispatcher's selection-future default.
type DispatchConfig struct {
	SelectionTimeoutSec float64 `yaml:"selection_timeout_sec"`
}

// OmegaConfig gates the Tier-Omega lab pack.
type OmegaConfig struct {
	Enabled       bool   `yaml:"enabled"`
	LabRoom       string `yaml:"lab_room"`
	LabChannel    string `yaml:"lab_channel"`
	MaxEvents     int    `yaml:"max_events"`
	MaxSubstrates int    `yaml:"max_substrates"`
	Runtime       string `yaml:"runtime"` // memory | firecracker
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loading config.yaml (or
// $ARQONBUS_CONFIG_PATH) and applying environment overrides on first call.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("ARQONBUS_CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and decodes a YAML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Environment = getEnv("ARQONBUS_ENVIRONMENT", c.Server.Environment)
	c.Server.Host = getEnv("ARQONBUS_SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnv("ARQONBUS_SERVER_PORT", c.Server.Port)
	c.Server.InfraProtocol = getEnv("ARQONBUS_INFRA_PROTOCOL", c.Server.InfraProtocol)
	c.Server.AllowJSONInfra = getEnvBool("ARQONBUS_ALLOW_JSON_INFRA", c.Server.AllowJSONInfra)
	if origins := getEnv("ARQONBUS_CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Security.JWTSecret = getEnv("ARQONBUS_JWT_SECRET", c.Security.JWTSecret)
	c.Security.AdminAPIKey = getEnv("ARQONBUS_ADMIN_API_KEY", c.Security.AdminAPIKey)
	c.Security.OperatorAuthRequired = getEnvBool("ARQONBUS_OPERATOR_AUTH_REQUIRED", c.Security.OperatorAuthRequired)
	c.Security.OperatorAuthToken = getEnv("ARQONBUS_OPERATOR_AUTH_TOKEN", c.Security.OperatorAuthToken)

	c.Storage.Mode = getEnv("ARQONBUS_STORAGE_MODE", c.Storage.Mode)
	c.Storage.Backend = getEnv("ARQONBUS_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.PostgresURL = getEnv("ARQONBUS_POSTGRES_URL", c.Storage.PostgresURL)
	if v := getEnv("ARQONBUS_VALKEY_URL", getEnv("ARQONBUS_REDIS_URL", "")); v != "" {
		c.Storage.RedisURL = v
	}

	c.Omega.Enabled = getEnvBool("ARQONBUS_OMEGA_ENABLED", c.Omega.Enabled)
	c.Omega.LabRoom = getEnv("ARQONBUS_OMEGA_LAB_ROOM", c.Omega.LabRoom)
	c.Omega.LabChannel = getEnv("ARQONBUS_OMEGA_LAB_CHANNEL", c.Omega.LabChannel)
	if v := getEnvInt("ARQONBUS_OMEGA_MAX_EVENTS", 0); v > 0 {
		c.Omega.MaxEvents = v
	}
	if v := getEnvInt("ARQONBUS_OMEGA_MAX_SUBSTRATES", 0); v > 0 {
		c.Omega.MaxSubstrates = v
	}
	c.Omega.Runtime = getEnv("ARQONBUS_OMEGA_RUNTIME", c.Omega.Runtime)

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.Environment == "" {
		c.Server.Environment = "local"
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.InfraProtocol == "" {
		c.Server.InfraProtocol = "json"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.Storage.Mode == "" {
		c.Storage.Mode = "degraded"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.RingSize == 0 {
		c.Storage.RingSize = 10000
	}
	if c.CASIL.Mode == "" {
		c.CASIL.Mode = "disabled"
	}
	if c.CASIL.MaxPayloadBytes == 0 {
		c.CASIL.MaxPayloadBytes = 65536
	}
	if c.Webhook.WorkerCount == 0 {
		c.Webhook.WorkerCount = 4
	}
	if c.Webhook.QueueSize == 0 {
		c.Webhook.QueueSize = 1000
	}
	if c.Webhook.TimeoutSec == 0 {
		c.Webhook.TimeoutSec = 5
	}
	if c.Dispatch.SelectionTimeoutSec == 0 {
		c.Dispatch.SelectionTimeoutSec = 2.0
	}
	if c.Omega.MaxEvents == 0 {
		c.Omega.MaxEvents = 500
	}
	if c.Omega.MaxSubstrates == 0 {
		c.Omega.MaxSubstrates = 64
	}
	if c.Omega.Runtime == "" {
		c.Omega.Runtime = "memory"
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// IsProduction reports whether the server environment is production.
func (c *Config) IsProduction() bool { return c.Server.Environment == "production" }

// IsStaging reports whether the server environment is staging.
func (c *Config) IsStaging() bool { return c.Server.Environment == "staging" }

// IsLocal reports whether the server environment is local.
func (c *Config) IsLocal() bool { return c.Server.Environment == "local" }
