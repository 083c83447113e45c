// Package config holds operator-level configuration for an empire installation.
//
// This is infrastructure config set by whoever deploys the coordination core,
// NOT per-agent configuration. Agents declare their own capabilities at
// registration time; endpoints are described by the endpoint catalog file.
// Set via env vars (EMPIRE_*) or config file (empire.config.yaml).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the EMPIRE_ prefix
// (e.g. "data_dir" → EMPIRE_DATA_DIR) and to a YAML field
// in empire.config.yaml.
const (
	KeyDataDir           = "data_dir"
	KeyPort              = "port"
	KeyEndpointCatalog   = "endpoint_catalog"
	KeyHeartbeatTimeout  = "heartbeat_timeout"
	KeyMonitorInterval   = "monitor_interval"
	KeyScheduleInterval  = "schedule_interval"
	KeyAssignLimit       = "assign_limit"
	KeyMaxAttempts       = "max_attempts"
	KeyBackoffBase       = "backoff_base"
	KeyBackoffCap        = "backoff_cap"
	KeyFailureThreshold  = "failure_threshold"
	KeyAlertScore        = "alert_score"
	KeyDegradedScore     = "degraded_score"
	KeyCallTimeout       = "call_timeout"
	KeySessionTTL        = "session_ttl"
	KeyWorkers           = "workers"
)

// Defaults. Score thresholds follow the monitor design: below alert_score a
// low-health alert is raised; below degraded_score assignment concurrency is
// reduced until the score recovers.
const (
	DefaultPort             = 8080
	DefaultEndpointCatalog  = "endpoints.yaml"
	DefaultHeartbeatTimeout = 90 * time.Second
	DefaultMonitorInterval  = 30 * time.Second
	DefaultScheduleInterval = 2 * time.Second
	DefaultAssignLimit      = 8
	DefaultMaxAttempts      = 3
	DefaultBackoffBase      = 2 * time.Second
	DefaultBackoffCap       = 2 * time.Minute
	DefaultFailureThreshold = 3
	DefaultAlertScore       = 60.0
	DefaultDegradedScore    = 40.0
	DefaultCallTimeout      = 60 * time.Second
	DefaultSessionTTL       = 24 * time.Hour
)

// Config holds resolved operator-level configuration for an empire process.
type Config struct {
	DataDir          string        // Base directory for all state (~/.empire)
	Port             int           // HTTP server port
	EndpointCatalog  string        // Path to the endpoint catalog YAML
	HeartbeatTimeout time.Duration // Agents silent longer than this go offline
	MonitorInterval  time.Duration // Health snapshot cadence
	ScheduleInterval time.Duration // Orchestrator tick
	AssignLimit      int           // Max task assignments per tick
	MaxAttempts      int           // Default per-task attempt budget
	BackoffBase      time.Duration // Retry backoff base (doubled per attempt)
	BackoffCap       time.Duration // Retry backoff ceiling
	FailureThreshold int           // Consecutive failures before an endpoint is disabled
	AlertScore       float64       // Health score below which a low-health alert fires
	DegradedScore    float64       // Health score below which assignment is throttled
	CallTimeout      time.Duration // Per-endpoint-call timeout
	SessionTTL       time.Duration // Expiry for session-scoped memory entries
	Workers          string        // Built-in workers: "id:cap[+cap],id:cap" (optional)
}

// MemoryDBPath returns the full path to the memory SQLite database.
func (c *Config) MemoryDBPath() string {
	return filepath.Join(c.DataDir, "memory.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("EMPIRE")
	viper.AutomaticEnv()
	viper.SetDefault(KeyPort, DefaultPort)
	viper.SetDefault(KeyEndpointCatalog, DefaultEndpointCatalog)
	viper.SetDefault(KeyHeartbeatTimeout, DefaultHeartbeatTimeout)
	viper.SetDefault(KeyMonitorInterval, DefaultMonitorInterval)
	viper.SetDefault(KeyScheduleInterval, DefaultScheduleInterval)
	viper.SetDefault(KeyAssignLimit, DefaultAssignLimit)
	viper.SetDefault(KeyMaxAttempts, DefaultMaxAttempts)
	viper.SetDefault(KeyBackoffBase, DefaultBackoffBase)
	viper.SetDefault(KeyBackoffCap, DefaultBackoffCap)
	viper.SetDefault(KeyFailureThreshold, DefaultFailureThreshold)
	viper.SetDefault(KeyAlertScore, DefaultAlertScore)
	viper.SetDefault(KeyDegradedScore, DefaultDegradedScore)
	viper.SetDefault(KeyCallTimeout, DefaultCallTimeout)
	viper.SetDefault(KeySessionTTL, DefaultSessionTTL)
}

// Load reads configuration from Viper (which merges env vars, config
// file, and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:          resolveDataDir(),
		Port:             viper.GetInt(KeyPort),
		EndpointCatalog:  viper.GetString(KeyEndpointCatalog),
		HeartbeatTimeout: viper.GetDuration(KeyHeartbeatTimeout),
		MonitorInterval:  viper.GetDuration(KeyMonitorInterval),
		ScheduleInterval: viper.GetDuration(KeyScheduleInterval),
		AssignLimit:      viper.GetInt(KeyAssignLimit),
		MaxAttempts:      viper.GetInt(KeyMaxAttempts),
		BackoffBase:      viper.GetDuration(KeyBackoffBase),
		BackoffCap:       viper.GetDuration(KeyBackoffCap),
		FailureThreshold: viper.GetInt(KeyFailureThreshold),
		AlertScore:       viper.GetFloat64(KeyAlertScore),
		DegradedScore:    viper.GetFloat64(KeyDegradedScore),
		CallTimeout:      viper.GetDuration(KeyCallTimeout),
		SessionTTL:       viper.GetDuration(KeySessionTTL),
		Workers:          viper.GetString(KeyWorkers),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".empire"
	}
	return filepath.Join(home, ".empire")
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in (0, 65535], got %d", c.Port)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor_interval must be positive")
	}
	if c.ScheduleInterval <= 0 {
		return fmt.Errorf("schedule_interval must be positive")
	}
	if c.AssignLimit <= 0 {
		return fmt.Errorf("assign_limit must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff_base must be positive and backoff_cap >= backoff_base")
	}
	if c.DegradedScore > c.AlertScore {
		return fmt.Errorf("degraded_score (%.0f) must not exceed alert_score (%.0f)", c.DegradedScore, c.AlertScore)
	}
	return nil
}
