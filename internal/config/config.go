// Package config provides dynamic configuration management for FleetPulse.
// It uses Viper to load settings from files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for FleetPulse.
type Config struct {
	// ── Server ───────────────────────────────────────────────────────────────
	ServerHost string `mapstructure:"server_host"`
	// ControlPort: operator REST API (JWT protected) + /metrics
	ControlPort int `mapstructure:"control_port"`
	// DataPort: agent heartbeats (agent token protected)
	DataPort           int `mapstructure:"data_port"`
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst     int `mapstructure:"rate_limit_burst"`

	// ── Database ─────────────────────────────────────────────────────────────
	DBDriver string `mapstructure:"db_driver"` // "sqlite", "mysql" or "postgres"
	DBPath   string `mapstructure:"db_path"`   // used when db_driver = sqlite
	DBDSN    string `mapstructure:"db_dsn"`    // used when db_driver = mysql | postgres

	// ── Security ──────────────────────────────────────────────────────────────
	// JWTSecret: HS256 signing key for control-plane operator tokens.
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTTTL    time.Duration `mapstructure:"jwt_ttl"`
	AdminUser string        `mapstructure:"admin_user"`
	AdminPass string        `mapstructure:"admin_pass"`
	// AgentToken: shared key for the by-name heartbeat endpoint.
	// Token-bound heartbeats use the per-agent token instead.
	AgentToken string `mapstructure:"agent_token"`

	// ── Monitor ───────────────────────────────────────────────────────────────
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MetricRetention   time.Duration `mapstructure:"metric_retention"`
	AlertRetention    time.Duration `mapstructure:"alert_retention"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
	CPUThreshold      float64       `mapstructure:"cpu_threshold"`
	MemoryThreshold   float64       `mapstructure:"memory_threshold"`
	ThresholdSeverity string        `mapstructure:"threshold_severity"`
	OfflineSeverity   string        `mapstructure:"offline_severity"`
	// CorrelateByType narrows incident correlation to (agent, alert type).
	// When false every open alert of an agent lands in the same incident.
	CorrelateByType bool `mapstructure:"correlate_by_type"`
	// Heartbeat ages past which an agent is delayed / possibly offline / offline.
	HealthDelayedAfter time.Duration `mapstructure:"health_delayed_after"`
	HealthSuspectAfter time.Duration `mapstructure:"health_suspect_after"`
	HealthOfflineAfter time.Duration `mapstructure:"health_offline_after"`

	// ── Notify ────────────────────────────────────────────────────────────────
	// RedisAddr empty disables live updates.
	RedisAddr          string `mapstructure:"redis_addr"`
	RedisPassword      string `mapstructure:"redis_password"`
	RedisDB            int    `mapstructure:"redis_db"`
	RedisChannelPrefix string `mapstructure:"redis_channel_prefix"`

	// ── Logging ───────────────────────────────────────────────────────────────
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"` // console | json
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`

	// ── Agent ────────────────────────────────────────────────────────────────
	AgentJoinAddr      string `mapstructure:"agent_join_addr"`
	AgentInterval      int    `mapstructure:"agent_interval_seconds"`
	AgentOutboundToken string `mapstructure:"agent_outbound_token"`
	AgentName          string `mapstructure:"agent_name"`
	AgentEnvironment   string `mapstructure:"agent_environment"`
}

var validSeverities = map[string]bool{"P1": true, "P2": true, "P3": true, "P4": true}

// Load reads config from file (./config.yaml or ~/.fleetpulse/config.yaml)
// and falls back to smart defaults. Environment variables with prefix PULSE_
// override file values.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// --- Config file ---
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.fleetpulse")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// --- Environment Variables ---
	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("control_port", 7070)
	v.SetDefault("data_port", 7071)
	v.SetDefault("rate_limit_per_minute", 300)
	v.SetDefault("rate_limit_burst", 50)

	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("db_path", "fleetpulse.db")
	v.SetDefault("db_dsn", "")

	// Security defaults: override in production via config.yaml or env vars.
	v.SetDefault("jwt_secret", "fp-change-me-9Qz4rT1xW7")
	v.SetDefault("jwt_ttl", 24*time.Hour)
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass", "admin")
	v.SetDefault("agent_token", "fleetpulse-shared-key")

	v.SetDefault("sweep_interval", 10*time.Second)
	v.SetDefault("heartbeat_interval", 5*time.Second)
	v.SetDefault("metric_retention", 24*time.Hour)
	v.SetDefault("alert_retention", 7*24*time.Hour)
	v.SetDefault("retention_interval", time.Minute)
	v.SetDefault("cpu_threshold", 90.0)
	v.SetDefault("memory_threshold", 90.0)
	v.SetDefault("threshold_severity", "P2")
	v.SetDefault("offline_severity", "P1")
	v.SetDefault("correlate_by_type", true)
	v.SetDefault("health_delayed_after", 15*time.Second)
	v.SetDefault("health_suspect_after", 60*time.Second)
	v.SetDefault("health_offline_after", 120*time.Second)

	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_channel_prefix", "fleetpulse:agent:")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 50)
	v.SetDefault("log_max_backups", 5)
	v.SetDefault("log_max_age_days", 14)

	v.SetDefault("agent_join_addr", "127.0.0.1:7071")
	v.SetDefault("agent_interval_seconds", 5)
	v.SetDefault("agent_outbound_token", "")
	v.SetDefault("agent_name", "")
	v.SetDefault("agent_environment", "production")
}

// Validate rejects settings the monitor cannot run with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "":
	case "mysql", "postgres":
		if c.DBDSN == "" {
			return fmt.Errorf("db_dsn is required for db_driver %q", c.DBDriver)
		}
	default:
		return fmt.Errorf("unsupported db_driver %q (use 'sqlite', 'mysql' or 'postgres')", c.DBDriver)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.RetentionInterval <= 0 {
		return fmt.Errorf("retention_interval must be positive, got %s", c.RetentionInterval)
	}
	if c.MetricRetention <= 0 || c.AlertRetention <= 0 {
		return errors.New("metric_retention and alert_retention must be positive")
	}
	for name, thr := range map[string]float64{"cpu_threshold": c.CPUThreshold, "memory_threshold": c.MemoryThreshold} {
		if thr <= 0 || thr > 100 {
			return fmt.Errorf("%s must be in (0,100], got %v", name, thr)
		}
	}
	if !validSeverities[c.ThresholdSeverity] {
		return fmt.Errorf("threshold_severity %q is not one of P1..P4", c.ThresholdSeverity)
	}
	if !validSeverities[c.OfflineSeverity] {
		return fmt.Errorf("offline_severity %q is not one of P1..P4", c.OfflineSeverity)
	}
	if c.HealthDelayedAfter < time.Second ||
		c.HealthDelayedAfter >= c.HealthSuspectAfter ||
		c.HealthSuspectAfter >= c.HealthOfflineAfter {
		return fmt.Errorf("health thresholds must satisfy 1s <= delayed(%s) < suspect(%s) < offline(%s)",
			c.HealthDelayedAfter, c.HealthSuspectAfter, c.HealthOfflineAfter)
	}
	return nil
}
