// Package config provides Viper-based configuration loading for the arena server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// ProcessID uniquely identifies this process in the cluster.
	// Empty means a random id is generated at startup.
	ProcessID string `mapstructure:"process_id"`
	// Host is the bind address for the WebSocket listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the WebSocket listener.
	Port int `mapstructure:"port"`
	// DevMode enables room state caching across restarts.
	DevMode bool `mapstructure:"dev_mode"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PresenceConfig selects and configures the process-coordination backend.
type PresenceConfig struct {
	// Backend is the presence implementation: "local" or "nats".
	Backend string `mapstructure:"backend"`
	// URL is the NATS server URL (nats backend only).
	URL string `mapstructure:"url"`
	// Bucket is the JetStream key/value bucket name (nats backend only).
	Bucket string `mapstructure:"bucket"`
}

// DriverConfig selects and configures the room-cache persistence backend.
type DriverConfig struct {
	// Backend is the driver implementation: "memory" or "postgres".
	Backend string `mapstructure:"backend"`
	// Postgres holds connection settings for the postgres backend.
	Postgres DatabaseConfig `mapstructure:"postgres"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// MatchmakerConfig holds seat-reservation and health-check tuning.
type MatchmakerConfig struct {
	// SeatReservationTTL is how long an unconsumed seat reservation is held.
	SeatReservationTTL time.Duration `mapstructure:"seat_reservation_ttl"`
	// IPCTimeout bounds inter-process room calls.
	IPCTimeout time.Duration `mapstructure:"ipc_timeout"`
	// HealthCheckInterval is how often the process heartbeat is refreshed.
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	// PatchInterval is the default room state-sync tick.
	PatchInterval time.Duration `mapstructure:"patch_interval"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Presence   PresenceConfig   `mapstructure:"presence"`
	Driver     DriverConfig     `mapstructure:"driver"`
	Matchmaker MatchmakerConfig `mapstructure:"matchmaker"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validatePresence(c.Presence); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDriver(c.Driver); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateMatchmaker(c.Matchmaker); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", s.Port)
	}
	return nil
}

func validatePresence(p PresenceConfig) error {
	switch p.Backend {
	case "local":
		return nil
	case "nats":
		var errs []string
		if p.URL == "" {
			errs = append(errs, "presence.url must not be empty for the nats backend")
		}
		if p.Bucket == "" {
			errs = append(errs, "presence.bucket must not be empty for the nats backend")
		}
		if len(errs) > 0 {
			return errors.New(strings.Join(errs, "; "))
		}
		return nil
	default:
		return fmt.Errorf("presence.backend must be one of [local, nats], got %q", p.Backend)
	}
}

func validateDriver(d DriverConfig) error {
	switch d.Backend {
	case "memory":
		return nil
	case "postgres":
		return validateDatabase(d.Postgres)
	default:
		return fmt.Errorf("driver.backend must be one of [memory, postgres], got %q", d.Backend)
	}
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "driver.postgres.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("driver.postgres.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "driver.postgres.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "driver.postgres.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("driver.postgres.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("driver.postgres.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("driver.postgres.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "driver.postgres.min_conns must not exceed driver.postgres.max_conns")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateMatchmaker(m MatchmakerConfig) error {
	var errs []string
	if m.SeatReservationTTL <= 0 {
		errs = append(errs, "matchmaker.seat_reservation_ttl must be positive")
	}
	if m.IPCTimeout <= 0 {
		errs = append(errs, "matchmaker.ipc_timeout must be positive")
	}
	if m.HealthCheckInterval <= 0 {
		errs = append(errs, "matchmaker.health_check_interval must be positive")
	}
	if m.PatchInterval < 0 {
		errs = append(errs, "matchmaker.patch_interval must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with ARENA_ prefix
	v.SetEnvPrefix("ARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 2567)
	v.SetDefault("server.dev_mode", false)

	v.SetDefault("presence.backend", "local")
	v.SetDefault("presence.bucket", "arena")

	v.SetDefault("driver.backend", "memory")
	v.SetDefault("driver.postgres.host", "localhost")
	v.SetDefault("driver.postgres.port", 5432)
	v.SetDefault("driver.postgres.user", "arena")
	v.SetDefault("driver.postgres.password", "arena")
	v.SetDefault("driver.postgres.name", "arena")
	v.SetDefault("driver.postgres.sslmode", "disable")
	v.SetDefault("driver.postgres.max_conns", 10)
	v.SetDefault("driver.postgres.min_conns", 2)
	v.SetDefault("driver.postgres.max_conn_lifetime", "1h")

	v.SetDefault("matchmaker.seat_reservation_ttl", "15s")
	v.SetDefault("matchmaker.ipc_timeout", "4s")
	v.SetDefault("matchmaker.health_check_interval", "20s")
	v.SetDefault("matchmaker.patch_interval", "50ms")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
