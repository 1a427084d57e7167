// Package config loads the environment-variable-driven configuration table
// from spec §6, simplified from the teacher's pkg/config reflection-based
// loader (pkg/config/config.go's ApplyEnvOverrides) to the explicit,
// typed table the spec calls for — this system has no YAML/JSON config
// file surface to merge with environment overrides, so the reflection
// machinery has nothing to generalize over; see DESIGN.md.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-driven setting from spec §6 plus the
// ambient/domain additions from SPEC_FULL.md §6.
type Config struct {
	Port int

	UseQuorum      bool
	QuorumHosts    []string
	MasterName     string
	DirectHost     string
	DirectPort     int

	SQLiteDBPath string

	CircuitBreakerFailureThreshold int
	CircuitBreakerCooldownMs       int

	RecoveryChunkSize       int
	RecoveryCooldownMs      int
	RecoveryCheckIntervalMs int

	CarGenerationIntervalMs int

	MetricsLogDir string

	NATSURLs          []string
	NATSStreamPrefix  string
	LogLevel          string
	MetricsPromAddr   string
}

// Load reads every setting from the environment, applying the defaults in
// spec §6 / SPEC_FULL.md §6.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                           envInt("PORT", 3000),
		UseQuorum:                      envBool("REDIS_USE_SENTINEL", false),
		QuorumHosts:                    envList("REDIS_SENTINEL_HOSTS", nil),
		MasterName:                     envString("REDIS_SENTINEL_MASTER_NAME", "mymaster"),
		DirectHost:                     envString("REDIS_HOST", "localhost"),
		DirectPort:                     envInt("REDIS_PORT", 6379),
		SQLiteDBPath:                   envString("SQLITE_DB_PATH", "./data/cars.db"),
		CircuitBreakerFailureThreshold: envInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
		CircuitBreakerCooldownMs:       envInt("CIRCUIT_BREAKER_COOLDOWN_MS", 2000),
		RecoveryChunkSize:              envInt("RECOVERY_CHUNK_SIZE", 50),
		RecoveryCooldownMs:             envInt("RECOVERY_COOLDOWN_MS", 10000),
		RecoveryCheckIntervalMs:        envInt("RECOVERY_CHECK_INTERVAL_MS", 5000),
		CarGenerationIntervalMs:        envInt("CAR_GENERATION_INTERVAL_MS", 30),
		MetricsLogDir:                  envString("METRICS_LOG_DIR", "./logs"),
		NATSURLs:                       envList("NATS_URLS", nil),
		NATSStreamPrefix:               envString("NATS_STREAM_PREFIX", "car-seeder"),
		LogLevel:                       envString("LOG_LEVEL", "info"),
		MetricsPromAddr:                envString("METRICS_PROMETHEUS_ADDR", ":9090"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on configuration that would otherwise surface as a
// confusing runtime error much later (teacher pattern: pkg/db.NewPool's
// fail-fast validation before opening the connection).
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT out of range: %d", c.Port)
	}
	if c.UseQuorum && len(c.QuorumHosts) == 0 {
		return fmt.Errorf("config: REDIS_USE_SENTINEL=true requires REDIS_SENTINEL_HOSTS")
	}
	if c.SQLiteDBPath == "" {
		return fmt.Errorf("config: SQLITE_DB_PATH cannot be empty")
	}
	if c.CircuitBreakerFailureThreshold <= 0 {
		return fmt.Errorf("config: CIRCUIT_BREAKER_FAILURE_THRESHOLD must be positive")
	}
	if c.RecoveryChunkSize <= 0 {
		return fmt.Errorf("config: RECOVERY_CHUNK_SIZE must be positive")
	}
	if c.CarGenerationIntervalMs <= 0 {
		return fmt.Errorf("config: CAR_GENERATION_INTERVAL_MS must be positive")
	}
	return nil
}

// QueueURLs resolves the remote work queue's target addresses (spec §4.4's
// Quorum-discovered-vs-Direct connection-mode distinction). REDIS_USE_SENTINEL
// turns each failure-detector endpoint in QuorumHosts into a seed URL;
// otherwise a single URL is built from DirectHost:DirectPort. NATS_URLS, when
// set explicitly, overrides either derivation outright — an escape hatch for
// pointing the queue client at a deployment that doesn't mirror the REDIS_*
// endpoints one-to-one.
func (c *Config) QueueURLs() []string {
	if len(c.NATSURLs) > 0 {
		return c.NATSURLs
	}
	if c.UseQuorum {
		urls := make([]string, 0, len(c.QuorumHosts))
		for _, h := range c.QuorumHosts {
			urls = append(urls, "nats://"+h)
		}
		return urls
	}
	return []string{fmt.Sprintf("nats://%s:%d", c.DirectHost, c.DirectPort)}
}

func (c *Config) CircuitBreakerCooldown() time.Duration {
	return time.Duration(c.CircuitBreakerCooldownMs) * time.Millisecond
}

func (c *Config) RecoveryCooldown() time.Duration {
	return time.Duration(c.RecoveryCooldownMs) * time.Millisecond
}

func (c *Config) RecoveryCheckInterval() time.Duration {
	return time.Duration(c.RecoveryCheckIntervalMs) * time.Millisecond
}

func (c *Config) CarGenerationInterval() time.Duration {
	return time.Duration(c.CarGenerationIntervalMs) * time.Millisecond
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
