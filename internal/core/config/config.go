// Package config provides configuration management for rulestream services.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Quarantine destinations.
const (
	QuarantineSQL   = "sql"
	QuarantineTopic = "topic"
)

// Config is the full service configuration.
type Config struct {
	Admin     AdminConfig
	Database  DatabaseConfig
	Pipeline  PipelineConfig
	Registry  RegistryConfig
	Transport TransportConfig
	Metrics   MetricsConfig
}

// AdminConfig holds configuration for the gRPC admin service.
type AdminConfig struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
}

// Addr is the listen address of the admin service.
func (c AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DatabaseConfig locates the registry database.
// URLs carrying a password must come from RS_DATABASE_URL or --db-url.
type DatabaseConfig struct {
	URL string
}

// PipelineConfig tunes the partition runtime.
type PipelineConfig struct {
	Workers               int
	InFlightBudget        int
	FetchBatch            int
	FetchWait             time.Duration
	DrainTimeout          time.Duration
	MaxEmitRetries        int
	RetryInitialInterval  time.Duration
	RetryMaxInterval      time.Duration
	DedupEnabled          bool
	DedupMaxEntries       int
	DedupMaxAge           time.Duration
	RekeyField            string
	QuarantineDestination string
	LedgerEnabled         bool
}

// RegistryConfig controls rule set cache freshness.
type RegistryConfig struct {
	CacheTTL        time.Duration
	MaxStaleness    time.Duration
	RefreshInterval time.Duration
}

// TransportConfig selects the broker and topics.
type TransportConfig struct {
	Kind             string
	Brokers          []string
	ConsumerGroup    string
	SourceTopic      string
	Subject          string
	OutputTopic      string
	QuarantinePrefix string
	Partitions       int
	BrokerOffsets    bool
}

// MetricsConfig exposes prometheus metrics. An empty Addr disables the endpoint.
type MetricsConfig struct {
	Addr string
}

// Default returns configuration with default values.
func Default() *Config {
	return &Config{
		Admin: AdminConfig{
			Host:           "0.0.0.0",
			Port:           50051,
			RequestTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{URL: "sqlite://rulestream.db"},
		Pipeline: PipelineConfig{
			Workers:               4,
			InFlightBudget:        256,
			FetchBatch:            64,
			FetchWait:             500 * time.Millisecond,
			DrainTimeout:          30 * time.Second,
			MaxEmitRetries:        5,
			RetryInitialInterval:  100 * time.Millisecond,
			RetryMaxInterval:      5 * time.Second,
			DedupEnabled:          true,
			DedupMaxEntries:       100_000,
			DedupMaxAge:           24 * time.Hour,
			QuarantineDestination: QuarantineSQL,
			LedgerEnabled:         true,
		},
		Registry: RegistryConfig{
			CacheTTL:        30 * time.Second,
			MaxStaleness:    5 * time.Minute,
			RefreshInterval: 15 * time.Second,
		},
		Transport: TransportConfig{
			Kind:             "channel",
			ConsumerGroup:    "rulestream",
			QuarantinePrefix: "quarantine.",
			Partitions:       1,
		},
		Metrics: MetricsConfig{Addr: ":9090"},
	}
}

// hasPassword reports whether a database URL or keyword DSN embeds a password.
func hasPassword(dbURL string) bool {
	if strings.Contains(strings.ToLower(dbURL), "password=") {
		return true
	}
	u, err := url.Parse(dbURL)
	if err != nil || u.User == nil {
		return false
	}
	_, ok := u.User.Password()
	return ok
}

// validateConfig checks port range and positive values for every bound.
func validateConfig(cfg *Config) error {
	if cfg.Admin.Port <= 0 || cfg.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be between 1 and 65535, got %d", cfg.Admin.Port)
	}
	if cfg.Admin.RequestTimeout <= 0 {
		return fmt.Errorf("admin.request_timeout must be positive, got %v", cfg.Admin.RequestTimeout)
	}

	p := cfg.Pipeline
	positive := []struct {
		name string
		ok   bool
		val  any
	}{
		{"pipeline.workers", p.Workers > 0, p.Workers},
		{"pipeline.in_flight_budget", p.InFlightBudget > 0, p.InFlightBudget},
		{"pipeline.fetch_batch", p.FetchBatch > 0, p.FetchBatch},
		{"pipeline.fetch_wait", p.FetchWait > 0, p.FetchWait},
		{"pipeline.drain_timeout", p.DrainTimeout > 0, p.DrainTimeout},
		{"pipeline.retry_initial_interval", p.RetryInitialInterval > 0, p.RetryInitialInterval},
		{"pipeline.retry_max_interval", p.RetryMaxInterval > 0, p.RetryMaxInterval},
		{"registry.cache_ttl", cfg.Registry.CacheTTL > 0, cfg.Registry.CacheTTL},
		{"registry.max_staleness", cfg.Registry.MaxStaleness > 0, cfg.Registry.MaxStaleness},
		{"registry.refresh_interval", cfg.Registry.RefreshInterval > 0, cfg.Registry.RefreshInterval},
		{"transport.partitions", cfg.Transport.Partitions > 0, cfg.Transport.Partitions},
	}
	for _, c := range positive {
		if !c.ok {
			return fmt.Errorf("%s must be positive, got %v", c.name, c.val)
		}
	}
	if p.MaxEmitRetries < 0 {
		return fmt.Errorf("pipeline.max_emit_retries must not be negative, got %d", p.MaxEmitRetries)
	}
	if p.DedupEnabled && p.DedupMaxEntries <= 0 {
		return fmt.Errorf("pipeline.dedup_max_entries must be positive, got %d", p.DedupMaxEntries)
	}
	if p.DedupMaxAge < 0 {
		return fmt.Errorf("pipeline.dedup_max_age must not be negative, got %v", p.DedupMaxAge)
	}

	switch p.QuarantineDestination {
	case QuarantineSQL, QuarantineTopic:
	default:
		return fmt.Errorf("pipeline.quarantine_destination must be %q or %q, got %q",
			QuarantineSQL, QuarantineTopic, p.QuarantineDestination)
	}
	if cfg.Registry.MaxStaleness < cfg.Registry.CacheTTL {
		return fmt.Errorf("registry.max_staleness (%v) must not be shorter than registry.cache_ttl (%v)",
			cfg.Registry.MaxStaleness, cfg.Registry.CacheTTL)
	}
	if cfg.Transport.Kind == "kafka" && len(cfg.Transport.Brokers) == 0 {
		return fmt.Errorf("transport.brokers required for kafka transport")
	}
	return nil
}
