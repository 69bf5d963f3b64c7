package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	// Load config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Checked before env binding so only file values are inspected.
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	// Bind environment variables with RS_ prefix
	v.SetEnvPrefix("RS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Admin: AdminConfig{
			Host:           v.GetString("admin.host"),
			Port:           v.GetInt("admin.port"),
			RequestTimeout: v.GetDuration("admin.request_timeout"),
		},
		Database: DatabaseConfig{URL: v.GetString("database.url")},
		Pipeline: PipelineConfig{
			Workers:               v.GetInt("pipeline.workers"),
			InFlightBudget:        v.GetInt("pipeline.in_flight_budget"),
			FetchBatch:            v.GetInt("pipeline.fetch_batch"),
			FetchWait:             v.GetDuration("pipeline.fetch_wait"),
			DrainTimeout:          v.GetDuration("pipeline.drain_timeout"),
			MaxEmitRetries:        v.GetInt("pipeline.max_emit_retries"),
			RetryInitialInterval:  v.GetDuration("pipeline.retry_initial_interval"),
			RetryMaxInterval:      v.GetDuration("pipeline.retry_max_interval"),
			DedupEnabled:          v.GetBool("pipeline.dedup_enabled"),
			DedupMaxEntries:       v.GetInt("pipeline.dedup_max_entries"),
			DedupMaxAge:           v.GetDuration("pipeline.dedup_max_age"),
			RekeyField:            v.GetString("pipeline.rekey_field"),
			QuarantineDestination: v.GetString("pipeline.quarantine_destination"),
			LedgerEnabled:         v.GetBool("pipeline.ledger_enabled"),
		},
		Registry: RegistryConfig{
			CacheTTL:        v.GetDuration("registry.cache_ttl"),
			MaxStaleness:    v.GetDuration("registry.max_staleness"),
			RefreshInterval: v.GetDuration("registry.refresh_interval"),
		},
		Transport: TransportConfig{
			Kind:             v.GetString("transport.kind"),
			Brokers:          v.GetStringSlice("transport.brokers"),
			ConsumerGroup:    v.GetString("transport.consumer_group"),
			SourceTopic:      v.GetString("transport.source_topic"),
			Subject:          v.GetString("transport.subject"),
			OutputTopic:      v.GetString("transport.output_topic"),
			QuarantinePrefix: v.GetString("transport.quarantine_prefix"),
			Partitions:       v.GetInt("transport.partitions"),
			BrokerOffsets:    v.GetBool("transport.broker_offsets"),
		},
		Metrics: MetricsConfig{Addr: v.GetString("metrics.addr")},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("admin.host", d.Admin.Host)
	v.SetDefault("admin.port", d.Admin.Port)
	v.SetDefault("admin.request_timeout", d.Admin.RequestTimeout)
	v.SetDefault("database.url", d.Database.URL)

	v.SetDefault("pipeline.workers", d.Pipeline.Workers)
	v.SetDefault("pipeline.in_flight_budget", d.Pipeline.InFlightBudget)
	v.SetDefault("pipeline.fetch_batch", d.Pipeline.FetchBatch)
	v.SetDefault("pipeline.fetch_wait", d.Pipeline.FetchWait)
	v.SetDefault("pipeline.drain_timeout", d.Pipeline.DrainTimeout)
	v.SetDefault("pipeline.max_emit_retries", d.Pipeline.MaxEmitRetries)
	v.SetDefault("pipeline.retry_initial_interval", d.Pipeline.RetryInitialInterval)
	v.SetDefault("pipeline.retry_max_interval", d.Pipeline.RetryMaxInterval)
	v.SetDefault("pipeline.dedup_enabled", d.Pipeline.DedupEnabled)
	v.SetDefault("pipeline.dedup_max_entries", d.Pipeline.DedupMaxEntries)
	v.SetDefault("pipeline.dedup_max_age", d.Pipeline.DedupMaxAge)
	v.SetDefault("pipeline.rekey_field", d.Pipeline.RekeyField)
	v.SetDefault("pipeline.quarantine_destination", d.Pipeline.QuarantineDestination)
	v.SetDefault("pipeline.ledger_enabled", d.Pipeline.LedgerEnabled)

	v.SetDefault("registry.cache_ttl", d.Registry.CacheTTL)
	v.SetDefault("registry.max_staleness", d.Registry.MaxStaleness)
	v.SetDefault("registry.refresh_interval", d.Registry.RefreshInterval)

	v.SetDefault("transport.kind", d.Transport.Kind)
	v.SetDefault("transport.brokers", d.Transport.Brokers)
	v.SetDefault("transport.consumer_group", d.Transport.ConsumerGroup)
	v.SetDefault("transport.source_topic", d.Transport.SourceTopic)
	v.SetDefault("transport.subject", d.Transport.Subject)
	v.SetDefault("transport.output_topic", d.Transport.OutputTopic)
	v.SetDefault("transport.quarantine_prefix", d.Transport.QuarantinePrefix)
	v.SetDefault("transport.partitions", d.Transport.Partitions)
	v.SetDefault("transport.broker_offsets", d.Transport.BrokerOffsets)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor principle).
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("database.url") && hasPassword(v.GetString("database.url")) {
		return fmt.Errorf("database passwords not allowed in config files (use RS_DATABASE_URL environment variable or --db-url)")
	}
	return nil
}
