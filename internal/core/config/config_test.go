package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rulestream.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Admin.Host != "0.0.0.0" {
			t.Errorf("expected host 0.0.0.0, got %s", cfg.Admin.Host)
		}
		if cfg.Admin.Port != 50051 {
			t.Errorf("expected port 50051, got %d", cfg.Admin.Port)
		}
		if cfg.Admin.RequestTimeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", cfg.Admin.RequestTimeout)
		}
		if cfg.Pipeline.Workers != 4 {
			t.Errorf("expected workers 4, got %d", cfg.Pipeline.Workers)
		}
		if cfg.Pipeline.InFlightBudget != 256 {
			t.Errorf("expected in_flight_budget 256, got %d", cfg.Pipeline.InFlightBudget)
		}
		if !cfg.Pipeline.DedupEnabled || cfg.Pipeline.DedupMaxAge != 24*time.Hour {
			t.Errorf("unexpected dedup defaults: %+v", cfg.Pipeline)
		}
		if cfg.Pipeline.QuarantineDestination != QuarantineSQL {
			t.Errorf("expected quarantine destination sql, got %s", cfg.Pipeline.QuarantineDestination)
		}
		if cfg.Registry.MaxStaleness != 5*time.Minute {
			t.Errorf("expected max_staleness 5m, got %v", cfg.Registry.MaxStaleness)
		}
		if cfg.Transport.Kind != "channel" {
			t.Errorf("expected channel transport, got %s", cfg.Transport.Kind)
		}
		if cfg.Database.URL != "sqlite://rulestream.db" {
			t.Errorf("unexpected database url %s", cfg.Database.URL)
		}
		if cfg.Admin.Addr() != "0.0.0.0:50051" {
			t.Errorf("unexpected admin addr %s", cfg.Admin.Addr())
		}
	})

	t.Run("environment override", func(t *testing.T) {
		t.Setenv("RS_ADMIN_PORT", "9999")
		t.Setenv("RS_ADMIN_HOST", "127.0.0.1")
		t.Setenv("RS_PIPELINE_WORKERS", "16")
		t.Setenv("RS_PIPELINE_FETCH_WAIT", "2s")

		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Admin.Port != 9999 {
			t.Errorf("expected port 9999, got %d", cfg.Admin.Port)
		}
		if cfg.Admin.Host != "127.0.0.1" {
			t.Errorf("expected host 127.0.0.1, got %s", cfg.Admin.Host)
		}
		if cfg.Pipeline.Workers != 16 {
			t.Errorf("expected workers 16, got %d", cfg.Pipeline.Workers)
		}
		if cfg.Pipeline.FetchWait != 2*time.Second {
			t.Errorf("expected fetch_wait 2s, got %v", cfg.Pipeline.FetchWait)
		}
	})

	t.Run("config file", func(t *testing.T) {
		path := writeConfig(t, `
pipeline:
  workers: 2
  rekey_field: customer.id
  quarantine_destination: topic
transport:
  kind: kafka
  brokers: ["b1:9092", "b2:9092"]
  source_topic: payments
  subject: payments
  output_topic: payments.clean
  partitions: 6
`)
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Pipeline.Workers != 2 || cfg.Pipeline.RekeyField != "customer.id" {
			t.Errorf("unexpected pipeline: %+v", cfg.Pipeline)
		}
		if cfg.Pipeline.QuarantineDestination != QuarantineTopic {
			t.Errorf("expected topic destination, got %s", cfg.Pipeline.QuarantineDestination)
		}
		if len(cfg.Transport.Brokers) != 2 || cfg.Transport.Partitions != 6 {
			t.Errorf("unexpected transport: %+v", cfg.Transport)
		}
		// Untouched sections keep defaults.
		if cfg.Pipeline.InFlightBudget != 256 {
			t.Errorf("expected default in_flight_budget, got %d", cfg.Pipeline.InFlightBudget)
		}
	})

	t.Run("missing config file", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("expected error for missing config file")
		}
	})
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"port above range", map[string]string{"RS_ADMIN_PORT": "70000"}},
		{"zero workers", map[string]string{"RS_PIPELINE_WORKERS": "0"}},
		{"negative budget", map[string]string{"RS_PIPELINE_IN_FLIGHT_BUDGET": "-1"}},
		{"zero drain timeout", map[string]string{"RS_PIPELINE_DRAIN_TIMEOUT": "0s"}},
		{"negative retries", map[string]string{"RS_PIPELINE_MAX_EMIT_RETRIES": "-3"}},
		{"unknown quarantine destination", map[string]string{"RS_PIPELINE_QUARANTINE_DESTINATION": "s3"}},
		{"staleness below ttl", map[string]string{"RS_REGISTRY_CACHE_TTL": "10m", "RS_REGISTRY_MAX_STALENESS": "1m"}},
		{"kafka without brokers", map[string]string{"RS_TRANSPORT_KIND": "kafka"}},
		{"zero partitions", map[string]string{"RS_TRANSPORT_PARTITIONS": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(""); err == nil {
				t.Errorf("expected validation error for %v", tt.env)
			}
		})
	}
}

func TestHasPassword(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"sqlite://rulestream.db", false},
		{"postgres://rs@db:5432/rulestream", false},
		{"postgres://rs:hunter2@db:5432/rulestream", true},
		{"host=db user=rs password=hunter2 dbname=rulestream", true},
		{"postgres://db:5432/rulestream?sslmode=disable", false},
	}
	for _, tt := range tests {
		if got := hasPassword(tt.url); got != tt.want {
			t.Errorf("hasPassword(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}
