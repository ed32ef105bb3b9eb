// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// StoreConfig describes one application database this process will drive
// Outbox/Inbox/Scheduler/Semaphore work against.
type StoreConfig struct {
	ID           string `koanf:"id" yaml:"id" json:"id"`
	DSN          string `koanf:"dsn" yaml:"dsn" json:"dsn"`
	Fingerprint  string `koanf:"fingerprint" yaml:"fingerprint" json:"fingerprint"`
	ControlPlane bool   `koanf:"control_plane" yaml:"control_plane" json:"control_plane"`
}

// SchemaConfig controls how table names are overridden and whether this
// process is responsible for deploying/upgrading the schema on the stores
// it drives.
type SchemaConfig struct {
	Name                   string            `koanf:"name" yaml:"name" json:"name"`
	TableOverrides         map[string]string `koanf:"table_overrides" yaml:"table_overrides" json:"table_overrides"`
	EnableSchemaDeployment bool              `koanf:"enable_schema_deployment" yaml:"enable_schema_deployment" json:"enable_schema_deployment"`
}

// WorkQueueConfig carries the claim/abandon/reap tuning shared by every
// WorkItem-shaped table.
type WorkQueueConfig struct {
	PollIntervalMin time.Duration `koanf:"poll_interval_min" yaml:"poll_interval_min" json:"poll_interval_min"`
	PollIntervalMax time.Duration `koanf:"poll_interval_max" yaml:"poll_interval_max" json:"poll_interval_max"`
	BatchSize       int           `koanf:"batch_size" yaml:"batch_size" json:"batch_size"`
	LeaseSeconds    int           `koanf:"lease_seconds" yaml:"lease_seconds" json:"lease_seconds"`
	MaxRetries      int           `koanf:"max_retries" yaml:"max_retries" json:"max_retries"`
	MaxBackoff      time.Duration `koanf:"max_backoff" yaml:"max_backoff" json:"max_backoff"`
	RetentionWindow time.Duration `koanf:"retention_window" yaml:"retention_window" json:"retention_window"`
	CleanupInterval time.Duration `koanf:"cleanup_interval" yaml:"cleanup_interval" json:"cleanup_interval"`
}

// SemaphoreConfig bounds the ttl/limit values the Semaphore engine accepts.
type SemaphoreConfig struct {
	MinTTL      time.Duration `koanf:"min_ttl" yaml:"min_ttl" json:"min_ttl"`
	MaxTTL      time.Duration `koanf:"max_ttl" yaml:"max_ttl" json:"max_ttl"`
	DefaultTTL  time.Duration `koanf:"default_ttl" yaml:"default_ttl" json:"default_ttl"`
	MaxLimit    int           `koanf:"max_limit" yaml:"max_limit" json:"max_limit"`
	ReapCadence time.Duration `koanf:"reap_cadence" yaml:"reap_cadence" json:"reap_cadence"`
}

// DispatchConfig controls the multi-store dispatcher's selection strategy
// and store discovery source.
type DispatchConfig struct {
	Strategy          string        `koanf:"strategy" yaml:"strategy" json:"strategy"`                   // "round_robin" | "drain_first"
	DiscoveryMode     string        `koanf:"discovery_mode" yaml:"discovery_mode" json:"discovery_mode"` // "static" | "etcd"
	DiscoveryInterval time.Duration `koanf:"discovery_interval" yaml:"discovery_interval" json:"discovery_interval"`
	EtcdEndpoints     []string      `koanf:"etcd_endpoints" yaml:"etcd_endpoints" json:"etcd_endpoints"`
	EtcdPrefix        string        `koanf:"etcd_prefix" yaml:"etcd_prefix" json:"etcd_prefix"`
	Stores            []StoreConfig `koanf:"stores" yaml:"stores" json:"stores"`
}

// AppConfig is the full set of operator-tunable options this process
// accepts, loaded from file and overlaid with environment variables.
type AppConfig struct {
	LogLevel    string          `koanf:"log_level" yaml:"log_level" json:"log_level"`
	MetricsAddr string          `koanf:"metrics_addr" yaml:"metrics_addr" json:"metrics_addr"`
	Schema      SchemaConfig    `koanf:"schema" yaml:"schema" json:"schema"`
	WorkQueue   WorkQueueConfig `koanf:"workqueue" yaml:"workqueue" json:"workqueue"`
	Semaphore   SemaphoreConfig `koanf:"semaphore" yaml:"semaphore" json:"semaphore"`
	Dispatch    DispatchConfig  `koanf:"dispatch" yaml:"dispatch" json:"dispatch"`
}

// DefaultAppConfig returns the documented defaults for every tunable,
// matching the engines' own DefaultConfig constructors.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		LogLevel:    "info",
		MetricsAddr: ":9090",
		Schema: SchemaConfig{
			Name:                   "public",
			EnableSchemaDeployment: true,
		},
		WorkQueue: WorkQueueConfig{
			PollIntervalMin: 250 * time.Millisecond,
			PollIntervalMax: 30 * time.Second,
			BatchSize:       50,
			LeaseSeconds:    30,
			MaxRetries:      10,
			MaxBackoff:      60 * time.Second,
			RetentionWindow: 7 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		Semaphore: SemaphoreConfig{
			MinTTL:      time.Second,
			MaxTTL:      24 * time.Hour,
			DefaultTTL:  time.Minute,
			MaxLimit:    10_000,
			ReapCadence: time.Minute,
		},
		Dispatch: DispatchConfig{
			Strategy:          "round_robin",
			DiscoveryMode:     "static",
			DiscoveryInterval: 5 * time.Minute,
		},
	}
}
