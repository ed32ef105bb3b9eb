// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "fmt"

// Validate rejects an AppConfig whose values could not be used to build
// the engines that consume it. It never mutates cfg.
func Validate(cfg AppConfig) error {
	if cfg.WorkQueue.BatchSize <= 0 {
		return fmt.Errorf("config: workqueue.batch_size must be > 0, got %d", cfg.WorkQueue.BatchSize)
	}
	if cfg.WorkQueue.LeaseSeconds <= 0 {
		return fmt.Errorf("config: workqueue.lease_seconds must be > 0, got %d", cfg.WorkQueue.LeaseSeconds)
	}
	if cfg.WorkQueue.MaxRetries < 0 {
		return fmt.Errorf("config: workqueue.max_retries must be >= 0, got %d", cfg.WorkQueue.MaxRetries)
	}
	if cfg.WorkQueue.PollIntervalMin <= 0 || cfg.WorkQueue.PollIntervalMax < cfg.WorkQueue.PollIntervalMin {
		return fmt.Errorf("config: workqueue.poll_interval_min must be > 0 and <= poll_interval_max")
	}
	if cfg.Semaphore.MinTTL <= 0 || cfg.Semaphore.MaxTTL < cfg.Semaphore.MinTTL {
		return fmt.Errorf("config: semaphore.min_ttl must be > 0 and <= max_ttl")
	}
	if cfg.Semaphore.MaxLimit <= 0 {
		return fmt.Errorf("config: semaphore.max_limit must be > 0, got %d", cfg.Semaphore.MaxLimit)
	}

	switch cfg.Dispatch.Strategy {
	case "round_robin", "drain_first":
	default:
		return fmt.Errorf("config: dispatch.strategy must be round_robin or drain_first, got %q", cfg.Dispatch.Strategy)
	}

	switch cfg.Dispatch.DiscoveryMode {
	case "static":
	case "etcd":
		if len(cfg.Dispatch.EtcdEndpoints) == 0 {
			return fmt.Errorf("config: dispatch.etcd_endpoints required when discovery_mode is etcd")
		}
	default:
		return fmt.Errorf("config: dispatch.discovery_mode must be static or etcd, got %q", cfg.Dispatch.DiscoveryMode)
	}

	if cfg.Dispatch.DiscoveryMode == "static" && len(cfg.Dispatch.Stores) == 0 {
		return fmt.Errorf("config: dispatch.stores must be non-empty when discovery_mode is static")
	}

	seen := make(map[string]bool, len(cfg.Dispatch.Stores))
	for _, s := range cfg.Dispatch.Stores {
		if s.ID == "" {
			return fmt.Errorf("config: dispatch.stores entry missing id")
		}
		if s.DSN == "" {
			return fmt.Errorf("config: dispatch.stores[%s].dsn must not be empty", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("config: duplicate dispatch.stores id %q", s.ID)
		}
		seen[s.ID] = true
	}

	return nil
}
