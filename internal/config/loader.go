// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the prefix every recognized environment override carries,
// e.g. PLATFORM_WORKQUEUE_BATCH_SIZE overlays workqueue.batch_size.
const envPrefix = "PLATFORM_"

// Loader reads AppConfig from a YAML or JSON file (detected by extension)
// and overlays any PLATFORM_-prefixed environment variable on top, file <
// env precedence.
type Loader struct {
	configPath string
	lookupEnv  func(string) (string, bool)
	listEnv    func() []string
}

// NewLoader builds a Loader bound to configPath. An empty configPath is
// valid: Load then returns DefaultAppConfig overlaid with environment
// variables only.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath, lookupEnv: os.LookupEnv, listEnv: os.Environ}
}

// Load reads the configured file (if any), parses it with the parser
// matching its extension, overlays environment variables, and unmarshals
// the result into an AppConfig seeded with DefaultAppConfig.
func (l *Loader) Load() (AppConfig, error) {
	cfg := DefaultAppConfig()

	k := koanf.New(".")

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return AppConfig{}, fmt.Errorf("config: read %s: %w", l.configPath, err)
		}
		parser, err := parserFor(l.configPath)
		if err != nil {
			return AppConfig{}, err
		}
		if err := k.Load(rawbytes.Provider(data), parser); err != nil {
			return AppConfig{}, fmt.Errorf("config: parse %s: %w", l.configPath, err)
		}
		if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
			return AppConfig{}, fmt.Errorf("config: unmarshal %s: %w", l.configPath, err)
		}
	}

	l.applyEnv(&cfg)

	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q", filepath.Ext(path))
	}
}

// applyEnv overlays a small set of environment variables recognized as
// deployment-time overrides, taking precedence over the file.
func (l *Loader) applyEnv(cfg *AppConfig) {
	if v, ok := l.lookupEnv(envPrefix + "LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := l.lookupEnv(envPrefix + "METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := l.lookupEnv(envPrefix + "WORKQUEUE_BATCH_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkQueue.BatchSize = n
		}
	}
	if v, ok := l.lookupEnv(envPrefix + "WORKQUEUE_LEASE_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkQueue.LeaseSeconds = n
		}
	}
	if v, ok := l.lookupEnv(envPrefix + "DISPATCH_STRATEGY"); ok {
		cfg.Dispatch.Strategy = v
	}
	if v, ok := l.lookupEnv(envPrefix + "DISPATCH_DISCOVERY_MODE"); ok {
		cfg.Dispatch.DiscoveryMode = v
	}
	if v, ok := l.lookupEnv(envPrefix + "DISPATCH_ETCD_ENDPOINTS"); ok && v != "" {
		cfg.Dispatch.EtcdEndpoints = strings.Split(v, ",")
	}
}
