package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/bravellian/platform/internal/testutil"
)

func TestLoaderDefaultsWithNoFile(t *testing.T) {
	l := NewLoader("")
	cfg, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, DefaultAppConfig(), cfg)
}

func TestLoaderReadsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
log_level: debug
workqueue:
  batch_size: 42
dispatch:
  strategy: drain_first
  discovery_mode: static
  stores:
    - id: primary
      dsn: "sqlserver://primary"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 42, cfg.WorkQueue.BatchSize)
	require.Equal(t, "drain_first", cfg.Dispatch.Strategy)
	require.Len(t, cfg.Dispatch.Stores, 1)
	require.Equal(t, "primary", cfg.Dispatch.Stores[0].ID)
	// Fields absent from the file keep their default.
	require.Equal(t, 30, cfg.WorkQueue.LeaseSeconds)
}

func TestLoaderReadsYAMLProducesExactExpectedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
log_level: debug
dispatch:
  strategy: drain_first
  discovery_mode: static
  stores:
    - id: primary
      dsn: "sqlserver://primary"
      control_plane: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	want := DefaultAppConfig()
	want.LogLevel = "debug"
	want.Dispatch.Strategy = "drain_first"
	want.Dispatch.Stores = []StoreConfig{{ID: "primary", DSN: "sqlserver://primary", ControlPlane: true}}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("loaded config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoaderReadsJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	json := `{"log_level":"warn","workqueue":{"batch_size":7}}`
	require.NoError(t, os.WriteFile(path, []byte(json), 0o600))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.LogLevel)
	require.Equal(t, 7, cfg.WorkQueue.BatchSize)
}

func TestLoaderRejectsUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0o600))

	_, err := NewLoader(path).Load()
	require.Error(t, err)
}

func TestLoaderReadsFixtureFileFromRepoRoot(t *testing.T) {
	root := testutil.MustRepoRoot(t)
	path := filepath.Join(root, "internal", "config", "testdata", "sample.yaml")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	require.Equal(t, "warn", cfg.LogLevel)
	require.Equal(t, ":9191", cfg.MetricsAddr)
	require.Equal(t, "ops", cfg.Schema.Name)
	require.False(t, cfg.Schema.EnableSchemaDeployment)
	require.Equal(t, 25, cfg.WorkQueue.BatchSize)
	require.Equal(t, 15, cfg.WorkQueue.LeaseSeconds)
	require.Len(t, cfg.Dispatch.Stores, 2)
	require.True(t, cfg.Dispatch.Stores[0].ControlPlane)
}

func TestLoaderMissingFile(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	require.Error(t, err)
}

func TestLoaderEnvOverlayTakesPrecedenceOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\nworkqueue:\n  batch_size: 10\n"), 0o600))

	l := NewLoader(path)
	env := map[string]string{
		"PLATFORM_LOG_LEVEL":            "error",
		"PLATFORM_WORKQUEUE_BATCH_SIZE": "99",
		"PLATFORM_DISPATCH_STRATEGY":    "drain_first",
	}
	l.lookupEnv = func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, "error", cfg.LogLevel)
	require.Equal(t, 99, cfg.WorkQueue.BatchSize)
	require.Equal(t, "drain_first", cfg.Dispatch.Strategy)
}

func TestLoaderEnvOverlayWithoutFile(t *testing.T) {
	l := NewLoader("")
	env := map[string]string{"PLATFORM_DISPATCH_ETCD_ENDPOINTS": "a:2379,b:2379"}
	l.lookupEnv = func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, []string{"a:2379", "b:2379"}, cfg.Dispatch.EtcdEndpoints)
}
