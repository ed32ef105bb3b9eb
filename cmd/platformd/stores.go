// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/bravellian/platform/internal/config"
	"github.com/bravellian/platform/internal/dbsql"
	"github.com/bravellian/platform/internal/schema"
)

// openStores opens a *dbsql.Store for every configured StoreConfig,
// keyed by StoreConfig.ID. The DSN is a SQLite file path: dbsql is
// SQLite-only today, so other dialects have no connection string syntax
// yet to parse here.
func openStores(cfg config.AppConfig) (map[string]*dbsql.Store, error) {
	stores := make(map[string]*dbsql.Store, len(cfg.Dispatch.Stores))
	for _, sc := range cfg.Dispatch.Stores {
		store, err := dbsql.Open(dbsql.DefaultConfig(sc.DSN))
		if err != nil {
			closeStores(stores)
			return nil, fmt.Errorf("platformd: open store %q: %w", sc.ID, err)
		}
		stores[sc.ID] = store
	}
	return stores, nil
}

func closeStores(stores map[string]*dbsql.Store) {
	for _, s := range stores {
		_ = s.Close()
	}
}

// ensureSchemas runs schema.EnsureSchema against every store, unless the
// operator has disabled schema deployment for this process (a read-only
// replica pointed at a schema some other process owns).
func ensureSchemas(ctx context.Context, cfg config.AppConfig, stores map[string]*dbsql.Store) error {
	if !cfg.Schema.EnableSchemaDeployment {
		return nil
	}
	for id, store := range stores {
		marker := schemaMarkerPath(cfg, id)
		if err := schema.EnsureSchema(ctx, store.DB, schema.WithLocalMarker(marker)); err != nil {
			return fmt.Errorf("platformd: ensure schema on store %q: %w", id, err)
		}
	}
	return nil
}

// schemaMarkerPath places the local schema version marker next to the
// store's own SQLite file, so it travels with the database it describes.
func schemaMarkerPath(cfg config.AppConfig, storeID string) string {
	for _, sc := range cfg.Dispatch.Stores {
		if sc.ID == storeID {
			return filepath.Join(filepath.Dir(sc.DSN), "."+storeID+".schema-version")
		}
	}
	return ""
}
