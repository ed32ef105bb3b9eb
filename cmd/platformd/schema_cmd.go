// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bravellian/platform/internal/config"
	xlog "github.com/bravellian/platform/internal/log"
	"github.com/bravellian/platform/internal/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "inspect or deploy the module schema",
}

var schemaApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "apply the tracked schema migrations to every configured store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewLoader(configPath).Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := config.Validate(cfg); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		stores, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer closeStores(stores)

		ctx := context.Background()
		logger := xlog.WithComponent("schema")
		for id, store := range stores {
			before, hadBefore, err := schema.VersionOf(ctx, store.DB, schema.ModuleWorkQueue)
			if err != nil {
				return fmt.Errorf("platformd: read schema version of %q: %w", id, err)
			}
			marker := schemaMarkerPath(cfg, id)
			if err := schema.EnsureSchema(ctx, store.DB, schema.WithLocalMarker(marker)); err != nil {
				return fmt.Errorf("platformd: apply schema to %q: %w", id, err)
			}
			after, _, err := schema.VersionOf(ctx, store.DB, schema.ModuleWorkQueue)
			if err != nil {
				return fmt.Errorf("platformd: read schema version of %q: %w", id, err)
			}
			markerVersion, hasMarker, err := schema.LocalMarkerVersion(marker)
			if err != nil {
				logger.Warn().Err(err).Str("store", id).Msg("failed to read local schema version marker")
			}
			logger.Info().
				Str("store", id).
				Int("version_before", before).
				Bool("had_before", hadBefore).
				Int("version_after", after).
				Int("marker_version", markerVersion).
				Bool("has_marker", hasMarker).
				Msg("schema applied")
			fmt.Printf("store %s: schema version %d -> %d\n", id, before, after)
		}
		return nil
	},
}

func init() {
	schemaCmd.AddCommand(schemaApplyCmd)
}
