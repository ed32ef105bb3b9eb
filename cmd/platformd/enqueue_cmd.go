// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bravellian/platform/internal/config"
	"github.com/bravellian/platform/internal/ids"
	"github.com/bravellian/platform/internal/outbox"
)

var (
	enqueueStore         string
	enqueueTopic         string
	enqueuePayload       string
	enqueueCorrelationID string
	enqueueDelay         time.Duration
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "enqueue a single outbox message for manual testing or one-off ops",
	RunE: func(cmd *cobra.Command, args []string) error {
		if enqueueStore == "" || enqueueTopic == "" {
			return fmt.Errorf("--store and --topic are required")
		}

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

		store, ok := stores[enqueueStore]
		if !ok {
			return fmt.Errorf("platformd: unknown store %q", enqueueStore)
		}

		topic, err := ids.NewTopic(enqueueTopic)
		if err != nil {
			return fmt.Errorf("platformd: invalid topic: %w", err)
		}

		var due time.Time
		if enqueueDelay > 0 {
			due = time.Now().UTC().Add(enqueueDelay)
		}

		out := outbox.New(store, outbox.DefaultConfig())
		ctx := context.Background()
		msgID, err := out.Enqueue(ctx, store.DB, topic, enqueuePayload, enqueueCorrelationID, due)
		if err != nil {
			return fmt.Errorf("platformd: enqueue: %w", err)
		}

		fmt.Println(msgID.String())
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueStore, "store", "", "target store id from config")
	enqueueCmd.Flags().StringVar(&enqueueTopic, "topic", "", "message topic")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "message payload")
	enqueueCmd.Flags().StringVar(&enqueueCorrelationID, "correlation-id", "", "correlation id")
	enqueueCmd.Flags().DurationVar(&enqueueDelay, "delay", 0, "delay before the message becomes due")
}
