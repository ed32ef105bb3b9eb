// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// SPDX-License-Identifier: MIT
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	xlog "github.com/bravellian/platform/internal/log"
	xversion "github.com/bravellian/platform/internal/version"
)

// version is passed to the logger at startup; the version subcommand prints
// xversion's vars directly, which are the ones the build system overrides
// via ldflags.
var version = xversion.Version

var configPath string

var rootCmd = &cobra.Command{
	Use:   "platformd",
	Short: "SQL-backed reliable messaging and scheduling daemon",
	Long: "platformd drives the work queue, outbox, inbox, scheduler, and\n" +
		"dispatcher engines against one or more SQL stores.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		xlog.Configure(xlog.Config{Level: "info", Service: "platformd", Version: version})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML or JSON)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("%s (commit: %s, built: %s)\n", xversion.Version, xversion.Commit, xversion.Date)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
