// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// Snapshot is an immutable view of AppConfig at one point in time. Pollers
// never read a config field directly; they hold a func() Snapshot accessor
// and re-derive their tuning from the latest Snapshot between ticks.
type Snapshot struct {
	App      AppConfig
	Epoch    uint64
	LoadedAt time.Time
}
