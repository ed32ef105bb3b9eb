// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resilience

import (
	"context"

	retry "github.com/avast/retry-go/v5"

	"github.com/bravellian/platform/internal/substraterr"
)

// RetryOnce runs fn and, if it fails with a retryable error, runs it
// exactly one more time before giving up. It is the local-retry-once
// policy used wherever a single transient storage hiccup shouldn't bubble
// all the way up to the caller.
func RetryOnce(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(2),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(0),
		retry.RetryIf(substraterr.IsRetryable),
		retry.LastErrorOnly(true),
	)
}
