// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bravellian/platform/internal/substraterr"
)

func TestRetryOnce_SucceedsOnSecondAttempt(t *testing.T) {
	attempts := 0
	err := RetryOnce(context.Background(), func() error {
		attempts++
		if attempts == 1 {
			return substraterr.NewTransientStorageError("op", errors.New("boom"))
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryOnce_GivesUpAfterSecondFailure(t *testing.T) {
	attempts := 0
	err := RetryOnce(context.Background(), func() error {
		attempts++
		return substraterr.NewTransientStorageError("op", errors.New("boom"))
	})
	assert.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryOnce_NonRetryableFailsImmediately(t *testing.T) {
	attempts := 0
	err := RetryOnce(context.Background(), func() error {
		attempts++
		return substraterr.NewValidationError("field", "bad")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}
