package substraterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsRetryableUnwrapsWrappedTransientError(t *testing.T) {
	base := NewTransientStorageError("claim", errors.New("deadlock detected"))
	wrapped := fmt.Errorf("batch claim failed: %w", base)

	require.True(t, IsRetryable(wrapped))
	require.False(t, IsRetryable(errors.New("plain error")))
}

func TestIsLostLeaseMatchesExactType(t *testing.T) {
	err := NewLostLease("api:stripe", 3, 5)
	require.True(t, IsLostLease(err))
	require.False(t, IsLostLease(NewValidationError("topic", "must not be empty")))
}

func TestHandlerErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := NewHandlerError("orders.placed", cause)
	require.ErrorIs(t, err, cause)
}

func TestErrorMessagesAreDescriptive(t *testing.T) {
	require.Contains(t, NewNotFound("semaphore", "api:stripe").Error(), "semaphore")
	require.Contains(t, NewOwnerMismatch("wi-1", "tok-1").Error(), "wi-1")
	require.Contains(t, NewConfigurationError("discovery", "duplicate registration").Error(), "discovery")
}
