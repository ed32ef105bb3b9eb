// Package substraterr defines the error taxonomy every component in this
// module returns through: each kind carries exactly the information a
// caller needs to decide whether to retry, surface, or silently move on.
// Callers are expected to use errors.As against the typed kinds below,
// never string-matching against Error().
package substraterr

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed caller input: a null topic, a
// non-positive lease duration, a name exceeding its length limit. Surfaced
// to the caller; never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError constructs a ValidationError for the named field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// TransientStorageError wraps a connection/deadlock/timeout failure
// encountered during a claim or ack against the backing store. Lease
// renewal (internal/lease, via resilience.RetryOnce) retries it exactly
// once before propagating; the workqueue and the engines built on it
// return it to their callers without retrying.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("transient storage error during %s: %v", e.Op, e.Err)
}

func (e *TransientStorageError) Unwrap() error { return e.Err }

// Retryable always reports true; it exists so callers can write
// `if r, ok := err.(interface{ Retryable() bool }); ok && r.Retryable()`
// without a type assertion to *TransientStorageError specifically.
func (e *TransientStorageError) Retryable() bool { return true }

// NewTransientStorageError wraps a lower-level store error as transient.
func NewTransientStorageError(op string, err error) *TransientStorageError {
	return &TransientStorageError{Op: op, Err: err}
}

// LostLease reports that a lease renewal failed or that a fencing check
// observed a token older than one already seen. Never swallowed: the
// caller must abort its current iteration and roll back uncommitted work.
type LostLease struct {
	ResourceName    string
	ObservedToken   int64
	ExpectedAtLeast int64
}

func (e *LostLease) Error() string {
	return fmt.Sprintf("lost lease on %q: fencing token %d is stale (expected >= %d)",
		e.ResourceName, e.ObservedToken, e.ExpectedAtLeast)
}

// NewLostLease constructs a LostLease error.
func NewLostLease(resourceName string, observed, expectedAtLeast int64) *LostLease {
	return &LostLease{ResourceName: resourceName, ObservedToken: observed, ExpectedAtLeast: expectedAtLeast}
}

// HandlerError wraps an error returned from a registered
// OutboxHandler/InboxHandler. The work-queue core converts it to an
// abandon with exponential backoff, and after retryCount exceeds the
// configured ceiling, to a fail.
type HandlerError struct {
	Topic string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler error for topic %q: %v", e.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// NewHandlerError wraps a handler's returned error.
func NewHandlerError(topic string, err error) *HandlerError {
	return &HandlerError{Topic: topic, Err: err}
}

// OwnerMismatch reports that an ack/abandon/fail targeted a row not
// currently owned by the caller's token. It is never propagated as an
// error to the work-queue's caller: the row is silently skipped and the
// caller observes an affected count lower than requested. The type exists
// so internal code can distinguish "no such row" from "not my row" in
// logs and metrics.
type OwnerMismatch struct {
	WorkItemID string
	OwnerToken string
}

func (e *OwnerMismatch) Error() string {
	return fmt.Sprintf("owner mismatch: work item %s is not owned by token %s", e.WorkItemID, e.OwnerToken)
}

// NewOwnerMismatch constructs an OwnerMismatch.
func NewOwnerMismatch(workItemID, ownerToken string) *OwnerMismatch {
	return &OwnerMismatch{WorkItemID: workItemID, OwnerToken: ownerToken}
}

// NotFound reports that an operation targeted a semaphore, policy, or
// named resource that has not been defined (e.g. Semaphore.tryAcquire
// against an undefined semaphore; the caller must call ensureExists
// first).
type NotFound struct {
	Kind string
	Name string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// NewNotFound constructs a NotFound for the given kind ("semaphore",
// "fanout policy", "job", ...) and name.
func NewNotFound(kind, name string) *NotFound {
	return &NotFound{Kind: kind, Name: name}
}

// ConfigurationError reports a problem discovered at startup: a missing
// discovery registration, a duplicate registration, or mutually exclusive
// registration modes. Surfaced eagerly; the process should fail to start
// rather than run degraded.
type ConfigurationError struct {
	Component string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in %s: %s", e.Component, e.Reason)
}

// NewConfigurationError constructs a ConfigurationError.
func NewConfigurationError(component, reason string) *ConfigurationError {
	return &ConfigurationError{Component: component, Reason: reason}
}

// IsRetryable reports whether err (or something it wraps) is a
// TransientStorageError eligible for the single local retry.
func IsRetryable(err error) bool {
	var t *TransientStorageError
	return errors.As(err, &t)
}

// IsLostLease reports whether err (or something it wraps) is a LostLease.
func IsLostLease(err error) bool {
	var l *LostLease
	return errors.As(err, &l)
}
