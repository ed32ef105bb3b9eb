// SPDX-License-Identifier: MIT

// Package telemetry provides OpenTelemetry tracing utilities for the
// messaging substrate: a tracer provider and helpers that build fencing,
// owner-token and batch attributes for spans. The engine packages do not
// open spans themselves.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the substrate.
const (
	// Lease / semaphore attributes
	ResourceNameKey = "resource_name"
	OwnerTokenKey   = "owner_token"
	FencingTokenKey = "fencing_token"
	LeaseUntilKey   = "lease_until"
	SemaphoreKey    = "semaphore_name"
	SemaphoreLimit  = "semaphore_limit"

	// Work-queue attributes
	TopicKey      = "topic"
	MessageIDKey  = "message_id"
	WorkItemIDKey = "work_item_id"
	StoreIDKey    = "store_id"
	BatchSizeKey  = "batch_size"
	RetryCountKey = "retry_count"

	// Join / fanout attributes
	JoinIDKey       = "join_id"
	FanoutPolicyKey = "fanout_policy"
	CursorPosKey    = "cursor_position"

	// Job / scheduler attributes
	JobNameKey     = "job_name"
	JobStatusKey   = "job.status"
	JobDurationKey = "job.duration_ms"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// LeaseAttributes creates span attributes for a lease acquire/renew/release.
func LeaseAttributes(resourceName, ownerToken string, fencingToken int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ResourceNameKey, resourceName),
		attribute.String(OwnerTokenKey, ownerToken),
		attribute.Int64(FencingTokenKey, fencingToken),
	}
}

// SemaphoreAttributes creates span attributes for a semaphore tryAcquire/release.
func SemaphoreAttributes(name string, limit int, fencingToken int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SemaphoreKey, name),
		attribute.Int(SemaphoreLimit, limit),
		attribute.Int64(FencingTokenKey, fencingToken),
	}
}

// ClaimAttributes creates span attributes for a work-queue claim/ack/abandon/fail.
func ClaimAttributes(storeID, topic string, batchSize int) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if storeID != "" {
		attrs = append(attrs, attribute.String(StoreIDKey, storeID))
	}
	if topic != "" {
		attrs = append(attrs, attribute.String(TopicKey, topic))
	}
	attrs = append(attrs, attribute.Int(BatchSizeKey, batchSize))
	return attrs
}

// JoinAttributes creates span attributes for a join fan-in update.
func JoinAttributes(joinID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JoinIDKey, joinID),
	}
}

// FanoutAttributes creates span attributes for a fanout expansion step.
func FanoutAttributes(policy string, cursorPosition int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(FanoutPolicyKey, policy),
		attribute.Int64(CursorPosKey, cursorPosition),
	}
}

// JobAttributes creates scheduler job-related span attributes.
func JobAttributes(jobName, status string, durationMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobNameKey, jobName),
		attribute.String(JobStatusKey, status),
		attribute.Int64(JobDurationKey, durationMS),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
