// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldWorkItemID      = "work_item_id"
	FieldMessageID       = "message_id"
	FieldCorrelationID   = "correlation_id"
	FieldRequestID       = "request_id"
	FieldClientRequestID = "client_request_id"
	FieldJobID           = "job_id"
	FieldJobName         = "job_name"
	FieldTimerID         = "timer_id"
	FieldOwnerToken      = "owner_token"
	FieldStoreID         = "store_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldTopic     = "topic"

	// Lease / semaphore fields
	FieldResourceName = "resource_name"
	FieldFencingToken = "fencing_token"
	FieldLeaseUntil   = "lease_until"
	FieldSemaphore    = "semaphore_name"

	// Join / fanout fields
	FieldJoinID    = "join_id"
	FieldFanoutID  = "fanout_policy"
	FieldCursorPos = "cursor_position"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Retry / failure fields
	FieldRetryCount = "retry_count"
	FieldLastError  = "last_error"
)
