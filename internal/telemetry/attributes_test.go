// SPDX-License-Identifier: MIT
package telemetry

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestLeaseAttributes(t *testing.T) {
	attrs := LeaseAttributes("api:stripe", "owner-1", 42)

	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, ResourceNameKey, "api:stripe")
	verifyAttribute(t, attrs, OwnerTokenKey, "owner-1")
	verifyInt64Attribute(t, attrs, FencingTokenKey, 42)
}

func TestSemaphoreAttributes(t *testing.T) {
	attrs := SemaphoreAttributes("api:stripe", 2, 7)

	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, SemaphoreKey, "api:stripe")
	verifyIntAttribute(t, attrs, SemaphoreLimit, 2)
	verifyInt64Attribute(t, attrs, FencingTokenKey, 7)
}

func TestClaimAttributes(t *testing.T) {
	tests := []struct {
		name    string
		storeID string
		topic   string
		wantLen int
	}{
		{name: "all fields", storeID: "tenant-1", topic: "orders.placed", wantLen: 3},
		{name: "only batch size", storeID: "", topic: "", wantLen: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := ClaimAttributes(tt.storeID, tt.topic, 10)

			if len(attrs) != tt.wantLen {
				t.Errorf("Expected %d attributes, got %d", tt.wantLen, len(attrs))
			}
			verifyIntAttribute(t, attrs, BatchSizeKey, 10)
			if tt.storeID != "" {
				verifyAttribute(t, attrs, StoreIDKey, tt.storeID)
			}
			if tt.topic != "" {
				verifyAttribute(t, attrs, TopicKey, tt.topic)
			}
		})
	}
}

func TestJoinAttributes(t *testing.T) {
	attrs := JoinAttributes("join-1")
	if len(attrs) != 1 {
		t.Fatalf("Expected 1 attribute, got %d", len(attrs))
	}
	verifyAttribute(t, attrs, JoinIDKey, "join-1")
}

func TestFanoutAttributes(t *testing.T) {
	attrs := FanoutAttributes("orders.fanout", 128)
	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}
	verifyAttribute(t, attrs, FanoutPolicyKey, "orders.fanout")
	verifyInt64Attribute(t, attrs, CursorPosKey, 128)
}

func TestJobAttributes(t *testing.T) {
	attrs := JobAttributes("nightly-reconcile", "completed", 45000)

	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, JobNameKey, "nightly-reconcile")
	verifyAttribute(t, attrs, JobStatusKey, "completed")
	verifyInt64Attribute(t, attrs, JobDurationKey, 45000)
}

func TestErrorAttributes(t *testing.T) {
	err := errors.New("test error")
	attrs := ErrorAttributes(err, "transient_storage_error")

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}

	verifyBoolAttribute(t, attrs, ErrorKey, true)
	verifyAttribute(t, attrs, ErrorTypeKey, "transient_storage_error")
}

func TestAttributeKeys_Consistency(t *testing.T) {
	keys := []string{
		ResourceNameKey,
		OwnerTokenKey,
		FencingTokenKey,
		TopicKey,
		JoinIDKey,
		FanoutPolicyKey,
		JobNameKey,
		ErrorKey,
	}

	for _, key := range keys {
		if key == "" {
			t.Errorf("Expected non-empty attribute key")
		}
	}
}

// Helper functions for attribute verification

func verifyAttribute(t *testing.T, attrs []attribute.KeyValue, key, expectedValue string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != expectedValue {
				t.Errorf("Expected %s=%s, got %s", key, expectedValue, attr.Value.AsString())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyIntAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue int) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != int64(expectedValue) {
				t.Errorf("Expected %s=%d, got %d", key, expectedValue, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyInt64Attribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue int64) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != expectedValue {
				t.Errorf("Expected %s=%d, got %d", key, expectedValue, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyBoolAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue bool) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsBool() != expectedValue {
				t.Errorf("Expected %s=%t, got %t", key, expectedValue, attr.Value.AsBool())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}
