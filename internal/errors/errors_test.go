package errors

import (
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		kind     Kind
		message  string
		expected string
	}{
		{
			name:     "bad input error",
			kind:     KindBadInput,
			message:  "invalid task request",
			expected: "bad_input: invalid task request",
		},
		{
			name:     "not found error",
			kind:     KindNotFound,
			message:  "task not found",
			expected: "not_found: task not found",
		},
		{
			name:     "safety blocked error",
			kind:     KindSafetyBlocked,
			message:  "critical violation",
			expected: "safety_blocked: critical violation",
		},
		{
			name:     "internal error",
			kind:     KindInternal,
			message:  "something went wrong",
			expected: "internal: something went wrong",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.kind, tt.message)

			if err == nil {
				t.Fatal("expected error, got nil")
			}

			if err.Kind != tt.kind {
				t.Errorf("expected kind %v, got %v", tt.kind, err.Kind)
			}

			if err.Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, err.Message)
			}

			if !strings.Contains(err.Error(), tt.expected) {
				t.Errorf("expected error string to contain %q, got %q", tt.expected, err.Error())
			}

			if err.StackTrace == "" {
				t.Error("expected stack trace to be captured")
			}
		})
	}
}

func TestNewf(t *testing.T) {
	err := Newf(KindBadInput, "field %s is required", "service")

	if err == nil {
		t.Fatal("expected error, got nil")
	}

	expectedMessage := "field service is required"
	if err.Message != expectedMessage {
		t.Errorf("expected message %q, got %q", expectedMessage, err.Message)
	}
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("original error")

	tests := []struct {
		name         string
		err          error
		kind         Kind
		message      string
		expectNil    bool
		expectedKind Kind
	}{
		{
			name:         "wrap standard error",
			err:          originalErr,
			kind:         KindInternal,
			message:      "wrapped error",
			expectNil:    false,
			expectedKind: KindInternal,
		},
		{
			name:      "wrap nil error",
			err:       nil,
			kind:      KindInternal,
			message:   "wrapped error",
			expectNil: true,
		},
		{
			name:         "wrap classified error keeps its kind",
			err:          New(KindCapabilityTransient, "connection reset"),
			kind:         KindInternal,
			message:      "step failed",
			expectNil:    false,
			expectedKind: KindCapabilityTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := Wrap(tt.err, tt.kind, tt.message)

			if tt.expectNil {
				if wrapped != nil {
					t.Errorf("expected nil, got %v", wrapped)
				}
				return
			}

			if wrapped == nil {
				t.Fatal("expected error, got nil")
			}

			if wrapped.Kind != tt.expectedKind {
				t.Errorf("expected kind %v, got %v", tt.expectedKind, wrapped.Kind)
			}

			if !strings.Contains(wrapped.Error(), tt.message) {
				t.Errorf("expected error to contain %q, got %q", tt.message, wrapped.Error())
			}
		})
	}
}

func TestWrapPreservesRetryability(t *testing.T) {
	inner := TransientCapability("terraform", "throttled")
	wrapped := Wrap(inner, KindInternal, "executing step deploy-1")

	if !wrapped.Retryable {
		t.Error("expected wrapped transient error to stay retryable")
	}
	if !errors.Is(wrapped, inner) {
		t.Error("expected errors.Is to find the inner error")
	}
}

func TestWrapf(t *testing.T) {
	originalErr := errors.New("connection refused")
	wrapped := Wrapf(originalErr, KindStorageUnavailable, "opening database %s", "nimbus.db")

	if wrapped == nil {
		t.Fatal("expected error, got nil")
	}

	expectedMessage := "opening database nimbus.db"
	if wrapped.Message != expectedMessage {
		t.Errorf("expected message %q, got %q", expectedMessage, wrapped.Message)
	}

	if wrapped.Cause != originalErr {
		t.Errorf("expected cause to be original error")
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		kind     Kind
		expected bool
	}{
		{
			name:     "matching kind",
			err:      New(KindConflict, "test"),
			kind:     KindConflict,
			expected: true,
		},
		{
			name:     "non-matching kind",
			err:      New(KindConflict, "test"),
			kind:     KindInternal,
			expected: false,
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			kind:     KindInternal,
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			kind:     KindInternal,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Is(tt.err, tt.kind)
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "transient capability error",
			err:      New(KindCapabilityTransient, "throttled"),
			expected: true,
		},
		{
			name:     "timeout error",
			err:      New(KindTimeout, "request timeout"),
			expected: true,
		},
		{
			name:     "permanent capability error",
			err:      New(KindCapabilityPermanent, "invalid credentials"),
			expected: false,
		},
		{
			name:     "safety blocked error",
			err:      New(KindSafetyBlocked, "vetoed"),
			expected: false,
		},
		{
			name:     "cancelled error",
			err:      New(KindCancelled, "task cancelled"),
			expected: false,
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsRetryable(tt.err)
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{
			name:     "classified error",
			err:      New(KindAwaitingApproval, "pending"),
			expected: KindAwaitingApproval,
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			expected: KindInternal,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: KindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := KindOf(tt.err)
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected int
	}{
		{KindBadInput, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindCancelled, http.StatusConflict},
		{KindSafetyBlocked, http.StatusForbidden},
		{KindAwaitingApproval, http.StatusAccepted},
		{KindCapabilityTransient, http.StatusBadGateway},
		{KindCapabilityPermanent, http.StatusBadGateway},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindStorageUnavailable, http.StatusServiceUnavailable},
		{KindInternal, http.StatusInternalServerError},
		{Kind("unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := HTTPStatus(tt.kind); got != tt.expected {
				t.Errorf("expected status %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestWithDetails(t *testing.T) {
	err := New(KindBadInput, "validation failed")

	err.WithDetails("field", "service").
		WithDetails("value", "").
		WithDetails("reason", "must not be empty")

	if err.Details == nil {
		t.Fatal("expected details to be set")
	}

	if err.Details["field"] != "service" {
		t.Errorf("expected field to be 'service', got %v", err.Details["field"])
	}

	if err.Details["reason"] != "must not be empty" {
		t.Errorf("expected reason to be 'must not be empty', got %v", err.Details["reason"])
	}
}

func TestHelperFunctions(t *testing.T) {
	t.Run("NotFound", func(t *testing.T) {
		err := NotFound("task", "task-42")
		if err.Kind != KindNotFound {
			t.Errorf("expected not_found kind, got %v", err.Kind)
		}
		if err.Message != "task task-42 not found" {
			t.Errorf("unexpected message %q", err.Message)
		}
	})

	t.Run("TransientCapability", func(t *testing.T) {
		err := TransientCapability("k8s", "apiserver unavailable")
		if err.Kind != KindCapabilityTransient {
			t.Errorf("expected capability_transient kind, got %v", err.Kind)
		}
		if !err.Retryable {
			t.Error("expected transient capability error to be retryable")
		}
		expectedMessage := "capability k8s: apiserver unavailable"
		if err.Message != expectedMessage {
			t.Errorf("expected message %q, got %q", expectedMessage, err.Message)
		}
	})

	t.Run("PermanentCapability", func(t *testing.T) {
		err := PermanentCapability("terraform", "invalid credentials")
		if err.Kind != KindCapabilityPermanent {
			t.Errorf("expected capability_permanent kind, got %v", err.Kind)
		}
		if err.Retryable {
			t.Error("expected permanent capability error to not be retryable")
		}
	})

	t.Run("SafetyBlocked", func(t *testing.T) {
		err := SafetyBlocked("2 critical violations")
		if err.Kind != KindSafetyBlocked {
			t.Errorf("expected safety_blocked kind, got %v", err.Kind)
		}
	})

	t.Run("StorageUnavailable", func(t *testing.T) {
		err := StorageUnavailable("database locked")
		if err.Kind != KindStorageUnavailable {
			t.Errorf("expected storage_unavailable kind, got %v", err.Kind)
		}
	})
}

func TestUnwrap(t *testing.T) {
	originalErr := errors.New("original error")
	wrapped := Wrap(originalErr, KindInternal, "wrapped")

	if !errors.Is(wrapped, originalErr) {
		t.Errorf("expected unwrap chain to reach original error")
	}

	err := New(KindBadInput, "test")
	if err.Unwrap() != nil {
		t.Error("expected nil when unwrapping error without cause")
	}
}

func BenchmarkNew(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = New(KindInternal, "benchmark error")
	}
}

func BenchmarkWrap(b *testing.B) {
	originalErr := errors.New("original error")
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = Wrap(originalErr, KindInternal, "wrapped error")
	}
}
