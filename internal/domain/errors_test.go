package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Registry.Get", ErrBackendNotFound, `"groq"`)
	want := `Registry.Get: "groq": completion backend not found`
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Bus.TryPublish", ErrCapacityExceeded, "")
	want := "Bus.TryPublish: router queue at capacity"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Scheduler.Submit", ErrDuplicate, "task-1")
	if !errors.Is(err, ErrDuplicate) {
		t.Error("errors.Is should match ErrDuplicate")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewDomainError("Agent.Initialize", ErrAlreadyInitialized, "writer-abc123"))
	var de *DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Agent.Initialize", de.Op)
}

func TestWrapOp(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))

	err := WrapOp("Coordinator.Start", ErrRouterClosed)
	assert.ErrorIs(t, err, ErrRouterClosed)
	assert.Equal(t, "Coordinator.Start: router stopped", err.Error())
}

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"sentinel", ErrRateLimit, CodeRateLimit},
		{"domain error", NewDomainError("Bus.TryPublish", ErrCapacityExceeded, ""), CodeCapacityExceeded},
		{"wrapped", fmt.Errorf("ctx: %w", ErrBackendNotFound), CodeBackendNotFound},
		{"specific before generic", fmt.Errorf("%w: %w", ErrRateLimit, ErrBackend), CodeRateLimit},
		{"unknown", errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeOf(tt.err))
		})
	}
}

func TestDomainError_Code(t *testing.T) {
	err := NewDomainError("Scheduler.Submit", ErrInvalidInput, "negative delay")
	assert.Equal(t, CodeInvalidInput, err.Code())
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(fmt.Errorf("x: %w", ErrRateLimit)))
	assert.True(t, IsRetryableError(ErrCircuitOpen))
	assert.False(t, IsRetryableError(ErrAuthInvalid))
}
