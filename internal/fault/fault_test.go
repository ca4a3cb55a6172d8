package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"direct", New(NotFound, "job %s", "j1"), NotFound},
		{"wrapped", fmt.Errorf("outer: %w", New(BackendTransient, "timeout")), BackendTransient},
		{"double wrapped", fmt.Errorf("a: %w", fmt.Errorf("b: %w", Invalid("task", "missing"))), InputInvalid},
		{"plain error", errors.New("boom"), Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorString(t *testing.T) {
	err := Invalid("context_length", "must be positive")
	assert.Contains(t, err.Error(), "InputInvalid")
	assert.Contains(t, err.Error(), `"context_length"`)

	plain := New(NoSuitableModel, "no model fits %d tokens", 200000)
	assert.Equal(t, "NoSuitableModel: no model fits 200000 tokens", plain.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(BackendTransient, cause, "chat call failed")
	require.ErrorIs(t, err, cause)
	assert.True(t, Retryable(err))
	assert.False(t, Retryable(Wrap(BackendPermanent, cause, "bad key")))
	assert.False(t, Retryable(nil))
}

func TestWithHint(t *testing.T) {
	err := New(PreconditionFailed, "no API key").WithHint("set OPENROUTER_API_KEY")
	assert.Equal(t, "set OPENROUTER_API_KEY", err.Hint)
}
