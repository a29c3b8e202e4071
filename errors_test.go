package harness

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ethereum-optimism/op-harness/exitcodes"
)

func TestErrorTypes(t *testing.T) {
	base := errors.New("boom")

	runtimeErr := fmt.Errorf("wrapped: %w", NewRuntimeError(base))
	assert.True(t, IsRuntimeError(runtimeErr))
	assert.False(t, IsTestFailureError(runtimeErr))
	assert.ErrorIs(t, runtimeErr, base)
	assert.Equal(t, "runtime error: boom", NewRuntimeError(base).Error())

	failure := NewTestFailureError("2 invocations failed")
	assert.True(t, IsTestFailureError(failure))
	assert.Equal(t, "test failure: 2 invocations failed", failure.Error())

	retry := fmt.Errorf("wrapped: %w", NewRetryError(base))
	assert.True(t, IsRetryError(retry))
	assert.ErrorIs(t, retry, base)

	assert.False(t, IsRuntimeError(nil))
	assert.False(t, IsTestFailureError(nil))
	assert.False(t, IsRetryError(nil))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, exitcodes.Success},
		{"test failure", NewTestFailureError("x"), exitcodes.TestFailure},
		{"runtime", NewRuntimeError(errors.New("x")), exitcodes.RuntimeErr},
		{"retry", NewRetryError(errors.New("x")), exitcodes.Retry},
		{"retry wins over runtime", NewRuntimeError(NewRetryError(errors.New("x"))), exitcodes.Retry},
		{"unknown", errors.New("x"), exitcodes.TestFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}
