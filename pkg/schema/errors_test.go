package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpflowError_Format(t *testing.T) {
	err := NewError(ErrCodeNotFound, "workflow \"wf_1\" not found")
	assert.Equal(t, `[NOT_FOUND] workflow "wf_1" not found`, err.Error())

	err = NewErrorf(ErrCodeTimeout, "attempt exceeded %s", "2s").WithStep("fetch")
	assert.Equal(t, "[TIMEOUT] step fetch: attempt exceeded 2s", err.Error())
}

func TestOpflowError_UnwrapAndCodes(t *testing.T) {
	root := errors.New("connection reset")
	wrapped := fmt.Errorf("dispatch: %w", NewError(ErrCodeCore, "router failed").WithCause(root))

	assert.ErrorIs(t, wrapped, root)
	assert.Equal(t, ErrCodeCore, CodeOf(wrapped))
	assert.True(t, IsCode(wrapped, ErrCodeCore))
	assert.False(t, IsCode(wrapped, ErrCodeNotFound))
	assert.Equal(t, "", CodeOf(root))
}

func TestIsCode_SearchesCauseChain(t *testing.T) {
	inner := NewError(ErrCodeApprovalDenied, "rejected by ops")
	outer := StepExecutionFailed("review", "approval rejected", 1, inner)

	assert.Equal(t, ErrCodeStepExecutionFailed, CodeOf(outer))
	assert.True(t, IsCode(outer, ErrCodeApprovalDenied))
	assert.Equal(t, "review", outer.StepID)
	assert.Equal(t, 1, outer.Details["attempts"])
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, NewError(ErrCodeTimeout, "slow").IsRetryable())
	assert.True(t, NewError(ErrCodeCore, "boom").IsRetryable())
	assert.False(t, NewError(ErrCodeValidation, "bad").IsRetryable())
	assert.False(t, NewError(ErrCodeCircuitOpen, "open").IsRetryable())
	assert.False(t, NewError(ErrCodeApprovalDenied, "no").IsRetryable())
}
