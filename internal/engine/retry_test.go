package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"wrapped canceled", errors.Join(errors.New("step"), context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"execution failure", schema.NewError(schema.ErrCodeStepExecutionFailed, "boom"), true},
		{"timeout code", schema.NewError(schema.ErrCodeTimeout, "slow"), true},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad params"), false},
		{"circuit open", schema.NewError(schema.ErrCodeCircuitOpen, "open"), false},
		{"approval denied", schema.NewError(schema.ErrCodeApprovalDenied, "no"), false},
		{"net error", timeoutNetErr{}, true},
		{"permission denied", errors.New("open /etc/shadow: permission denied"), false},
		{"invalid argument", errors.New("Invalid Argument supplied"), false},
		{"plain", errors.New("something flaky"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestComputeBackoff_NilPolicy(t *testing.T) {
	assert.Zero(t, ComputeBackoff(nil, 1))
}

func TestComputeBackoff_InvalidDelay(t *testing.T) {
	assert.Zero(t, ComputeBackoff(&schema.RetryPolicy{MaxAttempts: 3, BaseDelay: "soon"}, 1))
}

func TestComputeBackoff_Exponential(t *testing.T) {
	p := &schema.RetryPolicy{MaxAttempts: 5, BaseDelay: "100ms"}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(p, 1))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(p, 2))
	assert.Equal(t, 400*time.Millisecond, ComputeBackoff(p, 3))
}

func TestComputeBackoff_Multiplier(t *testing.T) {
	p := &schema.RetryPolicy{MaxAttempts: 5, BaseDelay: "1s", Multiplier: 3}
	assert.Equal(t, 9*time.Second, ComputeBackoff(p, 3))

	constant := &schema.RetryPolicy{MaxAttempts: 5, BaseDelay: "1s", Multiplier: 1}
	assert.Equal(t, time.Second, ComputeBackoff(constant, 4))
}

func TestComputeBackoff_MaxDelay(t *testing.T) {
	p := &schema.RetryPolicy{MaxAttempts: 10, BaseDelay: "1s", MaxDelay: "5s"}
	assert.Equal(t, 4*time.Second, ComputeBackoff(p, 3))
	assert.Equal(t, 5*time.Second, ComputeBackoff(p, 4))
	assert.Equal(t, 5*time.Second, ComputeBackoff(p, 60))
}

func TestBackoffDelay_Jitter(t *testing.T) {
	b, err := parseBackoff(&schema.RetryPolicy{MaxAttempts: 3, BaseDelay: "100ms", Jitter: "50ms"})
	require.NoError(t, err)

	var bound int64
	d := b.delay(2, func(n int64) int64 {
		bound = n
		return n - 1
	})
	assert.Equal(t, int64(50*time.Millisecond), bound)
	assert.Equal(t, 200*time.Millisecond+50*time.Millisecond-1, d)

	for range 100 {
		got := ComputeBackoff(&schema.RetryPolicy{MaxAttempts: 3, BaseDelay: "100ms", Jitter: "50ms"}, 1)
		assert.GreaterOrEqual(t, got, 100*time.Millisecond)
		assert.Less(t, got, 150*time.Millisecond)
	}
}

func TestParseBackoff_Defaults(t *testing.T) {
	b, err := parseBackoff(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, b.maxAttempts)
	assert.Equal(t, DefaultBackoffMultiplier, b.multiplier)

	b, err = parseBackoff(&schema.RetryPolicy{MaxAttempts: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, b.maxAttempts)

	_, err = parseBackoff(&schema.RetryPolicy{MaxAttempts: 2, MaxDelay: "forever"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidDefinition, schema.CodeOf(err))
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), -time.Second))

	start := time.Now()
	require.NoError(t, WaitForBackoff(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
}
