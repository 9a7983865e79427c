package mqierr

import (
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", io.EOF, false},
		{"marked retryable", Retryable("upload", io.EOF), true},
		{"wrapped retryable", errors.Wrap(Retryable("upload", io.EOF), "outer"), true},
		{"validation", Validationf("no beams"), false},
		{"timeout", &fakeNetError{timeout: true}, true},
		{"net error without timeout", &fakeNetError{timeout: false}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetryableNilPassthrough(t *testing.T) {
	require.NoError(t, Retryable("op", nil))
	require.NoError(t, Workflow("b1", "file_upload", nil))
}

func TestWorkflowErrorCarriesContext(t *testing.T) {
	inner := Retryable("upload", io.EOF)
	err := Workflow("c1_b1", "file_upload", inner)

	var we *WorkflowError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "c1_b1", we.BeamID)
	assert.Equal(t, "file_upload", we.Phase)

	// The retryable classification survives the wrap.
	assert.True(t, IsRetryable(err))
}

func TestCircuitOpenDistinguishable(t *testing.T) {
	err := &CircuitBreakerOpenError{Class: "remote_submit", RetryAfter: 30 * time.Second}
	assert.True(t, IsCircuitOpen(err))
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "remote_submit")
}

type fakeNetError struct{ timeout bool }

func (e *fakeNetError) Error() string   { return "fake net error" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return false }
