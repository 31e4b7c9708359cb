package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsThroughWrapping(t *testing.T) {
	base := New(KindInvalidToken, "token %s already used", "abc")
	wrapped := fmt.Errorf("redeem: %w", base)

	assert.True(t, Is(wrapped, KindInvalidToken))
	assert.False(t, Is(wrapped, KindGateFailed))
	assert.False(t, Is(errors.New("plain"), KindInvalidToken))

	k, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindInvalidToken, k)
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(KindToolExecutionError, errors.New("exit status 1"), "run_command failed")
	assert.Equal(t, "[ToolExecutionError] run_command failed: exit status 1", err.Error())
	assert.ErrorIs(t, err, err.Err)

	err2 := New(KindGateFailed, "gate %q failed", "design").WithDetail("missing", []string{"a"})
	assert.Equal(t, `[GateFailed] gate "design" failed`, err2.Error())
	assert.Equal(t, []string{"a"}, err2.Details["missing"])
}

func TestReflectable(t *testing.T) {
	assert.True(t, KindProbeFailed.Reflectable())
	assert.True(t, KindToolExecutionError.Reflectable())
	assert.False(t, KindPolicyViolation.Reflectable())
	assert.False(t, KindApprovalDenied.Reflectable())
}
