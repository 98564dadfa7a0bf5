package psv_test

import (
	"context"
	"testing"
	"time"

	"github.com/acgs-2/governance-core/pkg/psv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubprocessDafnyVerifier_SucceedsWithTrue(t *testing.T) {
	v := psv.NewSubprocessDafnyVerifier("true", nil, 2)
	result, err := v.Verify(context.Background(), "// method Decide() ensures true {}")
	require.NoError(t, err)
	assert.Equal(t, "verified", result.Status)
}

func TestSubprocessDafnyVerifier_FailsWithFalse(t *testing.T) {
	v := psv.NewSubprocessDafnyVerifier("false", nil, 2)
	result, err := v.Verify(context.Background(), "// bad source")
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
}

func TestSubprocessDafnyVerifier_RespectsContextTimeout(t *testing.T) {
	v := psv.NewSubprocessDafnyVerifier("sleep", []string{"5"}, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	result, err := v.Verify(ctx, "// slow source")
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
}

func TestStubDafnyVerifier_FailsWithoutPostcondition(t *testing.T) {
	v := psv.StubDafnyVerifier{}
	result, err := v.Verify(context.Background(), "method Decide() { }")
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
}
