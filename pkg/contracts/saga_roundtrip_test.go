package contracts_test

import (
	"encoding/json"
	"testing"

	"github.com/acgs-2/governance-core/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSagaState_JSONRoundTrip checks that SagaState -> JSON ->
// SagaState preserves all fields, including list ordering.
func TestSagaState_JSONRoundTrip(t *testing.T) {
	failedStep := "charge"
	sc := contracts.NewSagaContext("saga-1")
	sc.SetStepResult("reserve", map[string]any{"ok": true})
	sc.AppendError("charge: timeout")

	state := contracts.SagaState{
		SagaID:              "saga-1",
		Status:              contracts.SagaCompensating,
		CompletedSteps:      []string{"reserve", "charge", "notify"},
		FailedStep:          &failedStep,
		CompensatedSteps:    []string{"notify", "charge"},
		FailedCompensations: []string{},
		Context:             sc,
		Version:             "1",
	}

	data, err := json.Marshal(state)
	require.NoError(t, err)

	var decoded contracts.SagaState
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, state.SagaID, decoded.SagaID)
	assert.Equal(t, state.Status, decoded.Status)
	assert.Equal(t, state.CompletedSteps, decoded.CompletedSteps)
	require.NotNil(t, decoded.FailedStep)
	assert.Equal(t, *state.FailedStep, *decoded.FailedStep)
	assert.Equal(t, state.CompensatedSteps, decoded.CompensatedSteps)
	assert.Equal(t, state.Context.Errors, decoded.Context.Errors)
	assert.Equal(t, state.Context.StepResults["reserve"], decoded.Context.StepResults["reserve"])
}
