package contracts

// SagaStatus is the saga state machine's current node.
type SagaStatus string

const (
	SagaPending              SagaStatus = "pending"
	SagaExecuting            SagaStatus = "executing"
	SagaCompleted            SagaStatus = "completed"
	SagaCompensating         SagaStatus = "compensating"
	SagaCompensated          SagaStatus = "compensated"
	SagaPartiallyCompensated SagaStatus = "partially_compensated"
	SagaFailed               SagaStatus = "failed"
)

// SagaState is the durable, resumable record of a saga's progress. JSON
// field names and ordering match the persisted wire format exactly so
// SagaState round-trips through JSON without loss.
type SagaState struct {
	SagaID              string      `json:"saga_id"`
	Status              SagaStatus  `json:"status"`
	CompletedSteps      []string    `json:"completed_steps"`
	FailedStep          *string     `json:"failed_step"`
	CompensatedSteps    []string    `json:"compensated_steps"`
	FailedCompensations []string    `json:"failed_compensations"`
	Context             SagaContext `json:"context"`
	Version             string      `json:"version"`
}

// SagaContext is the shared, append-only-errors state a saga's steps and
// compensations read and write through a narrow interface.
type SagaContext struct {
	SagaID      string         `json:"saga_id"`
	StepResults map[string]any `json:"step_results"`
	Metadata    map[string]any `json:"metadata"`
	Errors      []string       `json:"errors"`
}

// NewSagaContext returns an empty, initialized SagaContext.
func NewSagaContext(sagaID string) SagaContext {
	return SagaContext{
		SagaID:      sagaID,
		StepResults: make(map[string]any),
		Metadata:    make(map[string]any),
		Errors:      []string{},
	}
}

// SetStepResult records a step's output in the context.
func (c *SagaContext) SetStepResult(step string, result any) {
	if c.StepResults == nil {
		c.StepResults = make(map[string]any)
	}
	c.StepResults[step] = result
}

// StepResult retrieves a prior step's output.
func (c *SagaContext) StepResult(step string) (any, bool) {
	if c.StepResults == nil {
		return nil, false
	}
	v, ok := c.StepResults[step]
	return v, ok
}

// AppendError appends to the context's ordered error log.
func (c *SagaContext) AppendError(msg string) {
	c.Errors = append(c.Errors, msg)
}

const skippedStepsKey = "skipped_steps"

// MarkStepSkipped records that an optional step failed and was skipped,
// so the compensation sweep knows it never actually ran.
func (c *SagaContext) MarkStepSkipped(step string) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	skipped, _ := c.Metadata[skippedStepsKey].([]string)
	c.Metadata[skippedStepsKey] = append(skipped, step)
}

// StepSkipped reports whether step was recorded as skipped. It tolerates
// the []any form Metadata takes after a JSON round-trip.
func (c *SagaContext) StepSkipped(step string) bool {
	if c.Metadata == nil {
		return false
	}
	switch v := c.Metadata[skippedStepsKey].(type) {
	case []string:
		for _, s := range v {
			if s == step {
				return true
			}
		}
	case []any:
		for _, s := range v {
			if name, ok := s.(string); ok && name == step {
				return true
			}
		}
	}
	return false
}
