// Package saga implements the Saga Orchestrator: forward
// execution of a sequence of steps with per-step retry and timeout,
// reverse compensation on failure, and durable, resumable state so a
// process restart picks a saga back up where it left off.
//
// Every state transition persists through a StateStore before the
// orchestrator advances, so the durable record is always authoritative.
package saga

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/acgs-2/governance-core/pkg/audit"
	"github.com/acgs-2/governance-core/pkg/contracts"
	"github.com/acgs-2/governance-core/pkg/governerr"
)

// Step is one forward action in a saga, with its compensating action.
// Immutable after a saga starts.
type Step struct {
	Name       string
	Optional   bool
	Timeout    time.Duration
	MaxRetries int
	// RetryDelay is the fixed delay between retry attempts; there is no
	// backoff.
	RetryDelay time.Duration
	// RequiresPrevious marks a step that must not run if the
	// immediately preceding step in declared order did not succeed
	// (the saga is marked failed outright). This is a harder stop than
	// normal step failure: it skips compensation entirely.
	RequiresPrevious bool
	// IdempotencyKey is advisory: the orchestrator never deduplicates
	// on it — retry safety is the step author's contract. It exists so
	// a step's Run closure can look it up via the
	// SagaContext if it needs to make its own retry-safety decision.
	IdempotencyKey string
	Run            func(ctx context.Context, sc *contracts.SagaContext) (any, error)
	Compensate     func(ctx context.Context, sc *contracts.SagaContext) error
}

// StateStore persists SagaState durably so a saga can be resumed after a
// process restart.
type StateStore interface {
	Save(ctx context.Context, state contracts.SagaState) error
	Load(ctx context.Context, sagaID string) (contracts.SagaState, error)
}

const stateVersion = "1"

// AuditReasoningFunc evaluates the safety of a saga's accumulated
// reasoning/context before it is allowed to complete. It is wired in as
// the built-in "audit_reasoning" step. An unsafe verdict is recorded
// but does not abort the saga unless
// Orchestrator.AbortOnUnsafeReasoning is set.
type AuditReasoningFunc func(ctx context.Context, sc *contracts.SagaContext) (safe bool, reason string, err error)

// unsafeReasoningPatterns are the fixed phrases DefaultAuditReasoning
// flags in free-text reasoning.
var unsafeReasoningPatterns = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"bypass safety",
	"disable safety",
	"override the constitution",
}

// DefaultAuditReasoning scans every string in the saga context's step
// results and metadata for the fixed unsafe-reasoning patterns. It is the
// stock implementation to pass to WithAuditReasoning.
func DefaultAuditReasoning(ctx context.Context, sc *contracts.SagaContext) (bool, string, error) {
	check := func(s string) string {
		lower := strings.ToLower(s)
		for _, p := range unsafeReasoningPatterns {
			if strings.Contains(lower, p) {
				return p
			}
		}
		return ""
	}
	for step, result := range sc.StepResults {
		if s, ok := result.(string); ok {
			if hit := check(s); hit != "" {
				return false, fmt.Sprintf("step %q reasoning matched %q", step, hit), nil
			}
		}
	}
	for key, value := range sc.Metadata {
		if s, ok := value.(string); ok {
			if hit := check(s); hit != "" {
				return false, fmt.Sprintf("metadata %q matched %q", key, hit), nil
			}
		}
	}
	return true, "", nil
}

// Orchestrator runs a fixed, ordered list of steps under the saga pattern.
type Orchestrator struct {
	mu                     sync.Mutex
	steps                  []Step
	store                  StateStore
	ledger                 *audit.Ledger
	auditReasoning         AuditReasoningFunc
	AbortOnUnsafeReasoning bool
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithAuditLedger attaches the ledger saga lifecycle transitions are
// appended to.
func WithAuditLedger(l *audit.Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithAuditReasoning installs the built-in reasoning-safety check run as
// the final forward step, before SagaCompleted.
func WithAuditReasoning(fn AuditReasoningFunc, abortOnUnsafe bool) Option {
	return func(o *Orchestrator) {
		o.auditReasoning = fn
		o.AbortOnUnsafeReasoning = abortOnUnsafe
	}
}

// New builds an Orchestrator over an ordered list of steps and a durable
// StateStore.
func New(steps []Step, store StateStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{steps: steps, store: store}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start begins a fresh saga run with sagaID, executing forward from the
// first step.
func (o *Orchestrator) Start(ctx context.Context, sagaID string) (contracts.SagaState, error) {
	state := contracts.SagaState{
		SagaID:  sagaID,
		Status:  contracts.SagaPending,
		Context: contracts.NewSagaContext(sagaID),
		Version: stateVersion,
	}
	return o.runForward(ctx, state)
}

// Resume reloads a saga's persisted state and continues it from wherever
// it stopped: forward from the next incomplete step if it was executing,
// or the compensation sweep if it was mid-compensation.
func (o *Orchestrator) Resume(ctx context.Context, sagaID string) (contracts.SagaState, error) {
	state, err := o.store.Load(ctx, sagaID)
	if err != nil {
		return contracts.SagaState{}, err
	}

	switch state.Status {
	case contracts.SagaCompleted, contracts.SagaCompensated,
		contracts.SagaPartiallyCompensated, contracts.SagaFailed:
		return state, nil
	case contracts.SagaCompensating:
		return o.runCompensation(ctx, state)
	default:
		return o.runForward(ctx, state)
	}
}

func completedSet(state contracts.SagaState) map[string]bool {
	set := make(map[string]bool, len(state.CompletedSteps))
	for _, s := range state.CompletedSteps {
		set[s] = true
	}
	return set
}

func (o *Orchestrator) runForward(ctx context.Context, state contracts.SagaState) (contracts.SagaState, error) {
	state.Status = contracts.SagaExecuting
	if err := o.persist(ctx, state); err != nil {
		return state, err
	}
	o.auditEvent(state.SagaID, "saga.started", nil, "executing")

	done := completedSet(state)
	prevFailed := false

	for _, step := range o.steps {
		if done[step.Name] {
			prevFailed = false
			continue
		}

		if step.RequiresPrevious && prevFailed {
			state.Status = contracts.SagaFailed
			state.Context.AppendError(fmt.Sprintf("%s: skipped, requires_previous and prior step failed", step.Name))
			if perr := o.persist(ctx, state); perr != nil {
				return state, perr
			}
			o.auditEvent(state.SagaID, "saga.requires_previous_failed", map[string]any{"step": step.Name}, "failed")
			return state, nil
		}

		result, err := o.runStepWithRetry(ctx, step, &state.Context)
		if err != nil {
			if step.Optional {
				prevFailed = true
				state.Context.AppendError(fmt.Sprintf("%s: %v (optional, skipped)", step.Name, err))
				// Recorded as completed so resume doesn't re-run it, and
				// marked skipped so the compensation sweep leaves it alone.
				state.Context.MarkStepSkipped(step.Name)
				state.CompletedSteps = append(state.CompletedSteps, step.Name)
				if perr := o.persist(ctx, state); perr != nil {
					return state, perr
				}
				continue
			}

			failedStep := step.Name
			state.FailedStep = &failedStep
			state.Context.AppendError(fmt.Sprintf("%s: %v", step.Name, err))
			state.Status = contracts.SagaCompensating
			if perr := o.persist(ctx, state); perr != nil {
				return state, perr
			}
			o.auditEvent(state.SagaID, "saga.step_failed", map[string]any{"step": step.Name, "error": err.Error()}, "compensating")
			return o.runCompensation(ctx, state)
		}

		prevFailed = false
		state.Context.SetStepResult(step.Name, result)
		state.CompletedSteps = append(state.CompletedSteps, step.Name)
		if perr := o.persist(ctx, state); perr != nil {
			return state, perr
		}
	}

	if o.auditReasoning != nil {
		safe, reason, err := o.auditReasoning(ctx, &state.Context)
		if err != nil {
			state.Context.AppendError("audit_reasoning: " + err.Error())
		} else if !safe {
			state.Context.AppendError("audit_reasoning: unsafe: " + reason)
			o.auditEvent(state.SagaID, "saga.unsafe_reasoning", map[string]any{"reason": reason}, "flagged")
			if o.AbortOnUnsafeReasoning {
				failedStep := "audit_reasoning"
				state.FailedStep = &failedStep
				state.Status = contracts.SagaCompensating
				if perr := o.persist(ctx, state); perr != nil {
					return state, perr
				}
				return o.runCompensation(ctx, state)
			}
		}
	}

	state.Status = contracts.SagaCompleted
	if err := o.persist(ctx, state); err != nil {
		return state, err
	}
	o.auditEvent(state.SagaID, "saga.completed", nil, "completed")
	return state, nil
}

func (o *Orchestrator) runStepWithRetry(ctx context.Context, step Step, sc *contracts.SagaContext) (any, error) {
	maxAttempts := step.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		stepCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}

		result, err := step.Run(stepCtx, sc)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt < maxAttempts-1 && step.RetryDelay > 0 {
			timer := time.NewTimer(step.RetryDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
	}
	return nil, governerr.Wrap(governerr.KindInternalError, fmt.Sprintf("saga: step %q failed after %d attempts", step.Name, maxAttempts), lastErr)
}

// runCompensation walks completed steps in reverse, invoking each one's
// Compensate.
func (o *Orchestrator) runCompensation(ctx context.Context, state contracts.SagaState) (contracts.SagaState, error) {
	compensated := make(map[string]bool)
	for _, s := range state.CompensatedSteps {
		compensated[s] = true
	}
	byName := make(map[string]Step, len(o.steps))
	for _, s := range o.steps {
		byName[s.Name] = s
	}

	anyFailed := false
	for i := len(state.CompletedSteps) - 1; i >= 0; i-- {
		name := state.CompletedSteps[i]
		if compensated[name] {
			continue
		}
		step, ok := byName[name]
		if !ok || step.Compensate == nil || state.Context.StepSkipped(name) {
			state.CompensatedSteps = append(state.CompensatedSteps, name)
			continue
		}

		if err := step.Compensate(ctx, &state.Context); err != nil {
			anyFailed = true
			state.FailedCompensations = append(state.FailedCompensations, name)
			state.Context.AppendError(fmt.Sprintf("compensate %s: %v", name, err))
			o.auditEvent(state.SagaID, "saga.compensation_failed", map[string]any{"step": name, "error": err.Error()}, "failed")
			continue
		}
		state.CompensatedSteps = append(state.CompensatedSteps, name)
		if perr := o.persist(ctx, state); perr != nil {
			return state, perr
		}
	}

	if anyFailed {
		state.Status = contracts.SagaPartiallyCompensated
	} else {
		state.Status = contracts.SagaCompensated
	}
	if err := o.persist(ctx, state); err != nil {
		return state, err
	}
	o.auditEvent(state.SagaID, "saga.compensation_finished", map[string]any{"status": string(state.Status)}, string(state.Status))
	return state, nil
}

func (o *Orchestrator) persist(ctx context.Context, state contracts.SagaState) error {
	return o.store.Save(ctx, state)
}

func (o *Orchestrator) auditEvent(sagaID, eventType string, details map[string]any, outcome string) {
	if o.ledger == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["saga_id"] = sagaID
	_, _ = o.ledger.Append(sagaID, eventType, details, outcome)
}
