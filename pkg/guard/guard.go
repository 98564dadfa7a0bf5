// Package guard implements the Policy Guard: a
// VERIFY-BEFORE-ACT gate that evaluates an Action against a bundle of
// CEL-expressed policy rules before it is allowed to proceed, optionally
// requiring signatures or routing to human review via the deliberation
// queue.
//
// Rules compile once at construction and evaluate many times; cel-go
// supplies the declarative rule expressions.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/acgs-2/governance-core/pkg/audit"
	"github.com/acgs-2/governance-core/pkg/contracts"
	"github.com/acgs-2/governance-core/pkg/deliberation"
	"github.com/acgs-2/governance-core/pkg/governerr"
)

// Rule is one CEL-expressed policy in a guard's bundle. Expression must
// evaluate to a bool; true means the rule matches (fires) the action.
type Rule struct {
	ID                string
	Expression        string
	Decision          contracts.GuardDecision
	RequiredSigners   []string
	RequiredReviewers []string
	Warning           string // non-fatal note attached when this rule fires but doesn't deny

	program cel.Program
}

// CriticFunc is a registered critic agent's review function.
type CriticFunc func(ctx context.Context, action contracts.Action, actionCtx contracts.ActionContext) (contracts.CriticVerdict, string, error)

// Guard evaluates actions against a compiled policy bundle.
type Guard struct {
	mu      sync.RWMutex
	rules   []Rule
	critics map[string]CriticFunc
	ledger  *audit.Ledger
	queue   *deliberation.Queue
	env     *cel.Env
}

// Option configures a Guard at construction time.
type Option func(*Guard)

// WithAuditLedger attaches the ledger every verification is appended to.
func WithAuditLedger(l *audit.Ledger) Option {
	return func(g *Guard) { g.ledger = l }
}

// WithDeliberationQueue wires the queue SubmitForReview enqueues onto.
func WithDeliberationQueue(q *deliberation.Queue) Option {
	return func(g *Guard) { g.queue = q }
}

// New compiles rules into a Guard. A rule that fails to compile is a
// construction-time error — a guard must never run with an un-evaluable
// policy silently skipped.
func New(rules []Rule, opts ...Option) (*Guard, error) {
	env, err := cel.NewEnv(
		cel.Variable("type", cel.StringType),
		cel.Variable("impact_score", cel.DoubleType),
		cel.Variable("constitutional_hash", cel.StringType),
		cel.Variable("content", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("from_agent", cel.StringType),
		cel.Variable("to_agent", cel.StringType),
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("priority", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("guard: build cel env: %w", err)
	}

	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("guard: compile rule %q: %w", r.ID, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("guard: program rule %q: %w", r.ID, err)
		}
		r.program = prg
		compiled[i] = r
	}

	g := &Guard{rules: compiled, critics: make(map[string]CriticFunc), env: env}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// RegisterCritic adds a named critic agent consulted by ConsultCritics.
func (g *Guard) RegisterCritic(name string, fn CriticFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.critics[name] = fn
}

// UnregisterCritic removes a previously registered critic.
func (g *Guard) UnregisterCritic(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.critics, name)
}

// Verify evaluates action against the compiled rule bundle in order,
// returning the first matching rule's decision. No action proceeds
// without an explicit allow; no matching rule defaults to deny, so an
// unrecognized action is never silently allowed.
func (g *Guard) Verify(ctx context.Context, action contracts.Action, actionCtx contracts.ActionContext) (contracts.GuardResult, error) {
	if err := contracts.CheckConstitutionalHash(action.ConstitutionalHash); err != nil {
		return contracts.GuardResult{}, err
	}

	vars := map[string]any{
		"type":                action.Type,
		"impact_score":        action.ImpactScore,
		"constitutional_hash": action.ConstitutionalHash,
		"content":             action.Content,
		"from_agent":          actionCtx.FromAgent,
		"to_agent":            actionCtx.ToAgent,
		"tenant_id":           actionCtx.TenantID,
		"priority":            string(actionCtx.Priority),
	}

	g.mu.RLock()
	rules := g.rules
	g.mu.RUnlock()

	result := contracts.GuardResult{
		Decision:   contracts.GuardDeny,
		IsAllowed:  false,
		Confidence: 1.0,
	}

	matched := false
	for _, rule := range rules {
		out, _, err := rule.program.Eval(vars)
		if err != nil {
			return contracts.GuardResult{}, governerr.Wrap(governerr.KindVerifierError, "guard: evaluate rule "+rule.ID, err)
		}
		fired, ok := out.Value().(bool)
		if !ok || !fired {
			continue
		}

		matched = true
		result.PolicyID = rule.ID
		result.Decision = rule.Decision
		result.IsAllowed = rule.Decision == contracts.GuardAllow
		result.RequiredSigners = rule.RequiredSigners
		result.RequiredReviewers = rule.RequiredReviewers
		if rule.Warning != "" {
			result.ValidationWarnings = append(result.ValidationWarnings, rule.Warning)
		}
		break
	}

	if !matched {
		result.ValidationErrors = append(result.ValidationErrors, "no policy rule matched this action")
	}

	if g.ledger != nil {
		outcome := "denied"
		if result.IsAllowed {
			outcome = "allowed"
		}
		_, _ = g.ledger.Append(actionCtx.FromAgent, "guard.verified", map[string]any{
			"policy_id": result.PolicyID,
			"decision":  string(result.Decision),
			"action":    action.Type,
		}, outcome)
	}

	return result, nil
}

// CollectSignatures verifies all required signers have produced a valid
// signature over digest. verify is injected so this package
// stays independent of the specific signature scheme (pkg/manifest's
// Ed25519 verifier, typically).
func (g *Guard) CollectSignatures(digest []byte, signatures []contracts.Signature, requiredSigners []string, verify func(signerID string, sig contracts.Signature, digest []byte) bool) (bool, []string) {
	bySigner := make(map[string]contracts.Signature, len(signatures))
	for _, s := range signatures {
		bySigner[s.KeyID] = s
	}

	var missing []string
	for _, signer := range requiredSigners {
		sig, ok := bySigner[signer]
		if !ok || !verify(signer, sig, digest) {
			missing = append(missing, signer)
		}
	}
	return len(missing) == 0, missing
}

// SubmitForReview enqueues action for human/agent review through the
// deliberation queue when a rule requires it.
func (g *Guard) SubmitForReview(ctx context.Context, action contracts.Action, actionCtx contracts.ActionContext, requiredVotes int, consensusThreshold float64, timeout time.Duration) (string, error) {
	if g.queue == nil {
		return "", governerr.New(governerr.KindInternalError, "guard: no deliberation queue wired for review")
	}
	msg := contracts.Message{
		ID:                 fmt.Sprintf("guard-review-%s-%s", actionCtx.FromAgent, action.Type),
		FromAgent:          actionCtx.FromAgent,
		ToAgent:            actionCtx.ToAgent,
		Tenant:             actionCtx.TenantID,
		Content:            contracts.ContentMap(action.Content),
		MessageType:        contracts.MessageTypeGovernanceRequest,
		Priority:           actionCtx.Priority,
		ConstitutionalHash: action.ConstitutionalHash,
	}
	return g.queue.Enqueue(ctx, msg, requiredVotes, consensusThreshold, timeout)
}

// ConsultCritics runs every registered critic against action. The
// consensus verdict is the strict majority of received verdicts; with no
// majority (including any tie) the result escalates. No registered
// critics approves by default — there is nothing to consult.
func (g *Guard) ConsultCritics(ctx context.Context, action contracts.Action, actionCtx contracts.ActionContext) (contracts.CriticVerdict, []string, error) {
	g.mu.RLock()
	critics := make(map[string]CriticFunc, len(g.critics))
	for k, v := range g.critics {
		critics[k] = v
	}
	g.mu.RUnlock()

	if len(critics) == 0 {
		return contracts.CriticApprove, nil, nil
	}

	counts := make(map[contracts.CriticVerdict]int)
	var reasons []string
	for name, fn := range critics {
		v, reason, err := fn(ctx, action, actionCtx)
		if err != nil {
			return "", nil, governerr.Wrap(governerr.KindVerifierError, "guard: critic "+name, err)
		}
		reasons = append(reasons, fmt.Sprintf("%s: %s", name, reason))
		counts[v]++
	}

	total := 0
	for _, c := range counts {
		total += c
	}
	for verdict, c := range counts {
		if c*2 > total {
			return verdict, reasons, nil
		}
	}
	return contracts.CriticEscalate, reasons, nil
}

// StartSignatureCollection opens an event-driven signature round for
// decisionID through the deliberation queue: the round resolves as soon
// as threshold verified signatures arrive, or times out at the deadline.
func (g *Guard) StartSignatureCollection(ctx context.Context, decisionID string, signers []string, threshold int, timeout time.Duration) (string, error) {
	if g.queue == nil {
		return "", governerr.New(governerr.KindInternalError, "guard: no deliberation queue wired for signature collection")
	}
	msg := contracts.Message{
		ID:                 "guard-signatures-" + decisionID,
		MessageType:        contracts.MessageTypeGovernanceRequest,
		Priority:           contracts.PriorityHigh,
		Content:            contracts.ContentMap{"decision_id": decisionID, "signers": signers},
		ConstitutionalHash: contracts.ConstitutionalHash,
	}
	return g.queue.Enqueue(ctx, msg, threshold, 1.0, timeout)
}

// SubmitSignature verifies signerID's signature over digest and, when
// valid, counts it toward the open round. An invalid signature is
// rejected without touching the round's tally.
func (g *Guard) SubmitSignature(ctx context.Context, roundID, signerID string, sig contracts.Signature, digest []byte, verify func(signerID string, sig contracts.Signature, digest []byte) bool) error {
	if g.queue == nil {
		return governerr.New(governerr.KindInternalError, "guard: no deliberation queue wired for signature collection")
	}
	if !verify(signerID, sig, digest) {
		return governerr.New(governerr.KindValidationFailed, "guard: invalid signature from "+signerID)
	}
	return g.queue.SubmitVote(ctx, roundID, contracts.Vote{
		AgentID:    signerID,
		Decision:   contracts.VoteApprove,
		Reasoning:  "signature verified",
		Confidence: 1,
	})
}

// WaitSignatures blocks until the round resolves or ctx is cancelled.
// Valid iff the threshold was met before the deadline.
func (g *Guard) WaitSignatures(ctx context.Context, roundID string) (bool, error) {
	if g.queue == nil {
		return false, governerr.New(governerr.KindInternalError, "guard: no deliberation queue wired for signature collection")
	}
	snap, err := g.queue.Wait(ctx, roundID)
	if err != nil {
		return false, err
	}
	return snap.Status == contracts.DeliberationConsensusReached, nil
}
