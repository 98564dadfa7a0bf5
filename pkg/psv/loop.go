package psv

import (
	"context"
	"time"

	"github.com/acgs-2/governance-core/pkg/audit"
	"github.com/acgs-2/governance-core/pkg/canonical"
	"github.com/acgs-2/governance-core/pkg/contracts"
	"github.com/acgs-2/governance-core/pkg/governerr"
)

// DefaultMaxIterations bounds the Propose-Solve-Verify loop; see
// pkg/config.Config.PSVMaxIterations.
const DefaultMaxIterations = 5

// Generator runs the bounded Propose-Solve-Verify loop.
type Generator struct {
	maxIterations int
	dafny         DafnyVerifier
	ledger        *audit.Ledger
	clock         func() time.Time
}

// Option configures a Generator at construction time.
type Option func(*Generator)

// WithMaxIterations overrides DefaultMaxIterations.
func WithMaxIterations(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxIterations = n
		}
	}
}

// WithAuditLedger attaches the ledger every PSV run is appended to.
func WithAuditLedger(l *audit.Ledger) Option {
	return func(g *Generator) { g.ledger = l }
}

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Generator) { g.clock = clock }
}

// New builds a Generator. dafny is the external verify-stage backend —
// pass a StubDafnyVerifier where no real toolchain is installed.
func New(dafny DafnyVerifier, opts ...Option) *Generator {
	g := &Generator{maxIterations: DefaultMaxIterations, dafny: dafny, clock: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run executes the bounded Propose-Solve-Verify loop over spec:
// propose a Rego/Dafny/SMT triple, solve it against the in-process
// decision procedure, and on sat hand it to the external Dafny
// verifier. An unsat (inconsistent) proposal triggers a stricter
// re-proposal; running out of iterations yields VerificationFailed
// rather than looping forever.
func (g *Generator) Run(ctx context.Context, spec contracts.PolicySpecification) (contracts.VerifiedPolicy, error) {
	if err := contracts.CheckConstitutionalHash(spec.ConstitutionalHash); err != nil {
		return contracts.VerifiedPolicy{}, err
	}

	requireGuard := spec.Criticality == contracts.CriticalityHigh || spec.Criticality == contracts.CriticalityCritical
	policy := contracts.VerifiedPolicy{
		Specification:      spec,
		VerificationStatus: contracts.VerificationUnverified,
		CreatedAt:          g.clock(),
	}

	var lastSMT contracts.SMTResult
	for iteration := 1; iteration <= g.maxIterations; iteration++ {
		rego := generateRego(spec, iteration)
		dafnySrc := generateDafny(spec, iteration)
		smtProblem := generateSMT(spec)

		policy.RegoSource = rego
		policy.DafnySource = dafnySrc
		policy.SMTSource = smtLibText(smtProblem)
		policy.VerificationStatus = contracts.VerificationVerifying

		smtResult := Solve(smtProblem, rego, requireGuard || iteration > 1)
		lastSMT = smtResult

		if smtResult.Status != contracts.SMTSat {
			// Inconsistent proposal: tighten by adding the threshold
			// guard on the next iteration (generateRego adds it once
			// `iteration > 1`) and re-propose.
			g.auditEvent(spec.SpecID, "psv.smt_inconsistent", map[string]any{
				"iteration": iteration,
				"reason":    smtResult.Reason,
			}, "rejected")
			continue
		}

		dafnyResult, err := g.dafny.Verify(ctx, dafnySrc)
		if err != nil {
			return contracts.VerifiedPolicy{}, governerr.Wrap(governerr.KindVerifierError, "psv: dafny verify", err)
		}

		policy.VerificationResult = contracts.VerificationResult{Z3: smtResult, Dafny: dafnyResult}

		switch dafnyResult.Status {
		case "verified":
			policy.VerificationStatus = contracts.VerificationProven
			policy.Confidence = confidenceProven
		case "unavailable":
			// SMT passed but no formal toolchain is installed: the policy
			// is verified, not proven.
			policy.VerificationStatus = contracts.VerificationVerified
			policy.Confidence = confidenceVerified
		default:
			g.auditEvent(spec.SpecID, "psv.dafny_failed", map[string]any{
				"iteration": iteration,
				"error":     dafnyResult.Error,
			}, "rejected")
			continue
		}

		now := g.clock()
		policy.VerifiedAt = &now

		id, err := canonical.Hash(policy)
		if err != nil {
			return contracts.VerifiedPolicy{}, err
		}
		policy.PolicyID = id

		g.auditEvent(spec.SpecID, "psv.verified", map[string]any{
			"policy_id":  policy.PolicyID,
			"iterations": iteration,
			"status":     string(policy.VerificationStatus),
		}, string(policy.VerificationStatus))

		return policy, nil
	}

	policy.VerificationStatus = contracts.VerificationFailed
	policy.Confidence = confidenceFailed
	policy.VerificationResult = contracts.VerificationResult{Z3: lastSMT}
	g.auditEvent(spec.SpecID, "psv.exhausted", map[string]any{
		"max_iterations": g.maxIterations,
	}, "failed")

	return policy, governerr.New(governerr.KindVerifierError, "psv: exhausted max_iterations without reaching a verified policy")
}

func smtLibText(p SMTProblem) string {
	out := "; constitutional_hash: " + contracts.ConstitutionalHash + "\n"
	out += "; invariant: " + string(p.Invariant) + "\n"
	for _, s := range p.Sorts {
		out += "(declare-sort " + s + " 0)\n"
	}
	for _, pred := range p.Predicates {
		out += pred + "\n"
	}
	for _, d := range p.Declarations {
		out += "(declare-const " + d + " Real)\n"
	}
	out += "(declare-const constitutional_hash String)\n"
	out += "(assert (= constitutional_hash \"" + contracts.ConstitutionalHash + "\"))\n"
	for _, a := range p.Axioms {
		out += a + "\n"
	}
	out += "(assert (not (and allow (>= impact_score threshold))))\n(check-sat)\n"
	return out
}

// Fixed confidence tiers by verification depth.
const (
	confidenceProven   = 1.0
	confidenceVerified = 0.8
	confidenceFailed   = 0.5
)

func (g *Generator) auditEvent(specID, eventType string, details map[string]any, outcome string) {
	if g.ledger == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["spec_id"] = specID
	_, _ = g.ledger.Append("psv", eventType, details, outcome)
}
