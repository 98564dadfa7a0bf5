package psv

import (
	"strconv"
	"strings"

	"github.com/acgs-2/governance-core/pkg/contracts"
)

// Invariant names the property the in-process decision procedure checks.
// There is no SMT/Z3 binding anywhere in this module's dependency
// graph — see DESIGN.md for why this stays a bounded, dependency-free
// decision procedure rather than a wrapped external solver.
type Invariant string

const InvariantNoAllowAboveThreshold Invariant = "no_allow_at_or_above_threshold"

// SMTProblem is the abstract constraint set generateSMT produces for a
// proposed policy: the fixed sort/predicate vocabulary, keyword-derived
// axioms, and the named invariant the decision procedure enumerates.
type SMTProblem struct {
	Sorts        []string
	Predicates   []string
	Declarations []string
	Axioms       []string
	Invariant    Invariant
}

// domainSteps is the bounded grid the decision procedure enumerates over
// for each real-valued variable — a finite-domain abstraction standing in
// for a real SMT theory solver, sufficient to catch the threshold
// violations this PSV loop's templates can introduce.
var domainSteps = []float64{0.0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0}

// allowPredicate re-derives, from the Rego template actually generated,
// whether a given (impactScore, threshold) pair would be allowed. This
// keeps the decision procedure honest against what was actually proposed
// rather than an idealized model of it.
func allowPredicate(rego string, impactScore, threshold float64) bool {
	switch {
	case strings.Contains(rego, "input.action.impact_score < input.context.escalation_threshold"):
		return impactScore < threshold
	case strings.Contains(rego, "input.action.requested_tool in input.context.permitted_tools"):
		// access_control template has no impact_score guard at all: it
		// would allow regardless of impactScore/threshold, which is
		// exactly the inconsistency the solver must catch for
		// high/critical criticality specs.
		return true
	case strings.Contains(rego, "input.action.record_age_days <= input.context.retention_limit_days"):
		return true
	default:
		return impactScore < threshold
	}
}

// Solve runs the bounded decision procedure over problem against the
// generated rego body. The policy's axioms are satisfiable iff the allow
// rule admits at least one action while never firing at or above the
// escalation threshold anywhere in the bounded domain: sat carries a
// witness model and means the proposal is consistent; unsat carries the
// violating assignment (or vacuity) as its reason and sends the loop
// back to re-propose.
func Solve(problem SMTProblem, rego string, requireThresholdGuard bool) contracts.SMTResult {
	if !requireThresholdGuard {
		return contracts.SMTResult{Status: contracts.SMTSat, Reason: "no threshold guard required for this criticality tier"}
	}

	var witness string
	for _, threshold := range domainSteps {
		for _, impact := range domainSteps {
			if !allowPredicate(rego, impact, threshold) {
				continue
			}
			if impact >= threshold {
				return contracts.SMTResult{
					Status: contracts.SMTUnsat,
					Reason: "policy axioms are inconsistent: an action is allowed at or above its own escalation threshold at " + modelString(impact, threshold),
				}
			}
			if witness == "" {
				witness = modelString(impact, threshold)
			}
		}
	}
	if witness == "" {
		return contracts.SMTResult{Status: contracts.SMTUnsat, Reason: "policy axioms are inconsistent: no action is ever allowed"}
	}
	return contracts.SMTResult{
		Status: contracts.SMTSat,
		Model:  witness,
		Reason: "policy axioms consistent within the bounded domain",
	}
}

func modelString(impact, threshold float64) string {
	return "impact_score=" + strconv.FormatFloat(impact, 'f', 1, 64) +
		" threshold=" + strconv.FormatFloat(threshold, 'f', 1, 64)
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" {
		return "spec"
	}
	return out
}
