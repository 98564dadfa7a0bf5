// Package psv implements the Verified Policy Generator: a
// bounded Propose-Solve-Verify loop that turns a natural-language policy
// specification into Rego and Dafny source, checks it with an in-process
// decision procedure, and verifies it against an external Dafny-style
// prover before marking it proven.
//
// The propose stage is template-driven; the Dafny verify stage runs as
// a bounded subprocess worker.
package psv

import (
	"fmt"
	"strings"

	"github.com/acgs-2/governance-core/pkg/contracts"
)

// templateFor picks a Rego skeleton by domain, falling back to a
// generic template that the criticality tiers still parameterize.
func templateFor(domain string) string {
	switch strings.ToLower(domain) {
	case "finance", "payments":
		return "finance"
	case "access_control", "authz", "permissions":
		return "access_control"
	case "data_retention", "privacy":
		return "data_retention"
	default:
		return "generic"
	}
}

// generateRego produces a Rego-like policy body from spec. It is not a
// real OPA-loadable module, but follows Rego's package/default/rule
// shape closely enough that a human reviewer recognizes the idiom. Every
// allow rule asserts the constitutional hash as its first condition.
func generateRego(spec contracts.PolicySpecification, iteration int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "package policy.%s\n\n", sanitizeIdent(spec.SpecID))
	fmt.Fprintf(&b, "# generated from specification %q (iteration %d)\n", spec.SpecID, iteration)
	fmt.Fprintf(&b, "# domain=%s criticality=%s\n", spec.Domain, spec.Criticality)
	fmt.Fprintf(&b, "constitutional_hash := %q\n\n", contracts.ConstitutionalHash)
	b.WriteString("default allow = false\n\n")

	hashGuard := "\tinput.action.constitutional_hash == constitutional_hash\n"
	// Each re-proposal after an inconsistent check tightens the rule by
	// adding the escalation-threshold guard the violation exploited.
	thresholdGuard := ""
	if iteration > 1 {
		thresholdGuard = "\tinput.action.impact_score < input.context.escalation_threshold\n"
	}
	switch templateFor(spec.Domain) {
	case "finance":
		b.WriteString("allow {\n" + hashGuard + "\tinput.action.type == \"transfer\"\n\tinput.action.amount <= input.context.max_transfer_amount\n\tinput.action.impact_score < input.context.escalation_threshold\n}\n")
	case "access_control":
		b.WriteString("allow {\n" + hashGuard + thresholdGuard + "\tinput.action.requested_tool in input.context.permitted_tools\n}\n")
	case "data_retention":
		b.WriteString("allow {\n" + hashGuard + thresholdGuard + "\tinput.action.record_age_days <= input.context.retention_limit_days\n}\n")
	default:
		b.WriteString("allow {\n" + hashGuard + "\tinput.action.impact_score < input.context.escalation_threshold\n}\n")
	}

	if spec.Criticality == contracts.CriticalityCritical || spec.Criticality == contracts.CriticalityHigh {
		b.WriteString("\nrequire_signoff {\n\tnot allow\n\tinput.action.impact_score >= input.context.escalation_threshold\n}\n")
	}

	return b.String()
}

// dafnyTemplateFor picks the Dafny skeleton by keyword heuristics on the
// specification text: recursive for anything self-referential or
// hierarchical, resource for anything quota/retention/lifecycle shaped,
// generic otherwise.
func dafnyTemplateFor(naturalLanguage string) string {
	lower := strings.ToLower(naturalLanguage)
	switch {
	case strings.Contains(lower, "recursive"), strings.Contains(lower, "recursion"),
		strings.Contains(lower, "nested"), strings.Contains(lower, "hierarch"),
		strings.Contains(lower, "delegat"):
		return "recursive"
	case strings.Contains(lower, "resource"), strings.Contains(lower, "retention"),
		strings.Contains(lower, "quota"), strings.Contains(lower, "storage"),
		strings.Contains(lower, "file"), strings.Contains(lower, "memory"):
		return "resource"
	default:
		return "generic"
	}
}

// generateDafny produces a Dafny method skeleton with postconditions
// mirroring the Rego rule's intent, for the external verifier stage. The
// constitutional hash is embedded as a module constant and asserted as a
// precondition on the decision method.
func generateDafny(spec contracts.PolicySpecification, iteration int) string {
	ident := sanitizeIdent(spec.SpecID)
	var b strings.Builder
	fmt.Fprintf(&b, "// generated from specification %q (iteration %d)\n", spec.SpecID, iteration)
	fmt.Fprintf(&b, "module Policy%s {\n", ident)
	fmt.Fprintf(&b, "  const ConstitutionalHash: string := %q\n\n", contracts.ConstitutionalHash)

	switch dafnyTemplateFor(spec.NaturalLanguage) {
	case "recursive":
		b.WriteString("  function DepthAllowed(depth: nat, maxDepth: nat): bool\n")
		b.WriteString("    decreases depth\n")
		b.WriteString("  {\n")
		b.WriteString("    if depth == 0 then true\n")
		b.WriteString("    else depth <= maxDepth && DepthAllowed(depth - 1, maxDepth)\n")
		b.WriteString("  }\n\n")
		fmt.Fprintf(&b, "  method Decide%s(hash: string, depth: nat, maxDepth: nat) returns (allow: bool)\n", ident)
		b.WriteString("    requires hash == ConstitutionalHash\n")
		b.WriteString("    ensures allow ==> DepthAllowed(depth, maxDepth)\n")
		b.WriteString("  {\n")
		b.WriteString("    allow := DepthAllowed(depth, maxDepth);\n")
		b.WriteString("  }\n")
	case "resource":
		fmt.Fprintf(&b, "  method Decide%s(hash: string, used: nat, limit: nat) returns (allow: bool)\n", ident)
		b.WriteString("    requires hash == ConstitutionalHash\n")
		b.WriteString("    ensures allow ==> used <= limit\n")
		b.WriteString("  {\n")
		b.WriteString("    allow := used <= limit;\n")
		b.WriteString("  }\n")
	default:
		fmt.Fprintf(&b, "  method Decide%s(hash: string, impactScore: real, threshold: real) returns (allow: bool)\n", ident)
		b.WriteString("    requires hash == ConstitutionalHash\n")
		b.WriteString("    ensures allow ==> impactScore < threshold\n")
		b.WriteString("  {\n")
		b.WriteString("    allow := impactScore < threshold;\n")
		b.WriteString("  }\n")
	}

	b.WriteString("}\n")
	return b.String()
}

// axiom keyword table: each entry contributes a policy-specific axiom to
// the SMT encoding when its keyword appears in the specification text.
var axiomKeywords = []struct {
	keyword string
	axiom   string
}{
	{"admin", "(assert (forall ((u User) (a Action)) (=> (is_admin u) (is_authorized u a))))"},
	{"owner", "(assert (forall ((u User) (r Resource)) (=> (is_owner u r) (exists ((a Action)) (is_authorized u a)))))"},
	{"read", "(assert (exists ((u User) (a Action)) (and (not (is_admin u)) (is_authorized u a))))"},
	{"write", "(assert (forall ((u User) (a Action)) (=> (and (is_critical a) (not (is_admin u))) (not (is_authorized u a)))))"},
	{"mfa", "(assert (forall ((u User) (a Action)) (=> (and (requires_mfa a) (not (mfa_verified u))) (not (is_authorized u a)))))"},
	{"critical", "(assert (forall ((a Action)) (=> (is_critical a) (requires_mfa a))))"},
}

// generateSMT produces the SMT-LIB2 encoding for a proposed policy:
// the fixed sort/predicate vocabulary plus axioms derived from keywords
// in the specification text, and the threshold-safety invariant the
// in-process decision procedure checks.
func generateSMT(spec contracts.PolicySpecification) SMTProblem {
	lower := strings.ToLower(spec.NaturalLanguage)
	var axioms []string
	for _, entry := range axiomKeywords {
		if strings.Contains(lower, entry.keyword) {
			axioms = append(axioms, entry.axiom)
		}
	}
	return SMTProblem{
		Sorts: []string{"User", "Action", "Resource"},
		Predicates: []string{
			"(declare-fun is_authorized (User Action) Bool)",
			"(declare-fun is_admin (User) Bool)",
			"(declare-fun is_owner (User Resource) Bool)",
			"(declare-fun is_critical (Action) Bool)",
			"(declare-fun requires_mfa (Action) Bool)",
			"(declare-fun mfa_verified (User) Bool)",
		},
		Declarations: []string{"impact_score", "threshold"},
		Axioms:       axioms,
		Invariant:    InvariantNoAllowAboveThreshold,
	}
}
