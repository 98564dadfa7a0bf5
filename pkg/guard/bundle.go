package guard

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/acgs-2/governance-core/pkg/contracts"
)

// ruleDoc is the on-disk YAML shape a policy bundle file is parsed
// into; bundles are loaded at startup rather than compiled into the
// binary.
type ruleDoc struct {
	Rules []struct {
		ID                string   `yaml:"id"`
		Expression        string   `yaml:"expression"`
		Decision          string   `yaml:"decision"`
		RequiredSigners   []string `yaml:"required_signers,omitempty"`
		RequiredReviewers []string `yaml:"required_reviewers,omitempty"`
		Warning           string   `yaml:"warning,omitempty"`
	} `yaml:"rules"`
}

// LoadRuleBundleFile reads a YAML-encoded policy bundle from path and
// returns its rules in declaration order, ready for New. A guard's rule
// bundle is authored and reviewed as a standalone document rather than
// hardcoded into the verifying service.
func LoadRuleBundleFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("guard: read rule bundle %s: %w", path, err)
	}
	return ParseRuleBundle(data)
}

// ParseRuleBundle parses a YAML policy bundle document into rules.
func ParseRuleBundle(data []byte) ([]Rule, error) {
	var doc ruleDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("guard: parse rule bundle: %w", err)
	}

	rules := make([]Rule, 0, len(doc.Rules))
	for _, rd := range doc.Rules {
		decision, err := parseGuardDecision(rd.Decision)
		if err != nil {
			return nil, fmt.Errorf("guard: rule %q: %w", rd.ID, err)
		}
		rules = append(rules, Rule{
			ID:                rd.ID,
			Expression:        rd.Expression,
			Decision:          decision,
			RequiredSigners:   rd.RequiredSigners,
			RequiredReviewers: rd.RequiredReviewers,
			Warning:           rd.Warning,
		})
	}
	return rules, nil
}

func parseGuardDecision(s string) (contracts.GuardDecision, error) {
	switch contracts.GuardDecision(s) {
	case contracts.GuardAllow, contracts.GuardDeny, contracts.GuardRequireSignatures, contracts.GuardRequireReview:
		return contracts.GuardDecision(s), nil
	default:
		return "", fmt.Errorf("unknown guard decision %q", s)
	}
}
