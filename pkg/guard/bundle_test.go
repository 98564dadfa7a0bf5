package guard_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/acgs-2/governance-core/pkg/contracts"
	"github.com/acgs-2/governance-core/pkg/guard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bundleYAML = `
rules:
  - id: deny-high-impact
    expression: "impact_score >= 0.9"
    decision: deny
  - id: require-review-medium
    expression: "impact_score >= 0.5 && impact_score < 0.9"
    decision: require_review
    required_reviewers: ["reviewer-1"]
  - id: allow-low-impact
    expression: "impact_score < 0.5"
    decision: allow
    warning: "below impact threshold, allowed without review"
`

func TestParseRuleBundle_ParsesRulesInOrder(t *testing.T) {
	rules, err := guard.ParseRuleBundle([]byte(bundleYAML))
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "deny-high-impact", rules[0].ID)
	assert.Equal(t, contracts.GuardDeny, rules[0].Decision)
	assert.Equal(t, []string{"reviewer-1"}, rules[1].RequiredReviewers)
	assert.Equal(t, contracts.GuardAllow, rules[2].Decision)
}

func TestParseRuleBundle_RejectsUnknownDecision(t *testing.T) {
	_, err := guard.ParseRuleBundle([]byte("rules:\n  - id: bad\n    expression: \"true\"\n    decision: maybe\n"))
	assert.Error(t, err)
}

func TestLoadRuleBundleFile_BuildsAWorkingGuard(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(bundleYAML), 0o600))

	rules, err := guard.LoadRuleBundleFile(path)
	require.NoError(t, err)

	g, err := guard.New(rules)
	require.NoError(t, err)

	result, err := g.Verify(context.Background(), contracts.Action{
		Type: "transfer", ImpactScore: 0.95, ConstitutionalHash: constHash,
	}, contracts.ActionContext{FromAgent: "a1"})
	require.NoError(t, err)
	assert.Equal(t, contracts.GuardDeny, result.Decision)
}
