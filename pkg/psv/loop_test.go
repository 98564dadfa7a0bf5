package psv_test

import (
	"context"
	"testing"

	"github.com/acgs-2/governance-core/pkg/contracts"
	"github.com/acgs-2/governance-core/pkg/psv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const constHash = "cdd01ef066bc6cf2"

func TestRun_GenericSpecVerifiesOnFirstIteration(t *testing.T) {
	g := psv.New(psv.StubDafnyVerifier{})
	policy, err := g.Run(context.Background(), contracts.PolicySpecification{
		SpecID:             "spec-1",
		NaturalLanguage:    "deny any action above the escalation threshold",
		Domain:             "generic",
		Criticality:        contracts.CriticalityMedium,
		Context:            map[string]any{},
		ConstitutionalHash: constHash,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerificationProven, policy.VerificationStatus)
	assert.Equal(t, 1.0, policy.Confidence)
	assert.NotEmpty(t, policy.PolicyID)
	assert.NotNil(t, policy.VerifiedAt)
}

func TestRun_AdminReadWriteSpecProves(t *testing.T) {
	g := psv.New(psv.StubDafnyVerifier{})
	policy, err := g.Run(context.Background(), contracts.PolicySpecification{
		SpecID:             "spec-rw",
		NaturalLanguage:    "Admins can read and write, but users can only read.",
		Domain:             "access_control",
		Criticality:        contracts.CriticalityMedium,
		ConstitutionalHash: constHash,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerificationProven, policy.VerificationStatus)
	assert.Equal(t, 1.0, policy.Confidence)
	assert.Contains(t, policy.SMTSource, "(declare-sort User 0)")
	assert.Contains(t, policy.SMTSource, "is_admin")
	assert.Contains(t, policy.RegoSource, constHash)
	assert.Contains(t, policy.DafnySource, constHash)
}

func TestRun_DafnyUnavailableYieldsVerifiedNotProven(t *testing.T) {
	v := psv.NewSubprocessDafnyVerifier("governd-no-such-verifier-binary", nil, 1)
	g := psv.New(v)
	policy, err := g.Run(context.Background(), contracts.PolicySpecification{
		SpecID:             "spec-unavail",
		NaturalLanguage:    "deny any action above the escalation threshold",
		Domain:             "generic",
		Criticality:        contracts.CriticalityMedium,
		ConstitutionalHash: constHash,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerificationVerified, policy.VerificationStatus)
	assert.Equal(t, 0.8, policy.Confidence)
}

func TestRun_AccessControlHighCriticalityReproposesAfterInconsistency(t *testing.T) {
	g := psv.New(psv.StubDafnyVerifier{})
	policy, err := g.Run(context.Background(), contracts.PolicySpecification{
		SpecID:             "spec-2",
		NaturalLanguage:    "only permitted tools may be invoked",
		Domain:             "access_control",
		Criticality:        contracts.CriticalityHigh,
		ConstitutionalHash: constHash,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerificationProven, policy.VerificationStatus)
}

func TestRun_DafnyFailureIsRetriedThenExhausted(t *testing.T) {
	g := psv.New(psv.StubDafnyVerifier{AlwaysFail: true}, psv.WithMaxIterations(2))
	_, err := g.Run(context.Background(), contracts.PolicySpecification{
		SpecID:             "spec-3",
		Domain:             "generic",
		Criticality:        contracts.CriticalityLow,
		ConstitutionalHash: constHash,
	})
	assert.Error(t, err)
}

func TestRun_RejectsMismatchedConstitutionalHash(t *testing.T) {
	g := psv.New(psv.StubDafnyVerifier{})
	_, err := g.Run(context.Background(), contracts.PolicySpecification{
		SpecID:             "spec-4",
		ConstitutionalHash: "wrong",
	})
	assert.Error(t, err)
}

func TestRun_IndependentRunsGetDistinctPolicyIDs(t *testing.T) {
	spec := contracts.PolicySpecification{
		SpecID:             "spec-5",
		Domain:             "generic",
		Criticality:        contracts.CriticalityLow,
		ConstitutionalHash: constHash,
	}
	g1 := psv.New(psv.StubDafnyVerifier{})
	g2 := psv.New(psv.StubDafnyVerifier{})

	p1, err := g1.Run(context.Background(), spec)
	require.NoError(t, err)
	p2, err := g2.Run(context.Background(), spec)
	require.NoError(t, err)

	assert.NotEqual(t, p1.PolicyID, p2.PolicyID, "CreatedAt/VerifiedAt timestamps differ between independent runs")
}
