package governance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acgs-2/governance-core/pkg/audit"
	"github.com/acgs-2/governance-core/pkg/contracts"
	"github.com/acgs-2/governance-core/pkg/deliberation"
	"github.com/acgs-2/governance-core/pkg/governance"
	"github.com/acgs-2/governance-core/pkg/governerr"
	"github.com/acgs-2/governance-core/pkg/router"
	"github.com/acgs-2/governance-core/pkg/scorer"
)

const constHash = "cdd01ef066bc6cf2"

func newEngine(ledger *audit.Ledger, opts ...governance.Option) *governance.Engine {
	s := scorer.New()
	r := router.New(0.8)
	q := deliberation.New(deliberation.WithAuditLedger(ledger))
	return governance.New(s, r, q, ledger, opts...)
}

func msg(id string, priority contracts.Priority, mt contracts.MessageType, content contracts.ContentMap) *contracts.Message {
	return &contracts.Message{
		ID:                 id,
		FromAgent:          "agent-a",
		ToAgent:            "agent-b",
		Content:            content,
		MessageType:        mt,
		Priority:           priority,
		ConstitutionalHash: constHash,
		Status:             contracts.MessageStatusPending,
	}
}

func TestProcess_LowImpactTakesFastPath(t *testing.T) {
	e := newEngine(audit.New())
	m := msg("m-1", contracts.PriorityLow, contracts.MessageTypeQuery,
		contracts.ContentMap{"text": "Hello, how are you today?"})

	out, err := e.Process(context.Background(), m, scorer.RequestContext{LocalHour: 14})
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, contracts.LaneFast, out.Lane)
	assert.Equal(t, contracts.MessageStatusDelivered, m.Status)
	assert.Less(t, out.ImpactScore, 0.5)
	assert.Empty(t, out.ItemID)
}

func TestProcess_CriticalPriorityBoostsIntoDeliberation(t *testing.T) {
	e := newEngine(audit.New())
	m := msg("m-2", contracts.PriorityCritical, contracts.MessageTypeQuery,
		contracts.ContentMap{"text": "normal message"})

	out, err := e.Process(context.Background(), m, scorer.RequestContext{LocalHour: 14})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, out.ImpactScore, 0.9)
	assert.Equal(t, contracts.LaneDeliberation, out.Lane)
	assert.NotEmpty(t, out.ItemID)
}

func TestProcess_SecurityAlertWithAdminToolDeliberates(t *testing.T) {
	e := newEngine(audit.New())
	m := msg("m-3", contracts.PriorityHigh, contracts.MessageTypeCommand, contracts.ContentMap{
		"text":  "CRITICAL security breach detected in admin system",
		"tools": []any{map[string]any{"name": "admin_execute"}},
	})

	out, err := e.Process(context.Background(), m, scorer.RequestContext{LocalHour: 14})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, out.ImpactScore, 0.7)
	assert.Equal(t, contracts.LaneDeliberation, out.Lane)
}

func TestProcess_WrongConstitutionalHashRejectsAndAudits(t *testing.T) {
	ledger := audit.New()
	e := newEngine(ledger)
	m := msg("m-4", contracts.PriorityLow, contracts.MessageTypeQuery, contracts.ContentMap{"text": "hi"})
	m.ConstitutionalHash = "wrong-hash"

	out, err := e.Process(context.Background(), m, scorer.RequestContext{LocalHour: 14})
	require.Error(t, err)
	assert.True(t, errors.Is(err, governerr.ErrConstitutionalViolation))

	assert.False(t, out.Success)
	assert.NotEmpty(t, out.Errors)
	assert.Equal(t, constHash, out.ConstitutionalHash)

	violations := ledger.ByType("constitutional.violation")
	require.Len(t, violations, 1)
}

func TestProcess_EmptyMessageFailsValidation(t *testing.T) {
	e := newEngine(audit.New())
	out, err := e.Process(context.Background(), &contracts.Message{ConstitutionalHash: constHash}, scorer.RequestContext{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, governerr.ErrValidationFailed))
	assert.False(t, out.Success)
}

func TestProcess_HumanApprovalDeliversDeliberatedMessage(t *testing.T) {
	ledger := audit.New()
	s := scorer.New()
	r := router.New(0.8)
	q := deliberation.New(deliberation.WithAuditLedger(ledger))
	e := governance.New(s, r, q, ledger, governance.WithDeliberationTimeout(time.Second))

	m := msg("m-5", contracts.PriorityCritical, contracts.MessageTypeGovernanceRequest,
		contracts.ContentMap{"text": "transfer funds"})
	out, err := e.Process(context.Background(), m, scorer.RequestContext{LocalHour: 14})
	require.NoError(t, err)
	require.Equal(t, contracts.LaneDeliberation, out.Lane)

	require.NoError(t, q.SubmitHumanDecision(context.Background(), out.ItemID, "reviewer-1", "looks fine", contracts.HumanDecisionApproved))

	status, err := e.AwaitDeliberation(context.Background(), out.ItemID)
	require.NoError(t, err)
	assert.Equal(t, contracts.MessageStatusDelivered, status)
	assert.Equal(t, contracts.MessageStatusDelivered, m.Status)
}

func TestProcess_TimeoutExpiresMessageWithoutFallback(t *testing.T) {
	ledger := audit.New()
	s := scorer.New()
	r := router.New(0.8)
	q := deliberation.New(deliberation.WithAuditLedger(ledger))
	e := governance.New(s, r, q, ledger, governance.WithDeliberationTimeout(30*time.Millisecond))

	m := msg("m-6", contracts.PriorityCritical, contracts.MessageTypeGovernanceRequest,
		contracts.ContentMap{"text": "transfer funds"})
	out, err := e.Process(context.Background(), m, scorer.RequestContext{LocalHour: 14})
	require.NoError(t, err)

	status, err := e.AwaitDeliberation(context.Background(), out.ItemID)
	require.NoError(t, err)
	assert.Equal(t, contracts.MessageStatusExpired, status)
}

func TestProcess_ReportsProcessingTimeOnFailure(t *testing.T) {
	e := newEngine(audit.New())
	m := msg("m-7", contracts.PriorityLow, contracts.MessageTypeQuery, contracts.ContentMap{"text": "hi"})
	m.ConstitutionalHash = "bad"

	out, _ := e.Process(context.Background(), m, scorer.RequestContext{})
	assert.GreaterOrEqual(t, out.ProcessingTime, time.Duration(0))
}
