// Package router implements the Adaptive Router: it takes
// an impact score from pkg/scorer and decides whether a message travels
// the fast path or the deliberation path, then learns from feedback on
// past decisions to shift its threshold over time.
//
// The router is a single evaluate-then-record entrypoint: every call
// both dispatches the message and records the decision for later
// threshold adaptation.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/acgs-2/governance-core/pkg/audit"
	"github.com/acgs-2/governance-core/pkg/contracts"
	"github.com/acgs-2/governance-core/pkg/governerr"
)

// maxHistory bounds the router's in-memory routing history to the last
// 1000 decisions.
const maxHistory = 1000

// Outcome values recorded via UpdateFeedback.
const (
	OutcomeCorrectFast         = "correct_fast"          // fast lane, no escalation needed in hindsight
	OutcomeMissedEscalation    = "missed_escalation"      // fast lane, should have gone to deliberation (false negative)
	OutcomeCorrectDeliberation = "correct_deliberation"   // deliberation lane, correctly escalated (true positive)
	OutcomeUnnecessaryReview   = "unnecessary_review"      // deliberation lane, escalation was not warranted (false positive)
)

// Router dispatches messages by impact score and adapts its threshold
// from accumulated feedback.
type Router struct {
	mu        sync.Mutex
	threshold float64
	minThresh float64
	maxThresh float64
	stepSize  float64

	history []contracts.RoutingDecision
	byMsgID map[string]int // message ID -> index into history, for UpdateFeedback lookups

	forced map[string]bool // scope key -> forced deliberation override

	falsePositives int
	falseNegatives int
	truePositives  int
	trueNegatives  int

	clock  func() time.Time
	ledger *audit.Ledger
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Router) { r.clock = clock }
}

// WithAuditLedger attaches an audit ledger that records threshold shifts.
func WithAuditLedger(l *audit.Ledger) Option {
	return func(r *Router) { r.ledger = l }
}

// WithAdaptationStep overrides the per-adaptation threshold step size
// (default 0.05).
func WithAdaptationStep(step float64) Option {
	return func(r *Router) { r.stepSize = step }
}

// New builds a Router with the given initial threshold (0.8 by
// convention, see pkg/config.Config.RouterInitialThreshold).
func New(initialThreshold float64, opts ...Option) *Router {
	r := &Router{
		threshold: initialThreshold,
		minThresh: 0.1,
		maxThresh: 0.95,
		stepSize:  0.05,
		byMsgID:   make(map[string]int),
		forced:    make(map[string]bool),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Threshold returns the router's current decision threshold.
func (r *Router) Threshold() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threshold
}

// Route decides a lane for msg given its impact score, recording the
// decision in the bounded history.
func (r *Router) Route(ctx context.Context, msg *contracts.Message, impactScore float64, itemID string) (contracts.RoutingDecision, error) {
	if msg.ConstitutionalHash != "" {
		if err := contracts.CheckConstitutionalHash(msg.ConstitutionalHash); err != nil {
			return contracts.RoutingDecision{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	lane := contracts.LaneFast
	if impactScore >= r.threshold || r.forced[scopeKey(msg)] {
		lane = contracts.LaneDeliberation
	}

	decision := contracts.RoutingDecision{
		Lane:        lane,
		MessageID:   msg.ID,
		ItemID:      itemID,
		ImpactScore: impactScore,
		DecisionTS:  r.clock(),
	}
	r.record(decision)

	return decision, nil
}

// ForceDeliberation installs a scoped override that forces every message
// matching scope (tenant, agent, or a caller-chosen key) to the
// deliberation lane regardless of score. It returns a function that
// restores the prior (unforced) behavior for that scope.
func (r *Router) ForceDeliberation(scope string) (restore func()) {
	r.mu.Lock()
	r.forced[scope] = true
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.forced, scope)
		r.mu.Unlock()
	}
}

func scopeKey(msg *contracts.Message) string {
	return msg.Tenant + "|" + msg.FromAgent
}

func (r *Router) record(d contracts.RoutingDecision) {
	r.history = append(r.history, d)
	if len(r.history) > maxHistory {
		r.history = r.history[len(r.history)-maxHistory:]
		// Index rebuild: trimming invalidates prior offsets.
		r.byMsgID = make(map[string]int, len(r.history))
		for i, e := range r.history {
			r.byMsgID[e.MessageID] = i
		}
		return
	}
	r.byMsgID[d.MessageID] = len(r.history) - 1
}

// UpdateFeedback records the real-world outcome of a past routing decision
// and adapts the threshold. outcome must be one of the
// Outcome* constants.
func (r *Router) UpdateFeedback(ctx context.Context, messageID string, outcome string, feedbackScore *float64) error {
	r.mu.Lock()
	idx, ok := r.byMsgID[messageID]
	if !ok {
		r.mu.Unlock()
		return governerr.New(governerr.KindValidationFailed, "router: unknown message id for feedback: "+messageID)
	}
	r.history[idx].Outcome = outcome
	r.history[idx].FeedbackScore = feedbackScore

	switch outcome {
	case OutcomeMissedEscalation:
		r.falseNegatives++
	case OutcomeUnnecessaryReview:
		r.falsePositives++
	case OutcomeCorrectDeliberation:
		r.truePositives++
	case OutcomeCorrectFast:
		r.trueNegatives++
	}

	shifted, from, to := r.maybeAdapt()
	r.mu.Unlock()

	if shifted && r.ledger != nil {
		if _, err := r.ledger.Append("router", "router.threshold_shifted", map[string]any{
			"from_threshold": from,
			"to_threshold":   to,
			"message_id":     messageID,
			"outcome":        outcome,
		}, "adapted"); err != nil {
			return err
		}
	}
	return nil
}

// minDecisionsForAdaptation gates adaptation: below 50 recorded
// decisions the threshold never moves; at or above it, every feedback
// call recomputes and may shift the threshold.
const minDecisionsForAdaptation = 50

// maybeAdapt recomputes each error rate against its own lane's
// population: the false-positive rate is false positives over every
// deliberation-lane outcome (false positives + true positives), and the
// false-negative rate is false negatives over every fast-lane outcome
// (false negatives + true negatives). FPR is checked first, FNR only
// otherwise. Caller holds r.mu.
func (r *Router) maybeAdapt() (shifted bool, from, to float64) {
	total := r.falseNegatives + r.falsePositives + r.truePositives + r.trueNegatives
	if total < minDecisionsForAdaptation {
		return false, 0, 0
	}

	from = r.threshold
	fnDenominator := r.falseNegatives + r.trueNegatives
	fpDenominator := r.falsePositives + r.truePositives

	var fnRate, fpRate float64
	if fnDenominator > 0 {
		fnRate = float64(r.falseNegatives) / float64(fnDenominator)
	}
	if fpDenominator > 0 {
		fpRate = float64(r.falsePositives) / float64(fpDenominator)
	}

	switch {
	case fpRate > 0.3:
		// Too many unnecessary escalations: raise the bar.
		r.threshold += r.stepSize
	case fnRate > 0.1:
		// Too many high-impact messages slipping through the fast lane:
		// lower the bar for escalation.
		r.threshold -= r.stepSize
	default:
		return false, from, from
	}

	if r.threshold < r.minThresh {
		r.threshold = r.minThresh
	}
	if r.threshold > r.maxThresh {
		r.threshold = r.maxThresh
	}
	// Only an actual shift of more than 0.01 is reported as a change.
	return r.threshold != from && absFloat(r.threshold-from) > 0.01, from, r.threshold
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// History returns a copy of the bounded routing history.
func (r *Router) History() []contracts.RoutingDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]contracts.RoutingDecision, len(r.history))
	copy(out, r.history)
	return out
}
