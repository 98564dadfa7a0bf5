// Package governance wires the scorer, router, deliberation queue, and
// audit ledger into the end-to-end admission flow for a single message:
// score it, pick a lane, mark fast-path messages delivered, enqueue
// high-impact messages for deliberation, and map every deliberation
// terminal back onto the message's status.
package governance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/acgs-2/governance-core/pkg/audit"
	"github.com/acgs-2/governance-core/pkg/contracts"
	"github.com/acgs-2/governance-core/pkg/deliberation"
	"github.com/acgs-2/governance-core/pkg/governerr"
	"github.com/acgs-2/governance-core/pkg/router"
	"github.com/acgs-2/governance-core/pkg/scorer"
)

// defaultConsensusThreshold is the approval ratio a multi-agent vote must
// reach.
const defaultConsensusThreshold = 2.0 / 3.0

// multiAgentVoteAbove is the impact score beyond which deliberation also
// requires a multi-agent vote, not just human review.
const multiAgentVoteAbove = 0.9

// Outcome is the caller-visible result of processing one message. The
// processing time is always reported, including on failure.
type Outcome struct {
	Success            bool                   `json:"success"`
	Lane               contracts.Lane         `json:"lane,omitempty"`
	Status             contracts.MessageStatus `json:"status"`
	ItemID             string                 `json:"item_id,omitempty"`
	ImpactScore        float64                `json:"impact_score"`
	Errors             []string               `json:"errors"`
	ConstitutionalHash string                 `json:"constitutional_hash"`
	ProcessingTime     time.Duration          `json:"processing_time"`
}

// TimeoutFallback runs when a deliberation item times out; if none is
// registered the message expires instead.
type TimeoutFallback func(msg *contracts.Message)

// Engine is the composition of the admission-control components. All
// dependencies are constructor-injected; nothing here is a process-wide
// singleton.
type Engine struct {
	scorer *scorer.Scorer
	router *router.Router
	queue  *deliberation.Queue
	ledger *audit.Ledger
	log    *slog.Logger
	clock  func() time.Time

	deliberationTimeout time.Duration
	requiredVotes       int
	consensusThreshold  float64
	onTimeout           TimeoutFallback

	mu       sync.Mutex
	inFlight map[string]*pendingItem // deliberation item id -> message
}

// pendingItem tracks a message awaiting deliberation; done closes after
// the terminal status transition has been applied to msg.
type pendingItem struct {
	msg  *contracts.Message
	done chan struct{}
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger installs a structured logger for lane decisions and
// terminal transitions.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithDeliberationTimeout overrides the default voting window.
func WithDeliberationTimeout(d time.Duration) Option {
	return func(e *Engine) { e.deliberationTimeout = d }
}

// WithVoteQuorum sets how many agent votes a multi-agent deliberation
// requires and the approval ratio they must reach.
func WithVoteQuorum(requiredVotes int, consensusThreshold float64) Option {
	return func(e *Engine) {
		e.requiredVotes = requiredVotes
		e.consensusThreshold = consensusThreshold
	}
}

// WithTimeoutFallback registers the action run when a deliberation item
// times out; without one the message expires.
func WithTimeoutFallback(fn TimeoutFallback) Option {
	return func(e *Engine) { e.onTimeout = fn }
}

// New builds an Engine over its injected components.
func New(s *scorer.Scorer, r *router.Router, q *deliberation.Queue, ledger *audit.Ledger, opts ...Option) *Engine {
	e := &Engine{
		scorer:              s,
		router:              r,
		queue:               q,
		ledger:              ledger,
		log:                 slog.Default(),
		clock:               time.Now,
		deliberationTimeout: 5 * time.Minute,
		requiredVotes:       3,
		consensusThreshold:  defaultConsensusThreshold,
		inFlight:            make(map[string]*pendingItem),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process runs one message through the full admission flow. The returned
// Outcome always carries the processing time and the constitutional hash,
// success or not; the error mirrors Outcome.Errors as a typed value for
// errors.Is dispatch.
func (e *Engine) Process(ctx context.Context, msg *contracts.Message, rc scorer.RequestContext) (Outcome, error) {
	start := e.clock()
	fail := func(status contracts.MessageStatus, err error) (Outcome, error) {
		return Outcome{
			Success:            false,
			Status:             status,
			Errors:             []string{err.Error()},
			ConstitutionalHash: contracts.ConstitutionalHash,
			ProcessingTime:     e.clock().Sub(start),
		}, err
	}

	if msg.ID == "" {
		return fail(contracts.MessageStatusFailed,
			governerr.New(governerr.KindValidationFailed, "governance: message has no id"))
	}
	if err := contracts.CheckConstitutionalHash(msg.ConstitutionalHash); err != nil {
		if e.ledger != nil {
			_, _ = e.ledger.Append(msg.FromAgent, "constitutional.violation", map[string]any{
				"message_id": msg.ID,
				"got_hash":   msg.ConstitutionalHash,
			}, "rejected")
		}
		return fail(contracts.MessageStatusFailed, err)
	}

	if msg.Status == contracts.MessageStatusPending {
		if err := msg.TransitionStatus(contracts.MessageStatusRouting); err != nil {
			return fail(msg.Status, governerr.Wrap(governerr.KindValidationFailed, "governance: transition to routing", err))
		}
	}

	score := 0.0
	if msg.ImpactScore != nil {
		score = *msg.ImpactScore
	} else {
		result, err := e.scorer.Score(ctx, msg, rc)
		if err != nil {
			return fail(contracts.MessageStatusFailed, governerr.Wrap(governerr.KindInternalError, "governance: score", err))
		}
		score = result.Score
		if err := msg.SetImpactScore(score); err != nil {
			return fail(contracts.MessageStatusFailed, governerr.Wrap(governerr.KindInternalError, "governance: set impact score", err))
		}
	}

	decision, err := e.router.Route(ctx, msg, score, "")
	if err != nil {
		return fail(contracts.MessageStatusFailed, err)
	}

	if decision.Lane == contracts.LaneFast {
		if err := msg.TransitionStatus(contracts.MessageStatusDelivered); err != nil {
			return fail(msg.Status, governerr.Wrap(governerr.KindInternalError, "governance: deliver", err))
		}
		e.log.Info("message delivered on fast path",
			"message_id", msg.ID, "impact_score", score,
			"constitutional_hash", contracts.ConstitutionalHash)
		return Outcome{
			Success:            true,
			Lane:               contracts.LaneFast,
			Status:             msg.Status,
			ImpactScore:        score,
			Errors:             []string{},
			ConstitutionalHash: contracts.ConstitutionalHash,
			ProcessingTime:     e.clock().Sub(start),
		}, nil
	}

	requiredVotes := 0
	if score > multiAgentVoteAbove {
		requiredVotes = e.requiredVotes
	}
	itemID, err := e.queue.Enqueue(ctx, *msg, requiredVotes, e.consensusThreshold, e.deliberationTimeout)
	if err != nil {
		return fail(contracts.MessageStatusFailed, err)
	}

	e.mu.Lock()
	e.inFlight[itemID] = &pendingItem{msg: msg, done: make(chan struct{})}
	e.mu.Unlock()
	go e.watch(itemID)

	e.log.Info("message enqueued for deliberation",
		"message_id", msg.ID, "item_id", itemID, "impact_score", score,
		"multi_agent_vote", requiredVotes > 0,
		"constitutional_hash", contracts.ConstitutionalHash)

	return Outcome{
		Success:            true,
		Lane:               contracts.LaneDeliberation,
		Status:             msg.Status,
		ItemID:             itemID,
		ImpactScore:        score,
		Errors:             []string{},
		ConstitutionalHash: contracts.ConstitutionalHash,
		ProcessingTime:     e.clock().Sub(start),
	}, nil
}

// watch maps a deliberation item's terminal status back onto its message.
func (e *Engine) watch(itemID string) {
	snap, err := e.queue.Wait(context.Background(), itemID)
	if err != nil {
		return
	}

	e.mu.Lock()
	p := e.inFlight[itemID]
	e.mu.Unlock()
	if p == nil {
		return
	}
	defer func() {
		close(p.done)
		// Resolved entries stay queryable for a grace period so a caller
		// racing the resolution can still await the final status.
		time.AfterFunc(5*time.Minute, func() {
			e.mu.Lock()
			delete(e.inFlight, itemID)
			e.mu.Unlock()
		})
	}()

	switch snap.Status {
	case contracts.DeliberationApproved, contracts.DeliberationConsensusReached:
		_ = p.msg.TransitionStatus(contracts.MessageStatusDelivered)
	case contracts.DeliberationRejected:
		_ = p.msg.TransitionStatus(contracts.MessageStatusFailed)
	case contracts.DeliberationTimedOut:
		if e.onTimeout != nil {
			e.onTimeout(p.msg)
		} else {
			_ = p.msg.TransitionStatus(contracts.MessageStatusExpired)
		}
	}
	e.log.Info("deliberation resolved",
		"item_id", itemID, "message_id", p.msg.ID,
		"deliberation_status", string(snap.Status),
		"message_status", string(p.msg.Status))
}

// AwaitDeliberation blocks until itemID resolves and its message status
// transition has been applied, returning the final message status. Used
// by callers that need the terminal state synchronously.
func (e *Engine) AwaitDeliberation(ctx context.Context, itemID string) (contracts.MessageStatus, error) {
	e.mu.Lock()
	p := e.inFlight[itemID]
	e.mu.Unlock()
	if p == nil {
		return "", governerr.New(governerr.KindValidationFailed, "governance: unknown deliberation item "+itemID)
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return p.msg.Status, nil
}
