// Package deliberation implements the Deliberation Queue:
// multi-agent voting plus an optional human decision, resolved entirely by
// events — no goroutine in this package ever polls for a timeout or a
// resolution. Each enqueued item owns a single goroutine that blocks on
// its inbox channel and a deadline timer; every mutation of that item's
// state happens only inside that goroutine, so no locking is needed for
// per-item fields.
//
// The per-item goroutine races the inbox against its deadline timer;
// timeouts fire exactly once and only when nothing resolved the item
// first.
package deliberation

import (
	"context"
	"sync"
	"time"

	"github.com/acgs-2/governance-core/pkg/audit"
	"github.com/acgs-2/governance-core/pkg/contracts"
	"github.com/acgs-2/governance-core/pkg/governerr"
	"github.com/google/uuid"
)

// TerminalCallback is invoked exactly once when an item resolves, on the
// item's own owning goroutine.
type TerminalCallback func(snapshot contracts.DeliberationSnapshot)

// defaultGracePeriod is how long a resolved item stays queryable before
// it is removed from the queue.
const defaultGracePeriod = 5 * time.Minute

// Queue manages in-flight deliberation items.
type Queue struct {
	mu     sync.Mutex
	items  map[string]*item
	ledger *audit.Ledger
	clock  func() time.Time
	onDone TerminalCallback
	grace  time.Duration
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithAuditLedger attaches the ledger every terminal resolution is
// appended to.
func WithAuditLedger(l *audit.Ledger) Option {
	return func(q *Queue) { q.ledger = l }
}

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

// WithTerminalCallback registers a fallback invoked whenever any item
// resolves (approved, rejected, timed out, or cancelled).
func WithTerminalCallback(cb TerminalCallback) Option {
	return func(q *Queue) { q.onDone = cb }
}

// WithGracePeriod overrides how long a resolved item remains queryable
// before it is dropped.
func WithGracePeriod(d time.Duration) Option {
	return func(q *Queue) { q.grace = d }
}

// New builds an empty Queue.
func New(opts ...Option) *Queue {
	q := &Queue{items: make(map[string]*item), clock: time.Now, grace: defaultGracePeriod}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// request types sent to an item's owning goroutine.
type voteReq struct {
	vote contracts.Vote
	resp chan error
}

type humanReq struct {
	reviewer, reasoning string
	decision            contracts.HumanDecision
	resp                chan error
}

type cancelReq struct {
	resp chan error
}

type snapshotReq struct {
	resp chan contracts.DeliberationSnapshot
}

type item struct {
	id          string
	snapshot    contracts.DeliberationSnapshot
	voteCh      chan voteReq
	humanCh     chan humanReq
	cancelCh    chan cancelReq
	snapshotCh  chan snapshotReq
	resolvedCh  chan struct{} // closed exactly once, on resolution
	resolveOnce sync.Once
}

// Enqueue admits a message for deliberation and starts its owning
// goroutine. It returns the item ID immediately; resolution
// happens asynchronously via votes, a human decision, or timeout.
func (q *Queue) Enqueue(ctx context.Context, msg contracts.Message, requiredVotes int, consensusThreshold float64, timeout time.Duration) (string, error) {
	return q.EnqueueWeighted(ctx, msg, requiredVotes, consensusThreshold, timeout, nil)
}

// EnqueueWeighted is Enqueue with an optional per-agent weight map for
// weighted consensus. A nil or empty map falls back to plain vote-count
// consensus.
func (q *Queue) EnqueueWeighted(ctx context.Context, msg contracts.Message, requiredVotes int, consensusThreshold float64, timeout time.Duration, agentWeights map[string]float64) (string, error) {
	if err := contracts.CheckConstitutionalHash(msg.ConstitutionalHash); msg.ConstitutionalHash != "" && err != nil {
		return "", err
	}
	if consensusThreshold <= 0 || consensusThreshold > 1 {
		consensusThreshold = 2.0 / 3.0
	}

	id := uuid.NewString()
	now := q.clock()
	it := &item{
		id: id,
		snapshot: contracts.DeliberationSnapshot{
			ItemID:             id,
			Message:            msg,
			Status:             contracts.DeliberationPending,
			RequiredVotes:      requiredVotes,
			ConsensusThreshold: consensusThreshold,
			AgentWeights:       agentWeights,
			VotingDeadline:     now.Add(timeout),
			TimeoutSeconds:     int(timeout.Seconds()),
		},
		voteCh:     make(chan voteReq),
		humanCh:    make(chan humanReq),
		cancelCh:   make(chan cancelReq),
		snapshotCh: make(chan snapshotReq),
		resolvedCh: make(chan struct{}),
	}

	q.mu.Lock()
	q.items[id] = it
	q.mu.Unlock()

	go q.run(ctx, it)

	return id, nil
}

// run is the item's sole owning goroutine: every field read/write on
// it.snapshot happens here and nowhere else.
func (q *Queue) run(ctx context.Context, it *item) {
	voteIndex := make(map[string]int)
	timer := time.NewTimer(time.Until(it.snapshot.VotingDeadline))
	defer timer.Stop()

	it.snapshot.Status = contracts.DeliberationUnderReview

	for {
		select {
		case <-ctx.Done():
			q.resolve(it, contracts.DeliberationRejected, "context.cancelled")
			return

		case req := <-it.cancelCh:
			q.resolve(it, contracts.DeliberationRejected, "deliberation.cancelled")
			req.resp <- nil
			return

		case <-timer.C:
			q.resolve(it, contracts.DeliberationTimedOut, "deliberation.timed_out")
			return

		case req := <-it.voteCh:
			// Votes keep arrival order; a repeat vote from the same
			// agent overwrites in place rather than re-ordering.
			if i, seen := voteIndex[req.vote.AgentID]; seen {
				it.snapshot.Votes[i] = req.vote
			} else {
				voteIndex[req.vote.AgentID] = len(it.snapshot.Votes)
				it.snapshot.Votes = append(it.snapshot.Votes, req.vote)
			}
			req.resp <- nil

			if status, reached := evaluateConsensus(it.snapshot); reached {
				q.resolve(it, status, "deliberation.consensus_reached")
				return
			}

		case req := <-it.humanCh:
			if it.snapshot.HumanDecision != "" && it.snapshot.HumanDecision != contracts.HumanDecisionUnderReview {
				req.resp <- governerr.New(governerr.KindValidationFailed, "deliberation: human decision already recorded for item "+it.id)
				continue
			}
			it.snapshot.HumanReviewer = req.reviewer
			it.snapshot.HumanReasoning = req.reasoning
			it.snapshot.HumanDecision = req.decision
			req.resp <- nil

			switch req.decision {
			case contracts.HumanDecisionApproved:
				q.resolve(it, contracts.DeliberationApproved, "deliberation.human_approved")
				return
			case contracts.HumanDecisionRejected:
				q.resolve(it, contracts.DeliberationRejected, "deliberation.human_rejected")
				return
			}

		case req := <-it.snapshotCh:
			req.resp <- it.snapshot
		}
	}
}

// evaluateConsensus checks whether the current vote tally crosses the
// item's consensus threshold once the required quorum has voted:
// consensus is reached iff n >= max(1,r) and approve_count/n >=
// ConsensusThreshold. When s.AgentWeights is non-empty this uses the
// weighted variant, sum of approve weights over sum of all vote weights
// compared against ConsensusThreshold, with an agent absent from the map
// treated as weight 1; otherwise it falls back to a plain vote-count
// ratio. The formula is approve-only: a vote
// tally that fails the approval ratio does not itself resolve the item
// as rejected; it stays open for more votes, a human decision, or the
// deadline.
func evaluateConsensus(s contracts.DeliberationSnapshot) (contracts.DeliberationStatus, bool) {
	n := len(s.Votes)
	required := s.RequiredVotes
	if required < 1 {
		required = 1
	}
	if n < required {
		return "", false
	}

	var approve, total float64
	for _, v := range s.Votes {
		w := 1.0
		if s.AgentWeights != nil {
			if explicit, ok := s.AgentWeights[v.AgentID]; ok {
				w = explicit
			}
		}
		total += w
		if v.Decision == contracts.VoteApprove {
			approve += w
		}
	}
	if total == 0 {
		return "", false
	}
	if approve/total >= s.ConsensusThreshold {
		return contracts.DeliberationConsensusReached, true
	}
	return "", false
}

func (q *Queue) resolve(it *item, status contracts.DeliberationStatus, eventType string) {
	it.resolveOnce.Do(func() {
		it.snapshot.Status = status
		it.snapshot.Result = status
		it.snapshot.Resolved = true

		if q.ledger != nil {
			outcome := "resolved"
			if status == contracts.DeliberationRejected || status == contracts.DeliberationTimedOut {
				outcome = "not_approved"
			}
			_, _ = q.ledger.Append(it.id, eventType, map[string]any{
				"item_id": it.id,
				"status":  string(status),
			}, outcome)
		}

		snapshot := it.snapshot
		close(it.resolvedCh)

		if q.onDone != nil {
			q.onDone(snapshot)
		}

		// Resolved items stay queryable for the grace period, then drop.
		time.AfterFunc(q.grace, func() {
			q.mu.Lock()
			delete(q.items, it.id)
			q.mu.Unlock()
		})
	})
}

func (q *Queue) lookup(itemID string) (*item, error) {
	q.mu.Lock()
	it, ok := q.items[itemID]
	q.mu.Unlock()
	if !ok {
		return nil, governerr.New(governerr.KindValidationFailed, "deliberation: unknown item id "+itemID)
	}
	return it, nil
}

// SubmitVote records an agent's vote on itemID; a second vote from the
// same agent replaces the first.
func (q *Queue) SubmitVote(ctx context.Context, itemID string, vote contracts.Vote) error {
	it, err := q.lookup(itemID)
	if err != nil {
		return err
	}
	resp := make(chan error, 1)
	select {
	case it.voteCh <- voteReq{vote: vote, resp: resp}:
		return <-resp
	case <-it.resolvedCh:
		return governerr.New(governerr.KindValidationFailed, "deliberation: item "+itemID+" already resolved")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitHumanDecision records a human reviewer's decision, resolving the
// item on approve/reject. A second call after a terminal
// human decision is idempotently rejected.
func (q *Queue) SubmitHumanDecision(ctx context.Context, itemID, reviewer, reasoning string, decision contracts.HumanDecision) error {
	it, err := q.lookup(itemID)
	if err != nil {
		return err
	}
	resp := make(chan error, 1)
	select {
	case it.humanCh <- humanReq{reviewer: reviewer, reasoning: reasoning, decision: decision, resp: resp}:
		return <-resp
	case <-it.resolvedCh:
		return governerr.New(governerr.KindValidationFailed, "deliberation: item "+itemID+" already resolved")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel resolves itemID as rejected via an explicit cancellation,
// observably distinct from a timeout.
func (q *Queue) Cancel(ctx context.Context, itemID string) error {
	it, err := q.lookup(itemID)
	if err != nil {
		return err
	}
	resp := make(chan error, 1)
	select {
	case it.cancelCh <- cancelReq{resp: resp}:
		return <-resp
	case <-it.resolvedCh:
		return nil // already resolved, cancellation is a no-op
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current state of itemID.
func (q *Queue) Snapshot(ctx context.Context, itemID string) (contracts.DeliberationSnapshot, error) {
	it, err := q.lookup(itemID)
	if err != nil {
		return contracts.DeliberationSnapshot{}, err
	}
	resp := make(chan contracts.DeliberationSnapshot, 1)
	select {
	case it.snapshotCh <- snapshotReq{resp: resp}:
		return <-resp, nil
	case <-it.resolvedCh:
		// it.snapshot's last write in run() happens-before the close of
		// resolvedCh, which happens-before this receive: safe to read
		// without additional synchronization.
		return it.snapshot, nil
	case <-ctx.Done():
		return contracts.DeliberationSnapshot{}, ctx.Err()
	}
}

// Wait blocks until itemID resolves or ctx is cancelled, returning its
// final snapshot.
func (q *Queue) Wait(ctx context.Context, itemID string) (contracts.DeliberationSnapshot, error) {
	it, err := q.lookup(itemID)
	if err != nil {
		return contracts.DeliberationSnapshot{}, err
	}
	select {
	case <-it.resolvedCh:
		return q.Snapshot(context.Background(), itemID)
	case <-ctx.Done():
		return contracts.DeliberationSnapshot{}, ctx.Err()
	}
}
