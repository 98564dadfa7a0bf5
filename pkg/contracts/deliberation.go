package contracts

import "time"

// DeliberationStatus is a DeliberationItem's lifecycle state.
type DeliberationStatus string

const (
	DeliberationPending         DeliberationStatus = "pending"
	DeliberationUnderReview     DeliberationStatus = "under_review"
	DeliberationApproved        DeliberationStatus = "approved"
	DeliberationRejected        DeliberationStatus = "rejected"
	DeliberationTimedOut        DeliberationStatus = "timed_out"
	DeliberationConsensusReached DeliberationStatus = "consensus_reached"
)

// VoteDecision is an agent's vote on a deliberation item.
type VoteDecision string

const (
	VoteApprove VoteDecision = "approve"
	VoteReject  VoteDecision = "reject"
	VoteAbstain VoteDecision = "abstain"
)

// Vote is a single agent's vote, keyed by AgentID within an item: a second
// vote from the same agent overwrites the first.
type Vote struct {
	AgentID    string       `json:"agent_id"`
	Decision   VoteDecision `json:"decision"`
	Reasoning  string       `json:"reasoning"`
	Confidence float64      `json:"confidence"`
	Timestamp  time.Time    `json:"ts"`
}

// HumanDecision is an ∈ {approved, rejected, under_review} human call on
// a deliberation item.
type HumanDecision string

const (
	HumanDecisionApproved    HumanDecision = "approved"
	HumanDecisionRejected    HumanDecision = "rejected"
	HumanDecisionUnderReview HumanDecision = "under_review"
)

// DeliberationSnapshot is the read-only view returned by Queue.Status —
// mutation always goes through the item's owning goroutine.
type DeliberationSnapshot struct {
	ItemID             string             `json:"item_id"`
	Message            Message            `json:"message"`
	Status             DeliberationStatus `json:"status"`
	HumanReviewer      string             `json:"human_reviewer,omitempty"`
	HumanDecision      HumanDecision      `json:"human_decision,omitempty"`
	HumanReasoning     string             `json:"human_reasoning,omitempty"`
	Votes              []Vote             `json:"votes"`
	RequiredVotes       int               `json:"required_votes"`
	ConsensusThreshold float64            `json:"consensus_threshold"`
	// AgentWeights, when non-empty, switches consensus evaluation to the
	// weighted variant: Σ weight(approve) / Σ weight(all
	// votes) compared against ConsensusThreshold, rather than a plain
	// vote-count ratio. An agent absent from this map is treated as
	// weight 1.
	AgentWeights       map[string]float64 `json:"agent_weights,omitempty"`
	VotingDeadline     time.Time          `json:"voting_deadline"`
	TimeoutSeconds     int                `json:"timeout_seconds"`
	Resolved           bool               `json:"resolved"`
	Result             DeliberationStatus `json:"result,omitempty"`
}
