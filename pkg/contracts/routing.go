package contracts

import "time"

// Lane is the path a message is dispatched down.
type Lane string

const (
	LaneFast         Lane = "fast"
	LaneDeliberation Lane = "deliberation"
)

// RoutingDecision records one router dispatch.
type RoutingDecision struct {
	Lane          Lane      `json:"lane"`
	MessageID     string    `json:"message_id"`
	ItemID        string    `json:"item_id,omitempty"`
	ImpactScore   float64   `json:"impact_score"`
	DecisionTS    time.Time `json:"decision_ts"`
	FeedbackScore *float64  `json:"feedback_score,omitempty"`

	// Outcome records how the routed message eventually resolved, feeding
	// the router's false-positive/false-negative adaptation.
	Outcome string `json:"outcome,omitempty"`
}
