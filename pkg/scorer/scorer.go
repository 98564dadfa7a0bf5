// Package scorer implements the Impact Scorer: a seven-signal
// combiner that assigns every inbound message a 0..1 impact score used by
// the adaptive router to decide between the fast path and deliberation.
//
// Scoring is a continuous weighted combination over per-agent
// sliding-window and historical state, not a binary allow/deny check.
package scorer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/acgs-2/governance-core/pkg/contracts"
)

// EmbeddingProvider abstracts a real semantic-similarity backend. When nil,
// Scorer falls back to the deterministic keyword-hit heuristic.
type EmbeddingProvider interface {
	// SimilarityToHighImpact returns a 0..1 semantic-risk estimate for text.
	SimilarityToHighImpact(ctx context.Context, text string) (float64, error)
}

// Weights holds the seven signal weights. The zero value is invalid; use
// DefaultWeights.
type Weights struct {
	Semantic   float64
	Permission float64
	Volume     float64
	Context    float64
	Drift      float64
	Priority   float64
	Type       float64
}

// DefaultWeights are the fixed default signal weights; they sum to 1.
func DefaultWeights() Weights {
	return Weights{
		Semantic:   0.30,
		Permission: 0.20,
		Volume:     0.10,
		Context:    0.10,
		Drift:      0.15,
		Priority:   0.10,
		Type:       0.05,
	}
}

// sum is used to renormalize caller-supplied weights so they always sum to 1.
func (w Weights) sum() float64 {
	return w.Semantic + w.Permission + w.Volume + w.Context + w.Drift + w.Priority + w.Type
}

func (w Weights) normalized() Weights {
	s := w.sum()
	if s <= 0 {
		return DefaultWeights()
	}
	return Weights{
		Semantic:   w.Semantic / s,
		Permission: w.Permission / s,
		Volume:     w.Volume / s,
		Context:    w.Context / s,
		Drift:      w.Drift / s,
		Priority:   w.Priority / s,
		Type:       w.Type / s,
	}
}

// Signals holds the seven raw per-message signal values, exposed for
// callers that want visibility into why a score came out the way it did.
type Signals struct {
	Semantic   float64
	Permission float64
	Volume     float64
	Context    float64
	Drift      float64
	Priority   float64
	Type       float64
}

// Result is the outcome of scoring a single message.
type Result struct {
	Score   float64
	Signals Signals
}

// RequestContext carries the caller-observed context the scorer itself has
// no way to derive (local hour of day, at minimum).
type RequestContext struct {
	LocalHour int
}

type agentState struct {
	requests *timestampRing
	history  *scoreHistory
	limiter  *rate.Limiter
}

// Scorer computes impact scores for inbound messages.
type Scorer struct {
	mu             sync.Mutex
	agents         map[string]*agentState
	provider       EmbeddingProvider
	clock          func() time.Time
	weights        Weights
	admissionRPS   rate.Limit
	admissionBurst int
}

// New builds a Scorer with the fixed default weights and no embedding
// provider (the deterministic keyword fallback is always available).
func New(opts ...Option) *Scorer {
	s := &Scorer{
		agents:         make(map[string]*agentState),
		clock:          time.Now,
		weights:        DefaultWeights(),
		admissionRPS:   rate.Inf,
		admissionBurst: 0,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Option configures a Scorer at construction time.
type Option func(*Scorer)

// WithEmbeddingProvider installs a real semantic-similarity backend.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(s *Scorer) { s.provider = p }
}

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scorer) { s.clock = clock }
}

// WithWeights overrides the default signal weights; they are renormalized
// to sum to 1 so a caller can express relative emphasis without knowing
// the others.
func WithWeights(w Weights) Option {
	return func(s *Scorer) { s.weights = w.normalized() }
}

// WithAdmissionRateLimit installs a per-agent token-bucket admission
// limiter. An agent that exceeds rps/burst is treated as already at the
// volume signal's saturated band without waiting for the sliding window
// to fill, since a caller hitting the limiter is by definition bursting
// faster than the window can observe.
func WithAdmissionRateLimit(rps float64, burst int) Option {
	return func(s *Scorer) {
		s.admissionRPS = rate.Limit(rps)
		s.admissionBurst = burst
	}
}

func (s *Scorer) stateFor(agentID string) *agentState {
	st, ok := s.agents[agentID]
	if !ok {
		var limiter *rate.Limiter
		if s.admissionRPS != rate.Inf {
			limiter = rate.NewLimiter(s.admissionRPS, s.admissionBurst)
		}
		st = &agentState{
			requests: newTimestampRing(100),
			history:  newScoreHistory(20),
			limiter:  limiter,
		}
		s.agents[agentID] = st
	}
	return st
}

// Score computes the seven signals for msg and combines them into a final
// impact score. msg.FromAgent identifies the sending agent for the
// volume and drift signals' per-agent state.
func (s *Scorer) Score(ctx context.Context, msg *contracts.Message, rc RequestContext) (Result, error) {
	semantic, err := s.semanticSignal(ctx, msg.Content.Text())
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	st := s.stateFor(msg.FromAgent)
	now := s.clock()
	count := st.requests.observe(now, 60*time.Second)
	admitted := st.limiter == nil || st.limiter.AllowN(now, 1)
	mean, hasHistory := st.history.mean()
	s.mu.Unlock()

	permission := permissionScore(msg.Content.Tools())
	volume := volumeScore(count)
	if !admitted && volume < 1.0 {
		volume = 1.0
	}
	ctxSignal := contextScore(rc.LocalHour, msg.Content)
	priority := priorityScore(msg.Priority)
	typ := typeScore(msg.MessageType)

	// Drift's baseline is the context score itself, compared against the
	// mean of the agent's own context-score history.
	drift := driftScore(ctxSignal, mean, hasHistory)

	w := s.weights
	combined := semantic*w.Semantic + permission*w.Permission + volume*w.Volume +
		ctxSignal*w.Context + drift*w.Drift + priority*w.Priority + typ*w.Type

	// Non-linear boosts: critical-priority messages and
	// strongly semantic-flagged messages are floored, never averaged down.
	if msg.Priority == contracts.PriorityCritical && combined < 0.9 {
		combined = 0.9
	}
	if semantic > 0.8 && combined < 0.8 {
		combined = 0.8
	}
	if combined > 1 {
		combined = 1
	}
	if combined < 0 {
		combined = 0
	}

	s.mu.Lock()
	st.history.push(ctxSignal)
	s.mu.Unlock()

	return Result{
		Score: combined,
		Signals: Signals{
			Semantic:   semantic,
			Permission: permission,
			Volume:     volume,
			Context:    ctxSignal,
			Drift:      drift,
			Priority:   priority,
			Type:       typ,
		},
	}, nil
}

// AgentSnapshot is a read-only diagnostic view of one agent's scoring
// state.
type AgentSnapshot struct {
	RequestsInWindow int
	HistoryMean      float64
	HasHistory       bool
}

// Snapshot returns the current per-agent state for diagnostics and audit
// detail. The window count reflects the last observation; it does not
// itself record a request.
func (s *Scorer) Snapshot() map[string]AgentSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]AgentSnapshot, len(s.agents))
	for agentID, st := range s.agents {
		mean, has := st.history.mean()
		out[agentID] = AgentSnapshot{
			RequestsInWindow: len(st.requests.buf),
			HistoryMean:      mean,
			HasHistory:       has,
		}
	}
	return out
}

func (s *Scorer) semanticSignal(ctx context.Context, text string) (float64, error) {
	if s.provider != nil {
		v, err := s.provider.SimilarityToHighImpact(ctx, text)
		if err != nil {
			return 0, err
		}
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		return v, nil
	}
	return semanticScoreFallback(text), nil
}
