package scorer

import (
	"strings"

	"github.com/acgs-2/governance-core/pkg/contracts"
)

// highImpactKeywords is the fixed vocabulary the deterministic fallback
// semantic signal scans for, covering security, governance, finance, and
// anomaly terms.
var highImpactKeywords = []string{
	// security
	"breach", "exploit", "vulnerability", "attack", "malware", "intrusion",
	"unauthorized", "compromise", "ransomware", "backdoor",
	// governance
	"constitutional", "governance", "policy violation", "escalate",
	"override", "bypass safety", "ignore previous instructions", "admin",
	// finance
	"transfer", "payment", "wire", "withdrawal", "settlement", "funds",
	"invoice fraud",
	// anomalies
	"anomaly", "critical", "emergency", "irreversible",
}

// semanticScoreFallback implements the deterministic keyword-hit fallback
// when no embedding provider is available:
// min(0.9, hits * 0.3).
func semanticScoreFallback(text string) float64 {
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range highImpactKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	score := float64(hits) * 0.3
	if score > 0.9 {
		score = 0.9
	}
	return score
}

// permissionToolScore categorizes a single tool name into a risk score.
// Multiple tools take the max at the call site.
func permissionToolScore(tool string) float64 {
	lower := strings.ToLower(tool)
	switch {
	case strings.Contains(lower, "admin"),
		strings.Contains(lower, "delete"),
		strings.Contains(lower, "transfer"),
		strings.Contains(lower, "execute"),
		strings.Contains(lower, "blockchain"),
		strings.Contains(lower, "payment"):
		return 0.9
	case strings.Contains(lower, "read"), strings.Contains(lower, "get"):
		return 0.2
	default:
		return 0.5
	}
}

// permissionScore scans all requested tools and returns the max risk
// score, or 0.1 if no tools were requested.
func permissionScore(tools []string) float64 {
	if len(tools) == 0 {
		return 0.1
	}
	max := 0.0
	for _, t := range tools {
		if s := permissionToolScore(t); s > max {
			max = s
		}
	}
	return max
}

// volumeScore maps a per-agent 60s request count to the fixed bands.
func volumeScore(count int) float64 {
	switch {
	case count < 10:
		return 0.1
	case count < 50:
		return 0.4
	case count < 100:
		return 0.7
	default:
		return 1.0
	}
}

// contextScore computes the base + night-window + high-value-payload
// context signal, clamped to 1.
func contextScore(localHour int, content contracts.ContentMap) float64 {
	score := 0.2
	if localHour >= 1 && localHour <= 5 {
		score += 0.3
	}
	if content.PayloadAmount() > 10000 {
		score += 0.4
	}
	if score > 1 {
		score = 1
	}
	return score
}

// priorityScore maps priority to its fixed signal value.
func priorityScore(p contracts.Priority) float64 {
	switch p {
	case contracts.PriorityLow:
		return 0.1
	case contracts.PriorityHigh:
		return 0.7
	case contracts.PriorityCritical:
		return 1.0
	default: // medium, and anything else ParsePriority already folded to medium
		return 0.3
	}
}

// typeScore maps message type to its fixed signal value.
func typeScore(t contracts.MessageType) float64 {
	switch t {
	case contracts.MessageTypeGovernanceRequest,
		contracts.MessageTypeConstitutionalValidation,
		contracts.MessageTypeTaskRequest:
		return 0.8
	default:
		return 0.2
	}
}

// driftScore compares the message's context score to the mean of the
// agent's historical context scores.
func driftScore(baseline float64, mean float64, hasHistory bool) float64 {
	if !hasHistory {
		return 0
	}
	delta := baseline - mean
	if delta < 0 {
		delta = -delta
	}
	if delta <= 0.3 {
		return 0
	}
	d := (delta / 0.3) * 0.5
	if d > 1.0 {
		d = 1.0
	}
	return d
}
