// Package audit implements the Constitutional Governance Core's
// append-only, hash-chained audit ledger.
//
// The ledger is a sync.RWMutex-guarded in-memory chain with an
// injectable clock; pkg/canonical supplies the same canonicalizer used
// for manifest digests and PSV policy IDs, so those hashes are computed
// over identical byte forms.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/acgs-2/governance-core/pkg/canonical"
	"github.com/acgs-2/governance-core/pkg/contracts"
	"github.com/acgs-2/governance-core/pkg/governerr"
	"github.com/google/uuid"
)

// genesisHash seeds the chain before any entry exists.
const genesisHash = "genesis"

// Ledger is an append-only, hash-chained audit log.
type Ledger struct {
	mu      sync.RWMutex
	entries []contracts.AuditEntry
	head    string
	clock   func() time.Time
}

// New creates an empty audit ledger.
func New() *Ledger {
	return &Ledger{
		entries: make([]contracts.AuditEntry, 0),
		head:    genesisHash,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append adds a governance event to the chain and returns the stored entry,
// including its computed hash.
func (l *Ledger) Append(actorID, eventType string, details map[string]any, outcome string) (contracts.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := contracts.AuditEntry{
		ID:                 uuid.New().String(),
		Timestamp:          l.clock().UTC(),
		ActorID:            actorID,
		EventType:          eventType,
		Details:            details,
		Outcome:            outcome,
		ConstitutionalHash: contracts.ConstitutionalHash,
		PrevHash:           l.head,
	}

	hash, err := canonical.Hash(entry.HashInput())
	if err != nil {
		return contracts.AuditEntry{}, governerr.Wrap(governerr.KindPersistenceError, "audit: hash entry", err)
	}
	entry.EntryHash = hash

	l.entries = append(l.entries, entry)
	l.head = hash
	return entry, nil
}

// Head returns the current chain head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Len returns the number of entries in the chain.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// ByType returns all entries with the given event type, in insertion order.
func (l *Ledger) ByType(eventType string) []contracts.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []contracts.AuditEntry
	for _, e := range l.entries {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// ByActor returns all entries authored by the given actor, in insertion
// order.
func (l *Ledger) ByActor(actorID string) []contracts.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []contracts.AuditEntry
	for _, e := range l.entries {
		if e.ActorID == actorID {
			out = append(out, e)
		}
	}
	return out
}

// ByTimeRange returns all entries with timestamp in [from, to], inclusive.
func (l *Ledger) ByTimeRange(from, to time.Time) []contracts.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []contracts.AuditEntry
	for _, e := range l.entries {
		if !e.Timestamp.Before(from) && !e.Timestamp.After(to) {
			out = append(out, e)
		}
	}
	return out
}

// VerifyChain walks the chain and recomputes every hash. It returns
// (true, "") if the chain is intact, or (false, reason) at the first
// detected break.
func (l *Ledger) VerifyChain() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := genesisHash
	for i, e := range l.entries {
		if e.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at entry %d (%s): expected prev %s, got %s", i, e.ID, prev, e.PrevHash)
		}

		computed, err := canonical.Hash(e.HashInput())
		if err != nil {
			return false, fmt.Sprintf("chain verify failed re-hashing entry %d (%s): %v", i, e.ID, err)
		}
		if computed != e.EntryHash {
			return false, fmt.Sprintf("hash mismatch at entry %d (%s)", i, e.ID)
		}
		prev = e.EntryHash
	}
	return true, ""
}

// All returns a copy of every entry in insertion order.
func (l *Ledger) All() []contracts.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]contracts.AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
