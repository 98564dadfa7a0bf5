// Package secrets defines the narrow interface this repo consumes to read
// signing keys and other sensitive material from a secrets manager or
// vault, without depending on any particular backend; only the
// consumer-side contract lives here.
// No other package in this repo reads keys through Store: pkg/kms keeps
// its own file keystore, and manifest.NewSigner takes an Ed25519 key
// directly.
package secrets

import (
	"context"
	"sync"
	"time"
)

// Store reads and writes named secrets. A real implementation might call
// out to a cloud secrets manager; this repo only consumes the interface.
// Secret values never appear in logs or audit entries.
type Store interface {
	GetSecret(ctx context.Context, name string) ([]byte, error)
	// SetSecret stores value under name. A ttl of zero means no expiry.
	SetSecret(ctx context.Context, name string, value []byte, ttl time.Duration) error
	DeleteSecret(ctx context.Context, name string) error
}

// InMemoryStore is a Store backed by a map with per-entry expiry, for
// tests and local development without a real vault.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	clock   func() time.Time
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero means never
}

// NewInMemoryStore returns an empty store, optionally pre-seeded.
func NewInMemoryStore(seed map[string][]byte) *InMemoryStore {
	s := &InMemoryStore{entries: make(map[string]entry), clock: time.Now}
	for name, value := range seed {
		s.entries[name] = entry{value: value}
	}
	return s
}

// WithClock overrides the expiry clock, for deterministic tests.
func (s *InMemoryStore) WithClock(clock func() time.Time) *InMemoryStore {
	s.clock = clock
	return s
}

func (s *InMemoryStore) GetSecret(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	if !e.expiresAt.IsZero() && s.clock().After(e.expiresAt) {
		delete(s.entries, name)
		return nil, &NotFoundError{Name: name}
	}
	return e.value, nil
}

func (s *InMemoryStore) SetSecret(ctx context.Context, name string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.clock().Add(ttl)
	}
	s.entries[name] = e
	return nil
}

func (s *InMemoryStore) DeleteSecret(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, name)
	return nil
}

var _ Store = (*InMemoryStore)(nil)

// NotFoundError reports a secret name absent from the backing store.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return "secrets: no secret named " + e.Name
}
