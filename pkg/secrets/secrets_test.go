package secrets_test

import (
	"context"
	"testing"
	"time"

	"github.com/acgs-2/governance-core/pkg/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_GetsKnownSecret(t *testing.T) {
	s := secrets.NewInMemoryStore(map[string][]byte{"kms-master-key": []byte("shh")})
	v, err := s.GetSecret(context.Background(), "kms-master-key")
	require.NoError(t, err)
	assert.Equal(t, []byte("shh"), v)
}

func TestInMemoryStore_UnknownNameReturnsNotFound(t *testing.T) {
	s := secrets.NewInMemoryStore(nil)
	_, err := s.GetSecret(context.Background(), "missing")
	require.Error(t, err)
	var nf *secrets.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestInMemoryStore_SetThenDelete(t *testing.T) {
	s := secrets.NewInMemoryStore(nil)
	require.NoError(t, s.SetSecret(context.Background(), "api-token", []byte("tok"), 0))

	v, err := s.GetSecret(context.Background(), "api-token")
	require.NoError(t, err)
	assert.Equal(t, []byte("tok"), v)

	require.NoError(t, s.DeleteSecret(context.Background(), "api-token"))
	_, err = s.GetSecret(context.Background(), "api-token")
	assert.Error(t, err)
}

func TestInMemoryStore_TTLExpiresSecret(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := secrets.NewInMemoryStore(nil).WithClock(func() time.Time { return now })

	require.NoError(t, s.SetSecret(context.Background(), "short-lived", []byte("v"), time.Minute))

	_, err := s.GetSecret(context.Background(), "short-lived")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = s.GetSecret(context.Background(), "short-lived")
	assert.Error(t, err)
}
