package kms_test

import (
	"path/filepath"
	"testing"

	"github.com/acgs-2/governance-core/pkg/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKMS(t *testing.T, opts ...kms.Option) *kms.LocalKMS {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keystore.json")
	k, err := kms.NewLocalKMS(path, opts...)
	require.NoError(t, err)
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	k := newKMS(t)

	ct, err := k.Encrypt("top secret signing key material")
	require.NoError(t, err)
	assert.NotEqual(t, "top secret signing key material", ct)

	pt, err := k.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "top secret signing key material", pt)
}

func TestRotate_OldKeysStillDecrypt(t *testing.T) {
	k := newKMS(t)

	ct1, err := k.Encrypt("v1 secret")
	require.NoError(t, err)

	v2, err := k.Rotate()
	require.NoError(t, err)
	assert.Equal(t, 2, v2)
	assert.Equal(t, 2, k.ActiveVersion())

	ct2, err := k.Encrypt("v2 secret")
	require.NoError(t, err)

	pt1, err := k.Decrypt(ct1)
	require.NoError(t, err)
	assert.Equal(t, "v1 secret", pt1)

	pt2, err := k.Decrypt(ct2)
	require.NoError(t, err)
	assert.Equal(t, "v2 secret", pt2)
}

func TestSignVerify_RoundTripsAcrossRotation(t *testing.T) {
	k := newKMS(t)

	v1, sig1, err := k.Sign([]byte("bundle digest"))
	require.NoError(t, err)
	require.Equal(t, 1, v1)

	ok, err := k.Verify(v1, []byte("bundle digest"), sig1)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = k.Rotate()
	require.NoError(t, err)

	// Pre-rotation signatures still verify against their version.
	ok, err = k.Verify(v1, []byte("bundle digest"), sig1)
	require.NoError(t, err)
	assert.True(t, ok)

	v2, sig2, err := k.Sign([]byte("bundle digest"))
	require.NoError(t, err)
	assert.Equal(t, 2, v2)
	assert.NotEqual(t, sig1, sig2)

	ok, err = k.Verify(v1, []byte("bundle digest"), sig2)
	require.NoError(t, err)
	assert.False(t, ok, "a v2 signature must not verify under the v1 key")
}

func TestInsecureFallback_DisabledByDefault(t *testing.T) {
	k := newKMS(t)
	_, err := k.EncryptInsecureFallback("anything")
	assert.Error(t, err, "insecure XOR fallback must be disabled unless explicitly unlocked")
}

func TestInsecureFallback_WhenUnlockedEncrypts(t *testing.T) {
	// Once unlocked for a local dev loop, the fallback returns a
	// ciphertext that differs from the plaintext.
	k := newKMS(t, kms.WithInsecureLocalFallback(true))

	ct, err := k.EncryptInsecureFallback("dev-only secret")
	require.NoError(t, err)
	assert.NotEqual(t, "dev-only secret", ct)
}
