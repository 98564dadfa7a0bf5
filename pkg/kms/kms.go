// Package kms provides local key management for the signing keys used
// by pkg/manifest and pkg/guard's signature collection. Key material
// never appears in logs or audit entries.
//
// The keystore is file-backed and versioned: AES-256-GCM with rotation,
// old key versions staying available for decrypting previously
// encrypted data. A second, explicitly insecure XOR code path exists
// for constrained local development and is rejected outright in
// production profiles.
package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Manager is the key management interface consumed by the rest of the core.
type Manager interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	Rotate() (version int, err error)
	ActiveVersion() int
}

// keystore is the on-disk JSON format for persisted keys.
type keystore struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"`
}

// LocalKMS is a file-backed KMS using AES-256-GCM with versioned keys, and
// — only when explicitly unlocked — a fallback XOR scheme.
type LocalKMS struct {
	mu                  sync.RWMutex
	store               keystore
	path                string
	keys                map[int][]byte
	allowInsecureFallback bool
}

// Option configures LocalKMS construction.
type Option func(*LocalKMS)

// WithInsecureLocalFallback unlocks EncryptInsecureFallback for environments
// that have no real KMS/HSM behind them (e.g. a laptop dev loop). Never
// call this from a production profile; pkg/config.Load() guarantees a
// profile literally named "production" never sets this.
func WithInsecureLocalFallback(allow bool) Option {
	return func(k *LocalKMS) { k.allowInsecureFallback = allow }
}

// NewLocalKMS loads or creates a local keystore at the given path.
func NewLocalKMS(keystorePath string, opts ...Option) (*LocalKMS, error) {
	kms := &LocalKMS{path: keystorePath, keys: make(map[int][]byte)}
	for _, opt := range opts {
		opt(kms)
	}

	if _, err := os.Stat(keystorePath); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(keystorePath), 0700); err != nil {
			return nil, fmt.Errorf("kms: create dir: %w", err)
		}

		key := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("kms: generate key: %w", err)
		}

		kms.store = keystore{
			ActiveVersion: 1,
			Keys:          map[string]string{"1": base64.StdEncoding.EncodeToString(key)},
		}
		kms.keys[1] = key

		if err := kms.persist(); err != nil {
			return nil, err
		}
		return kms, nil
	}

	data, err := os.ReadFile(keystorePath)
	if err != nil {
		return nil, fmt.Errorf("kms: read keystore: %w", err)
	}
	if err := json.Unmarshal(data, &kms.store); err != nil {
		return nil, fmt.Errorf("kms: parse keystore: %w", err)
	}

	for vStr, encoded := range kms.store.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("kms: invalid version %q: %w", vStr, err)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("kms: decode key v%d: %w", v, err)
		}
		kms.keys[v] = key
	}
	if _, ok := kms.keys[kms.store.ActiveVersion]; !ok {
		return nil, fmt.Errorf("kms: active version %d not in keystore", kms.store.ActiveVersion)
	}

	return kms, nil
}

// Encrypt encrypts plaintext with the active key, returning
// "v<N>:<base64(nonce+ciphertext)>".
func (k *LocalKMS) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	k.mu.RLock()
	activeVersion := k.store.ActiveVersion
	key := k.keys[activeVersion]
	k.mu.RUnlock()

	ct, err := aesGCMEncrypt(key, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d:%s", activeVersion, base64.StdEncoding.EncodeToString(ct)), nil
}

// Decrypt decrypts versioned ciphertext produced by Encrypt.
func (k *LocalKMS) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	version, payload, err := parseVersioned(ciphertext)
	if err != nil {
		return "", err
	}

	k.mu.RLock()
	key, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("kms: unknown key version %d", version)
	}

	ct, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("kms: decode ciphertext: %w", err)
	}

	pt, err := aesGCMDecrypt(key, ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Rotate generates a new active key; old keys remain available to decrypt
// previously encrypted data.
func (k *LocalKMS) Rotate() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	newVersion := k.store.ActiveVersion + 1
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return 0, fmt.Errorf("kms: generate key: %w", err)
	}

	k.store.Keys[strconv.Itoa(newVersion)] = base64.StdEncoding.EncodeToString(key)
	k.store.ActiveVersion = newVersion
	k.keys[newVersion] = key

	if err := k.persist(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// ActiveVersion returns the current active key version.
func (k *LocalKMS) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.store.ActiveVersion
}

func (k *LocalKMS) persist() error {
	data, err := json.MarshalIndent(k.store, "", "  ")
	if err != nil {
		return fmt.Errorf("kms: marshal keystore: %w", err)
	}
	return os.WriteFile(k.path, data, 0600)
}

// signingKey derives a version's Ed25519 signing key from its stored key
// material via HKDF-SHA256 with a signing-specific info label, so the
// signing and encryption key spaces never overlap.
func (k *LocalKMS) signingKey(version int) (ed25519.PrivateKey, error) {
	k.mu.RLock()
	key, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kms: unknown key version %d", version)
	}
	r := hkdf.New(sha256.New, key, nil, []byte("governance-core/signing"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("kms: derive signing seed: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Sign signs digest with the active key version's signing key, returning
// the version used so verifiers can pick the matching public key.
func (k *LocalKMS) Sign(digest []byte) (int, []byte, error) {
	k.mu.RLock()
	version := k.store.ActiveVersion
	k.mu.RUnlock()

	priv, err := k.signingKey(version)
	if err != nil {
		return 0, nil, err
	}
	return version, ed25519.Sign(priv, digest), nil
}

// Verify checks sig over digest against a key version's signing key.
func (k *LocalKMS) Verify(version int, digest, sig []byte) (bool, error) {
	priv, err := k.signingKey(version)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(priv.Public().(ed25519.PublicKey), digest, sig), nil
}

// PublicKey returns the Ed25519 public key for a key version, e.g. to
// hand to pkg/manifest.Verify.
func (k *LocalKMS) PublicKey(version int) (ed25519.PublicKey, error) {
	priv, err := k.signingKey(version)
	if err != nil {
		return nil, err
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// EncryptInsecureFallback implements the explicitly-insecure XOR
// scheme. It derives a keystream from the active key via HKDF-SHA256
// and XORs it over the plaintext: no authentication, no confidentiality
// against a known-plaintext attacker. It errors instead of running
// unless allowInsecureFallback was set at construction time, so a
// production profile can never reach it.
func (k *LocalKMS) EncryptInsecureFallback(plaintext string) (string, error) {
	if !k.allowInsecureFallback {
		return "", errors.New("kms: insecure XOR fallback is disabled; this path must never run in production")
	}

	k.mu.RLock()
	key := k.keys[k.store.ActiveVersion]
	version := k.store.ActiveVersion
	k.mu.RUnlock()

	stream, err := deriveKeystream(key, len(plaintext))
	if err != nil {
		return "", err
	}

	ct := make([]byte, len(plaintext))
	for i := range ct {
		ct[i] = plaintext[i] ^ stream[i]
	}
	return fmt.Sprintf("x%d:%s", version, base64.StdEncoding.EncodeToString(ct)), nil
}

// deriveKeystream expands key into an n-byte keystream via HKDF-SHA256.
// The derivation does not make the XOR scheme secure: no nonce, fully
// deterministic, malleable ciphertext.
func deriveKeystream(key []byte, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, key, nil, []byte("governance-core/insecure-xor-fallback"))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("kms: derive keystream: %w", err)
	}
	return out, nil
}

func aesGCMEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("kms: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func aesGCMDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("kms: ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

func parseVersioned(s string) (int, string, error) {
	if !strings.HasPrefix(s, "v") {
		return 0, "", fmt.Errorf("kms: missing version prefix in %q", s)
	}
	idx := strings.Index(s, ":")
	if idx < 2 {
		return 0, "", fmt.Errorf("kms: malformed versioned string %q", s)
	}
	v, err := strconv.Atoi(s[1:idx])
	if err != nil {
		return 0, "", fmt.Errorf("kms: parse version: %w", err)
	}
	return v, s[idx+1:], nil
}

var _ Manager = (*LocalKMS)(nil)
