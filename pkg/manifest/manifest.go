// Package manifest implements signed policy bundle manifests:
// schema-validated, semver-versioned bundle manifests
// signed with Ed25519 over a canonical digest that excludes the
// signatures themselves, plus a Cosign-compatible digest variant for
// interop with OCI-registry-based distribution.
//
// Schema validation happens at the trust boundary, before any manifest
// is signed or accepted.
package manifest

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/acgs-2/governance-core/pkg/canonical"
	"github.com/acgs-2/governance-core/pkg/contracts"
	"github.com/acgs-2/governance-core/pkg/governerr"
)

// schemaDoc is the JSON Schema a BundleManifest must validate against
// before it is ever signed.
const schemaDoc = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "revision", "constitutional_hash", "timestamp", "roots"],
  "properties": {
    "version": {"type": "string"},
    "revision": {"type": "string", "minLength": 40, "maxLength": 40},
    "constitutional_hash": {"type": "string", "const": "cdd01ef066bc6cf2"},
    "timestamp": {"type": "string"},
    "roots": {"type": "array", "items": {"type": "string"}, "minItems": 1}
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("bundle_manifest.json", strings.NewReader(schemaDoc)); err != nil {
		panic("manifest: invalid embedded schema: " + err.Error())
	}
	s, err := c.Compile("bundle_manifest.json")
	if err != nil {
		panic("manifest: compile embedded schema: " + err.Error())
	}
	return s
}

// ValidateSchema checks m's wire-shape against the bundle manifest
// schema. It operates on the JSON-decoded form so nested types
// surface as plain maps the way jsonschema expects.
func ValidateSchema(m contracts.BundleManifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("manifest: marshal for validation: %w", err)
	}
	var asAny any
	if err := json.Unmarshal(data, &asAny); err != nil {
		return fmt.Errorf("manifest: unmarshal for validation: %w", err)
	}
	if err := compiledSchema.Validate(asAny); err != nil {
		return governerr.Wrap(governerr.KindValidationFailed, "manifest: schema validation failed", err)
	}
	return nil
}

// ValidateVersion parses m.Version as semver using Masterminds/semver/v3.
func ValidateVersion(m contracts.BundleManifest) (*semver.Version, error) {
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil, governerr.Wrap(governerr.KindValidationFailed, "manifest: invalid semver version "+m.Version, err)
	}
	return v, nil
}

// Digest computes the canonical SHA-256 digest a signature attests to —
// everything in m except its own Signatures field.
func Digest(m contracts.BundleManifest) (string, error) {
	return canonical.Hash(m.DigestInput())
}

// Signer produces Ed25519 signatures over bundle manifest digests.
type Signer struct {
	keyID      string
	privateKey ed25519.PrivateKey
}

// NewSigner wraps an Ed25519 private key under a caller-assigned key ID
// (typically the active KMS key version).
func NewSigner(keyID string, privateKey ed25519.PrivateKey) *Signer {
	return &Signer{keyID: keyID, privateKey: privateKey}
}

// Sign validates m (schema + semver), computes its digest, and appends a
// new Ed25519 signature, returning the updated manifest.
func Sign(signer *Signer, m contracts.BundleManifest, now time.Time) (contracts.BundleManifest, error) {
	if err := ValidateSchema(m); err != nil {
		return m, err
	}
	if _, err := ValidateVersion(m); err != nil {
		return m, err
	}

	digestHex, err := Digest(m)
	if err != nil {
		return m, err
	}

	sig := ed25519.Sign(signer.privateKey, []byte(digestHex))
	m.Signatures = append(m.Signatures, contracts.Signature{
		KeyID:     signer.keyID,
		Sig:       hex.EncodeToString(sig),
		Alg:       "ed25519",
		Timestamp: now,
	})
	return m, nil
}

// Verify accepts m if at least one of its listed Ed25519 signatures
// validates against a key in keysByID — not all of them, since a
// manifest may carry signatures from signers the caller doesn't hold
// keys for. keysByID maps a Signature.KeyID to its Ed25519 public key.
func Verify(m contracts.BundleManifest, keysByID map[string]ed25519.PublicKey) error {
	if len(m.Signatures) == 0 {
		return governerr.New(governerr.KindValidationFailed, "manifest: no signatures present")
	}

	digestHex, err := Digest(m)
	if err != nil {
		return err
	}

	for _, sig := range m.Signatures {
		pub, ok := keysByID[sig.KeyID]
		if !ok {
			continue
		}
		raw, err := hex.DecodeString(sig.Sig)
		if err != nil {
			continue
		}
		if ed25519.Verify(pub, []byte(digestHex), raw) {
			return nil
		}
	}
	return governerr.New(governerr.KindValidationFailed, "manifest: no signature validated against a known key")
}

