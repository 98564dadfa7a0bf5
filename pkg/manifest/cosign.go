package manifest

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"

	"github.com/opencontainers/go-digest"

	"github.com/acgs-2/governance-core/pkg/contracts"
	"github.com/acgs-2/governance-core/pkg/governerr"
)

// CosignDigest computes an OCI-content-addressable digest over m's
// unsigned content, using the same algorithm (sha256) Cosign verifies
// image manifests with. This package does not itself talk to an OCI
// registry or the cosign CLI; it only produces a digest.Digest in the
// canonical `sha256:<hex>` form cosign expects so a bundle published to
// an OCI registry can be verified by either path.
func CosignDigest(m contracts.BundleManifest) (digest.Digest, error) {
	data, err := json.Marshal(m.DigestInput())
	if err != nil {
		return "", err
	}
	return digest.FromBytes(data), nil
}

// VerifyCosignSignature checks sigHex against the OCI manifest digest
// itself rather than the bundle's own canonical digest; both paths
// coexist. Callers obtain ociDigest from their OCI registry client and
// pass it here alongside the signature recorded on the manifest.
func VerifyCosignSignature(ociDigest digest.Digest, sigHex string, pub ed25519.PublicKey) error {
	if err := ociDigest.Validate(); err != nil {
		return governerr.Wrap(governerr.KindValidationFailed, "manifest: invalid oci digest", err)
	}
	raw, err := hex.DecodeString(sigHex)
	if err != nil {
		return governerr.Wrap(governerr.KindValidationFailed, "manifest: decode cosign signature", err)
	}
	if !ed25519.Verify(pub, []byte(ociDigest.String()), raw) {
		return governerr.New(governerr.KindValidationFailed, "manifest: cosign signature verification failed")
	}
	return nil
}
