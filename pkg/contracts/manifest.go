package contracts

import "time"

// Signature is one signer's attestation over a BundleManifest digest.
type Signature struct {
	KeyID     string    `json:"keyid"`
	Sig       string    `json:"sig"` // hex-encoded
	Alg       string    `json:"alg"`
	Timestamp time.Time `json:"ts"`
}

// BundleManifest describes a signed, content-addressed policy bundle.
type BundleManifest struct {
	Version            string            `json:"version"` // semver
	Revision           string            `json:"revision"` // 40-char git SHA
	ConstitutionalHash string            `json:"constitutional_hash"`
	Timestamp          time.Time         `json:"timestamp"`
	Roots              []string          `json:"roots"`
	Signatures         []Signature       `json:"signatures"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// unsignedManifest is BundleManifest minus Signatures, used to compute
// the digest that signatures attest to; the signature list itself never
// contributes to the digest.
type unsignedManifest struct {
	Version            string            `json:"version"`
	Revision           string            `json:"revision"`
	ConstitutionalHash string            `json:"constitutional_hash"`
	Timestamp          time.Time         `json:"timestamp"`
	Roots              []string          `json:"roots"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// DigestInput returns the manifest content the signature digest is
// computed over.
func (m BundleManifest) DigestInput() any {
	return unsignedManifest{
		Version:            m.Version,
		Revision:           m.Revision,
		ConstitutionalHash: m.ConstitutionalHash,
		Timestamp:          m.Timestamp,
		Roots:              m.Roots,
		Metadata:           m.Metadata,
	}
}
