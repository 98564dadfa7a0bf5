package contracts

import "github.com/acgs-2/governance-core/pkg/governerr"

// ConstitutionalHash is the fixed reference constant. It is
// duplicated from pkg/config here (rather than imported) to keep contracts
// free of a dependency on config — both must agree, enforced by a test.
const ConstitutionalHash = "cdd01ef066bc6cf2"

// CheckConstitutionalHash fails closed when hash does not match
// the fixed reference constant.
func CheckConstitutionalHash(hash string) error {
	if hash != ConstitutionalHash {
		return governerr.New(governerr.KindConstitutionalViolation,
			"constitutional hash mismatch: got "+hash)
	}
	return nil
}
