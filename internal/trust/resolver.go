// Package trust decides, per connection attempt, whether TLS is required,
// which certificate fingerprint must match, and whether trust-on-first-use
// pinning is allowed.
package trust

import "github.com/roostd/roost/internal/discovery"

// TLSParams is the trust decision for one connect attempt. It is derived
// fresh every time and never persisted; only the pinned fingerprint itself is
// stored, keyed by the endpoint's stable id.
type TLSParams struct {
	Required            bool
	ExpectedFingerprint string // sha256 hex; "" means no exact-match requirement
	AllowTOFU           bool
	StableID            string
}

// Resolve computes the TLS trust parameters for endpoint given the
// fingerprint previously pinned for its stable id ("" if none). A nil result
// means plaintext.
//
// TOFU is only permitted the first time a stable id is seen. Once a
// fingerprint is pinned the decision fails closed: a later connection must
// match it exactly even if the endpoint stops advertising TLS hints, so a
// compromised discovery responder cannot downgrade or substitute a
// certificate for a gateway the user already trusted.
func Resolve(endpoint discovery.Endpoint, storedFingerprint string) *TLSParams {
	if endpoint.Manual {
		if !endpoint.TLSEnabled {
			return nil
		}
		return pinOrTOFU(endpoint.StableID, "", storedFingerprint)
	}

	if endpoint.TLSEnabled || endpoint.TLSFingerprintHint != "" {
		return pinOrTOFU(endpoint.StableID, endpoint.TLSFingerprintHint, storedFingerprint)
	}

	// No hint, but this gateway was trusted before: require TLS and the
	// pinned fingerprint rather than silently accepting a downgrade.
	if storedFingerprint != "" {
		return &TLSParams{
			Required:            true,
			ExpectedFingerprint: storedFingerprint,
			AllowTOFU:           false,
			StableID:            endpoint.StableID,
		}
	}

	return nil
}

// pinOrTOFU requires TLS. The advertised hint seeds the expectation only
// until a fingerprint has been pinned; after that the pin is authoritative
// and a responder advertising a different hint cannot displace it. TOFU is
// permitted only when neither exists.
func pinOrTOFU(stableID, hint, stored string) *TLSParams {
	expected := stored
	if expected == "" {
		expected = hint
	}
	return &TLSParams{
		Required:            true,
		ExpectedFingerprint: expected,
		AllowTOFU:           expected == "",
		StableID:            stableID,
	}
}
