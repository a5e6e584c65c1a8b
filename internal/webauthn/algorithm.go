package webauthn

import "fmt"

// Algorithm is a COSE algorithm identifier.
//
// https://www.iana.org/assignments/cose/cose.xhtml#algorithms
type Algorithm int64

// The algorithms this relying party advertises and accepts.
const (
	ES256 Algorithm = -7   // ECDSA over P-256 with SHA-256
	RS256 Algorithm = -257 // RSASSA-PKCS1-v1_5 with SHA-256
)

// SupportedAlgorithms lists accepted algorithms in preference order.
func SupportedAlgorithms() []Algorithm {
	return []Algorithm{ES256, RS256}
}

// Supported reports whether the algorithm is accepted by this relying party.
func (a Algorithm) Supported() bool {
	switch a {
	case ES256, RS256:
		return true
	default:
		return false
	}
}

// String returns a human readable representation of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case ES256:
		return "ES256"
	case RS256:
		return "RS256"
	default:
		return fmt.Sprintf("Algorithm(%d)", int64(a))
	}
}
