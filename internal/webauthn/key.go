package webauthn

import (
	"github.com/fxamacker/cbor/v2"

	apperrors "github.com/billvog/passkeys-example/internal/platform/errors"
)

// COSE key type identifiers.
//
// https://www.iana.org/assignments/cose/cose.xhtml#key-type
const (
	coseKeyTypeEC2 int64 = 2
	coseKeyTypeRSA int64 = 3
)

// coseCurveP256 is the COSE identifier for the NIST P-256 curve.
const coseCurveP256 int64 = 1

// PublicKey is a credential public key in a storage-friendly shape: the
// algorithm identifier plus the algorithm-specific key material.
type PublicKey struct {
	Algorithm Algorithm `json:"algorithm"`

	// EC2 material (ES256).
	Curve int64  `json:"curve,omitempty"`
	X     []byte `json:"x,omitempty"`
	Y     []byte `json:"y,omitempty"`

	// RSA material (RS256).
	Modulus  []byte `json:"modulus,omitempty"`
	Exponent []byte `json:"exponent,omitempty"`
}

type coseKeyHeader struct {
	KeyType   int64 `cbor:"1,keyasint"`
	Algorithm int64 `cbor:"3,keyasint"`
}

type coseEC2Key struct {
	KeyType   int64  `cbor:"1,keyasint"`
	Algorithm int64  `cbor:"3,keyasint"`
	Curve     int64  `cbor:"-1,keyasint"`
	X         []byte `cbor:"-2,keyasint"`
	Y         []byte `cbor:"-3,keyasint"`
}

type coseRSAKey struct {
	KeyType   int64  `cbor:"1,keyasint"`
	Algorithm int64  `cbor:"3,keyasint"`
	Modulus   []byte `cbor:"-1,keyasint"`
	Exponent  []byte `cbor:"-2,keyasint"`
}

// parseCOSEKey decodes a CBOR-encoded COSE_Key into a PublicKey.
//
// Only the advertised algorithms are accepted; anything else fails with
// UNSUPPORTED_ALGORITHM, including keys whose material does not match their
// declared algorithm.
func parseCOSEKey(data []byte) (*PublicKey, error) {
	var header coseKeyHeader
	if err := cbor.Unmarshal(data, &header); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTruncatedData, "credential public key is not valid cbor", err)
	}

	alg := Algorithm(header.Algorithm)
	if !alg.Supported() {
		return nil, apperrors.New(apperrors.CodeUnsupportedAlgorithm, "unsupported credential algorithm "+alg.String())
	}

	switch {
	case alg == ES256 && header.KeyType == coseKeyTypeEC2:
		var key coseEC2Key
		if err := cbor.Unmarshal(data, &key); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeTruncatedData, "ec2 key material is not valid cbor", err)
		}
		if key.Curve != coseCurveP256 {
			return nil, apperrors.New(apperrors.CodeUnsupportedAlgorithm, "unsupported ec2 curve")
		}
		if len(key.X) == 0 || len(key.Y) == 0 {
			return nil, apperrors.New(apperrors.CodeTruncatedData, "ec2 key is missing coordinates")
		}
		return &PublicKey{Algorithm: ES256, Curve: key.Curve, X: key.X, Y: key.Y}, nil

	case alg == RS256 && header.KeyType == coseKeyTypeRSA:
		var key coseRSAKey
		if err := cbor.Unmarshal(data, &key); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeTruncatedData, "rsa key material is not valid cbor", err)
		}
		if len(key.Modulus) == 0 || len(key.Exponent) == 0 {
			return nil, apperrors.New(apperrors.CodeTruncatedData, "rsa key is missing modulus or exponent")
		}
		return &PublicKey{Algorithm: RS256, Modulus: key.Modulus, Exponent: key.Exponent}, nil

	default:
		return nil, apperrors.New(apperrors.CodeUnsupportedAlgorithm, "key type does not match algorithm")
	}
}

// marshalCOSEKey encodes a PublicKey back into CBOR COSE_Key form. It is the
// inverse of parseCOSEKey and exists so authenticator data can round-trip.
func marshalCOSEKey(key *PublicKey) ([]byte, error) {
	switch key.Algorithm {
	case ES256:
		return cbor.Marshal(coseEC2Key{
			KeyType:   coseKeyTypeEC2,
			Algorithm: int64(ES256),
			Curve:     key.Curve,
			X:         key.X,
			Y:         key.Y,
		})
	case RS256:
		return cbor.Marshal(coseRSAKey{
			KeyType:   coseKeyTypeRSA,
			Algorithm: int64(RS256),
			Modulus:   key.Modulus,
			Exponent:  key.Exponent,
		})
	default:
		return nil, apperrors.New(apperrors.CodeUnsupportedAlgorithm, "unsupported credential algorithm "+key.Algorithm.String())
	}
}
