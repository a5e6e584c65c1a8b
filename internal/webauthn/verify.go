package webauthn

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"math/big"

	apperrors "github.com/billvog/passkeys-example/internal/platform/errors"
)

// SignedData builds the payload an authenticator signs during an assertion:
// the raw authenticator data followed by the SHA-256 hash of the serialized
// client data.
func SignedData(authDataRaw, clientDataRaw []byte) []byte {
	hash := sha256.Sum256(clientDataRaw)
	out := make([]byte, 0, len(authDataRaw)+len(hash))
	out = append(out, authDataRaw...)
	return append(out, hash[:]...)
}

// Verifier checks an authenticator-produced signature over signed data.
// One implementation exists per supported algorithm, selected by the
// algorithm identifier recorded in the credential.
type Verifier interface {
	Algorithm() Algorithm
	Verify(signedData, signature []byte) error
}

// Verifier builds the signature verifier for this key.
func (k *PublicKey) Verifier() (Verifier, error) {
	switch k.Algorithm {
	case ES256:
		if k.Curve != coseCurveP256 || len(k.X) == 0 || len(k.Y) == 0 {
			return nil, apperrors.New(apperrors.CodeUnsupportedAlgorithm, "es256 key material is incomplete")
		}
		return &es256Verifier{
			key: &ecdsa.PublicKey{
				Curve: elliptic.P256(),
				X:     new(big.Int).SetBytes(k.X),
				Y:     new(big.Int).SetBytes(k.Y),
			},
		}, nil
	case RS256:
		if len(k.Modulus) == 0 || len(k.Exponent) == 0 {
			return nil, apperrors.New(apperrors.CodeUnsupportedAlgorithm, "rs256 key material is incomplete")
		}
		exponent := new(big.Int).SetBytes(k.Exponent)
		// Exponents above 2^31-1 would truncate when narrowed to int.
		if exponent.BitLen() > 31 {
			return nil, apperrors.New(apperrors.CodeUnsupportedAlgorithm, "rs256 exponent is out of range")
		}
		return &rs256Verifier{
			key: &rsa.PublicKey{
				N: new(big.Int).SetBytes(k.Modulus),
				E: int(exponent.Int64()),
			},
		}, nil
	default:
		return nil, apperrors.New(apperrors.CodeUnsupportedAlgorithm, "unsupported credential algorithm "+k.Algorithm.String())
	}
}

// es256Verifier verifies ASN.1 DER encoded ECDSA P-256 signatures.
type es256Verifier struct {
	key *ecdsa.PublicKey
}

func (v *es256Verifier) Algorithm() Algorithm {
	return ES256
}

func (v *es256Verifier) Verify(signedData, signature []byte) error {
	digest := sha256.Sum256(signedData)
	if !ecdsa.VerifyASN1(v.key, digest[:], signature) {
		return apperrors.New(apperrors.CodeSignatureInvalid, "es256 signature does not verify")
	}
	return nil
}

// rs256Verifier verifies RSASSA-PKCS1-v1_5 SHA-256 signatures.
type rs256Verifier struct {
	key *rsa.PublicKey
}

func (v *rs256Verifier) Algorithm() Algorithm {
	return RS256
}

func (v *rs256Verifier) Verify(signedData, signature []byte) error {
	digest := sha256.Sum256(signedData)
	if err := rsa.VerifyPKCS1v15(v.key, crypto.SHA256, digest[:], signature); err != nil {
		return apperrors.Wrap(apperrors.CodeSignatureInvalid, "rs256 signature does not verify", err)
	}
	return nil
}
