package webauthn

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	apperrors "github.com/billvog/passkeys-example/internal/platform/errors"
)

func TestES256VerifierAcceptsValidSignature(t *testing.T) {
	priv, key := newES256Key(t)
	verifier, err := key.Verifier()
	if err != nil {
		t.Fatalf("build verifier: %v", err)
	}
	if verifier.Algorithm() != ES256 {
		t.Fatalf("Algorithm = %v, want ES256", verifier.Algorithm())
	}

	signed := []byte("authenticator-data-and-client-data-hash")
	digest := sha256.Sum256(signed)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := verifier.Verify(signed, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestES256VerifierRejectsTamperedData(t *testing.T) {
	priv, key := newES256Key(t)
	verifier, err := key.Verifier()
	if err != nil {
		t.Fatalf("build verifier: %v", err)
	}

	signed := []byte("original payload")
	digest := sha256.Sum256(signed)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	err = verifier.Verify([]byte("tampered payload"), sig)
	if apperrors.CodeOf(err) != apperrors.CodeSignatureInvalid {
		t.Fatalf("err = %v, want SIGNATURE_INVALID", err)
	}
}

func TestRS256VerifierRoundTrip(t *testing.T) {
	priv, key := newRS256Key(t)
	verifier, err := key.Verifier()
	if err != nil {
		t.Fatalf("build verifier: %v", err)
	}
	if verifier.Algorithm() != RS256 {
		t.Fatalf("Algorithm = %v, want RS256", verifier.Algorithm())
	}

	signed := []byte("rsa signed payload")
	digest := sha256.Sum256(signed)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := verifier.Verify(signed, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	err = verifier.Verify(signed, append([]byte{0x00}, sig...))
	if apperrors.CodeOf(err) != apperrors.CodeSignatureInvalid {
		t.Fatalf("err = %v, want SIGNATURE_INVALID", err)
	}
}

func TestVerifierUnsupportedAlgorithm(t *testing.T) {
	key := &PublicKey{Algorithm: Algorithm(-8)}
	_, err := key.Verifier()
	if apperrors.CodeOf(err) != apperrors.CodeUnsupportedAlgorithm {
		t.Fatalf("err = %v, want UNSUPPORTED_ALGORITHM", err)
	}
}

func TestVerifierRejectsOversizedExponent(t *testing.T) {
	key := &PublicKey{
		Algorithm: RS256,
		Modulus:   make([]byte, 256),
		Exponent:  []byte{0x01, 0x00, 0x00, 0x00, 0x01},
	}
	_, err := key.Verifier()
	if got := apperrors.CodeOf(err); got != apperrors.CodeUnsupportedAlgorithm {
		t.Fatalf("Verifier() code = %v, want %v", got, apperrors.CodeUnsupportedAlgorithm)
	}
}

func TestVerifierIncompleteKeyMaterial(t *testing.T) {
	key := &PublicKey{Algorithm: ES256, Curve: coseCurveP256}
	if _, err := key.Verifier(); err == nil {
		t.Fatal("expected error for missing coordinates")
	}
	key = &PublicKey{Algorithm: RS256}
	if _, err := key.Verifier(); err == nil {
		t.Fatal("expected error for missing modulus")
	}
}

func TestSignedDataLayout(t *testing.T) {
	authData := []byte("auth-data")
	clientData := []byte(`{"type":"webauthn.get"}`)
	got := SignedData(authData, clientData)

	hash := sha256.Sum256(clientData)
	if len(got) != len(authData)+len(hash) {
		t.Fatalf("len = %d, want %d", len(got), len(authData)+len(hash))
	}
	if string(got[:len(authData)]) != string(authData) {
		t.Fatal("signed data must start with raw authenticator data")
	}
}
