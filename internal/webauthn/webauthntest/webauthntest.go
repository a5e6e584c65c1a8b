// Package webauthntest builds authenticator response fixtures for tests.
//
// It plays the client side of a ceremony: it holds a private key, emits the
// JSON envelopes a browser would produce, and signs assertions the way an
// authenticator does. Fields can be overridden between calls to produce
// tampered responses.
package webauthntest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/billvog/passkeys-example/internal/webauthn"
)

// Authenticator is a scriptable fake authenticator bound to one credential.
type Authenticator struct {
	RPID   string
	Origin string

	CredentialID []byte
	AAGUID       []byte
	Counter      uint32

	// ClientDataType overrides the type literal when non-empty.
	ClientDataType string

	privateKey *ecdsa.PrivateKey
}

// New creates an authenticator holding a fresh ES256 credential.
func New(t testing.TB, rpID, origin string) *Authenticator {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate authenticator key: %v", err)
	}
	credentialID := make([]byte, 20)
	if _, err := rand.Read(credentialID); err != nil {
		t.Fatalf("generate credential id: %v", err)
	}
	return &Authenticator{
		RPID:         rpID,
		Origin:       origin,
		CredentialID: credentialID,
		AAGUID:       bytes.Repeat([]byte{0x0F}, 16),
		privateKey:   priv,
	}
}

// PublicKey returns the credential public key in storage shape.
func (a *Authenticator) PublicKey() *webauthn.PublicKey {
	return &webauthn.PublicKey{
		Algorithm: webauthn.ES256,
		Curve:     1,
		X:         a.privateKey.PublicKey.X.Bytes(),
		Y:         a.privateKey.PublicKey.Y.Bytes(),
	}
}

// CredentialIDBase64 returns the credential ID the way it travels on the wire.
func (a *Authenticator) CredentialIDBase64() string {
	return base64.RawURLEncoding.EncodeToString(a.CredentialID)
}

func (a *Authenticator) clientDataJSON(t testing.TB, defaultType string, challenge []byte) []byte {
	t.Helper()
	dataType := defaultType
	if a.ClientDataType != "" {
		dataType = a.ClientDataType
	}
	raw, err := json.Marshal(map[string]any{
		"type":        dataType,
		"challenge":   base64.RawURLEncoding.EncodeToString(challenge),
		"origin":      a.Origin,
		"crossOrigin": false,
	})
	if err != nil {
		t.Fatalf("marshal client data: %v", err)
	}
	return raw
}

func (a *Authenticator) authData(t testing.TB, attested bool) []byte {
	t.Helper()
	rpIDHash := sha256.Sum256([]byte(a.RPID))
	data := &webauthn.AuthenticatorData{
		RPIDHash: rpIDHash[:],
		Flags:    webauthn.Flags(1 << 0), // user present
		Counter:  a.Counter,
	}
	if attested {
		data.Flags |= webauthn.Flags(1 << 6)
		data.AAGUID = a.AAGUID
		data.CredentialID = a.CredentialID
		data.PublicKey = a.PublicKey()
	}
	raw, err := data.Marshal()
	if err != nil {
		t.Fatalf("marshal authenticator data: %v", err)
	}
	return raw
}

// RegistrationResponse produces the JSON envelope for a credential creation
// over the given challenge, with a "none" attestation statement.
func (a *Authenticator) RegistrationResponse(t testing.TB, challenge []byte) []byte {
	t.Helper()
	authData := a.authData(t, true)
	attObj, err := cbor.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": authData,
	})
	if err != nil {
		t.Fatalf("marshal attestation object: %v", err)
	}

	envelope := map[string]any{
		"id":    a.CredentialIDBase64(),
		"rawId": a.CredentialIDBase64(),
		"type":  "public-key",
		"response": map[string]any{
			"attestationObject": base64.RawURLEncoding.EncodeToString(attObj),
			"clientDataJSON":    base64.RawURLEncoding.EncodeToString(a.clientDataJSON(t, webauthn.ClientDataTypeCreate, challenge)),
			"transports":        []string{"internal"},
		},
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal registration envelope: %v", err)
	}
	return raw
}

// AssertionResponse produces the JSON envelope for a login assertion over the
// given challenge. The counter is incremented first, mirroring a real
// authenticator that counts signatures.
func (a *Authenticator) AssertionResponse(t testing.TB, challenge []byte) []byte {
	t.Helper()
	a.Counter++
	return a.assertionResponseAtCounter(t, challenge)
}

// ReplayAssertionResponse produces an assertion without advancing the
// counter, the signal a cloned authenticator gives off.
func (a *Authenticator) ReplayAssertionResponse(t testing.TB, challenge []byte) []byte {
	t.Helper()
	return a.assertionResponseAtCounter(t, challenge)
}

func (a *Authenticator) assertionResponseAtCounter(t testing.TB, challenge []byte) []byte {
	t.Helper()
	authData := a.authData(t, false)
	clientData := a.clientDataJSON(t, webauthn.ClientDataTypeGet, challenge)

	digest := sha256.Sum256(webauthn.SignedData(authData, clientData))
	signature, err := ecdsa.SignASN1(rand.Reader, a.privateKey, digest[:])
	if err != nil {
		t.Fatalf("sign assertion: %v", err)
	}

	envelope := map[string]any{
		"id":    a.CredentialIDBase64(),
		"rawId": a.CredentialIDBase64(),
		"type":  "public-key",
		"response": map[string]any{
			"authenticatorData": base64.RawURLEncoding.EncodeToString(authData),
			"clientDataJSON":    base64.RawURLEncoding.EncodeToString(clientData),
			"signature":         base64.RawURLEncoding.EncodeToString(signature),
			"userHandle":        base64.RawURLEncoding.EncodeToString([]byte{}),
		},
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal assertion envelope: %v", err)
	}
	return raw
}
