package webauthn

import (
	"bytes"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"

	apperrors "github.com/billvog/passkeys-example/internal/platform/errors"
)

// Flags is the authenticator data flags byte.
//
// https://www.w3.org/TR/webauthn-3/#authdata-flags
type Flags byte

// UserPresent reports a successful user presence test (bit 0).
func (f Flags) UserPresent() bool {
	return byte(f)&(1<<0) != 0
}

// UserVerified reports additional user authorization, such as a biometric
// check or PIN entry (bit 2).
func (f Flags) UserVerified() bool {
	return byte(f)&(1<<2) != 0
}

// AttestedCredentialData reports whether the variable attested-credential-data
// section follows the counter (bit 6).
func (f Flags) AttestedCredentialData() bool {
	return byte(f)&(1<<6) != 0
}

// Extensions reports trailing extension data (bit 7).
func (f Flags) Extensions() bool {
	return byte(f)&(1<<7) != 0
}

// AuthenticatorData is the parsed fixed-then-variable authenticator data
// layout: 32 bytes RP ID hash, 1 flags byte, 4 bytes big-endian signature
// counter, and, when flagged, the attested credential data section.
//
// Raw keeps the exact input bytes because assertion signatures cover them.
type AuthenticatorData struct {
	Raw      []byte
	RPIDHash []byte
	Flags    Flags
	Counter  uint32

	// Attested credential data, present only when Flags.AttestedCredentialData.
	AAGUID       []byte
	CredentialID []byte
	PublicKey    *PublicKey
}

const (
	authDataMinLength    = 32 + 1 + 4
	authDataAAGUIDLength = 16
)

// ParseAuthenticatorData decodes the binary authenticator data layout.
// Any declared length that exceeds the remaining bytes fails with
// TRUNCATED_DATA.
func ParseAuthenticatorData(raw []byte) (*AuthenticatorData, error) {
	if len(raw) < authDataMinLength {
		return nil, apperrors.New(apperrors.CodeTruncatedData, "authenticator data is shorter than the fixed header")
	}

	data := &AuthenticatorData{
		Raw:      raw,
		RPIDHash: raw[:32],
		Flags:    Flags(raw[32]),
		Counter:  binary.BigEndian.Uint32(raw[33:37]),
	}

	rest := raw[authDataMinLength:]
	if !data.Flags.AttestedCredentialData() {
		return data, nil
	}

	if len(rest) < authDataAAGUIDLength+2 {
		return nil, apperrors.New(apperrors.CodeTruncatedData, "attested credential data is truncated")
	}
	data.AAGUID = rest[:authDataAAGUIDLength]
	rest = rest[authDataAAGUIDLength:]

	credIDLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < credIDLen {
		return nil, apperrors.New(apperrors.CodeTruncatedData, "credential id length exceeds remaining bytes")
	}
	data.CredentialID = rest[:credIDLen]
	rest = rest[credIDLen:]

	// The COSE key is a single CBOR value; extension data may follow it.
	decoder := cbor.NewDecoder(bytes.NewReader(rest))
	var keyRaw cbor.RawMessage
	if err := decoder.Decode(&keyRaw); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTruncatedData, "credential public key is truncated", err)
	}
	key, err := parseCOSEKey(keyRaw)
	if err != nil {
		return nil, err
	}
	data.PublicKey = key

	return data, nil
}

// Marshal encodes the structure back into the wire layout. It is used to
// build byte-sequence fixtures and must round-trip with
// ParseAuthenticatorData.
func (a *AuthenticatorData) Marshal() ([]byte, error) {
	if len(a.RPIDHash) != 32 {
		return nil, apperrors.New(apperrors.CodeTruncatedData, "rp id hash must be 32 bytes")
	}

	var buf bytes.Buffer
	buf.Write(a.RPIDHash)
	buf.WriteByte(byte(a.Flags))

	var counter [4]byte
	binary.BigEndian.PutUint32(counter[:], a.Counter)
	buf.Write(counter[:])

	if a.Flags.AttestedCredentialData() {
		aaguid := a.AAGUID
		if len(aaguid) == 0 {
			aaguid = make([]byte, authDataAAGUIDLength)
		}
		if len(aaguid) != authDataAAGUIDLength {
			return nil, apperrors.New(apperrors.CodeTruncatedData, "aaguid must be 16 bytes")
		}
		buf.Write(aaguid)

		var credIDLen [2]byte
		binary.BigEndian.PutUint16(credIDLen[:], uint16(len(a.CredentialID)))
		buf.Write(credIDLen[:])
		buf.Write(a.CredentialID)

		if a.PublicKey == nil {
			return nil, apperrors.New(apperrors.CodeNoCredentialData, "attested credential data requires a public key")
		}
		keyBytes, err := marshalCOSEKey(a.PublicKey)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
	}

	return buf.Bytes(), nil
}
