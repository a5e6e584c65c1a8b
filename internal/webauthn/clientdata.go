package webauthn

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"strings"

	apperrors "github.com/billvog/passkeys-example/internal/platform/errors"
)

// Client data type literals bound into the signed payload by the browser.
//
// https://www.w3.org/TR/webauthn-3/#dictionary-client-data
const (
	ClientDataTypeCreate = "webauthn.create"
	ClientDataTypeGet    = "webauthn.get"
)

// ClientData is the parsed collected client data from an authenticator
// response. Raw keeps the exact serialized bytes because the assertion
// signature covers their SHA-256 hash.
type ClientData struct {
	Type        string
	Challenge   []byte
	Origin      string
	CrossOrigin bool
	Raw         []byte
}

type clientDataJSON struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin bool   `json:"crossOrigin"`
}

// ParseClientData decodes serialized collected client data.
func ParseClientData(raw []byte) (*ClientData, error) {
	var decoded clientDataJSON
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeMalformedClientData, "client data is not valid json", err)
	}
	if decoded.Type == "" {
		return nil, apperrors.New(apperrors.CodeMalformedClientData, "client data type is missing")
	}
	challenge, err := decodeBase64URL(decoded.Challenge)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeMalformedClientData, "client data challenge is not base64url", err)
	}
	return &ClientData{
		Type:        decoded.Type,
		Challenge:   challenge,
		Origin:      decoded.Origin,
		CrossOrigin: decoded.CrossOrigin,
		Raw:         raw,
	}, nil
}

// ChallengeEquals compares the embedded challenge against expected bytes in
// constant time.
func (c *ClientData) ChallengeEquals(expected []byte) bool {
	return subtle.ConstantTimeCompare(c.Challenge, expected) == 1
}

// decodeBase64URL accepts both padded and unpadded base64url values; browsers
// and authenticator shims disagree on padding.
func decodeBase64URL(value string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
}
