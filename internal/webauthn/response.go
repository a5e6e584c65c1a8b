package webauthn

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"

	apperrors "github.com/billvog/passkeys-example/internal/platform/errors"
)

// urlEncodedData unmarshals base64url JSON strings (padded or not) into raw
// bytes, the encoding browsers use for every binary field in a credential
// response.
type urlEncodedData []byte

func (d *urlEncodedData) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	decoded, err := decodeBase64URL(s)
	if err != nil {
		return err
	}
	*d = decoded
	return nil
}

// RegistrationResponse is the decoded result of a credential creation: the
// parsed client data and authenticator data plus the attestation statement,
// which is carried opaquely (trust-chain validation is out of scope).
type RegistrationResponse struct {
	RawID                []byte
	ClientData           *ClientData
	AuthData             *AuthenticatorData
	AttestationFormat    string
	AttestationStatement cbor.RawMessage
	Transports           []string
}

// AssertionResponse is the decoded result of a credential assertion.
type AssertionResponse struct {
	RawID      []byte
	ClientData *ClientData
	AuthData   *AuthenticatorData
	Signature  []byte
	UserHandle []byte
}

type registrationEnvelope struct {
	ID       string         `json:"id"`
	RawID    urlEncodedData `json:"rawId"`
	Type     string         `json:"type"`
	Response struct {
		AttestationObject urlEncodedData `json:"attestationObject"`
		ClientDataJSON    urlEncodedData `json:"clientDataJSON"`
		Transports        []string       `json:"transports"`
	} `json:"response"`
}

type assertionEnvelope struct {
	ID       string         `json:"id"`
	RawID    urlEncodedData `json:"rawId"`
	Type     string         `json:"type"`
	Response struct {
		AuthenticatorData urlEncodedData `json:"authenticatorData"`
		ClientDataJSON    urlEncodedData `json:"clientDataJSON"`
		Signature         urlEncodedData `json:"signature"`
		UserHandle        urlEncodedData `json:"userHandle"`
	} `json:"response"`
}

type attestationObject struct {
	Format    string          `cbor:"fmt"`
	Statement cbor.RawMessage `cbor:"attStmt"`
	AuthData  []byte          `cbor:"authData"`
}

// ParseRegistrationResponse decodes the JSON envelope a browser produces from
// navigator.credentials.create, including the CBOR attestation object inside
// it.
func ParseRegistrationResponse(data []byte) (*RegistrationResponse, error) {
	var envelope registrationEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeMalformedClientData, "registration response is not valid json", err)
	}
	if len(envelope.Response.ClientDataJSON) == 0 {
		return nil, apperrors.New(apperrors.CodeMalformedClientData, "registration response is missing client data")
	}
	clientData, err := ParseClientData(envelope.Response.ClientDataJSON)
	if err != nil {
		return nil, err
	}

	var attObj attestationObject
	if err := cbor.Unmarshal(envelope.Response.AttestationObject, &attObj); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTruncatedData, "attestation object is not valid cbor", err)
	}
	if len(attObj.AuthData) == 0 {
		return nil, apperrors.New(apperrors.CodeTruncatedData, "attestation object has no authenticator data")
	}
	authData, err := ParseAuthenticatorData(attObj.AuthData)
	if err != nil {
		return nil, err
	}

	return &RegistrationResponse{
		RawID:                envelope.RawID,
		ClientData:           clientData,
		AuthData:             authData,
		AttestationFormat:    attObj.Format,
		AttestationStatement: attObj.Statement,
		Transports:           envelope.Response.Transports,
	}, nil
}

// ParseAssertionResponse decodes the JSON envelope a browser produces from
// navigator.credentials.get.
func ParseAssertionResponse(data []byte) (*AssertionResponse, error) {
	var envelope assertionEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeMalformedClientData, "assertion response is not valid json", err)
	}
	if len(envelope.Response.ClientDataJSON) == 0 {
		return nil, apperrors.New(apperrors.CodeMalformedClientData, "assertion response is missing client data")
	}
	clientData, err := ParseClientData(envelope.Response.ClientDataJSON)
	if err != nil {
		return nil, err
	}
	authData, err := ParseAuthenticatorData(envelope.Response.AuthenticatorData)
	if err != nil {
		return nil, err
	}
	if len(envelope.Response.Signature) == 0 {
		return nil, apperrors.New(apperrors.CodeTruncatedData, "assertion response has no signature")
	}

	return &AssertionResponse{
		RawID:      envelope.RawID,
		ClientData: clientData,
		AuthData:   authData,
		Signature:  envelope.Response.Signature,
		UserHandle: envelope.Response.UserHandle,
	}, nil
}

// SignedData returns the bytes the authenticator signed for this assertion:
// the raw authenticator data concatenated with the SHA-256 hash of the
// serialized client data.
func (a *AssertionResponse) SignedData() []byte {
	return SignedData(a.AuthData.Raw, a.ClientData.Raw)
}
