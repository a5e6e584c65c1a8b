// Package errors provides structured error handling with stable machine codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Challenge errors
	CodeChallengeNotFound        Code = "CHALLENGE_NOT_FOUND"
	CodeChallengeExpired         Code = "CHALLENGE_EXPIRED"
	CodeChallengeMismatch        Code = "CHALLENGE_MISMATCH"
	CodeChallengeAlreadyConsumed Code = "CHALLENGE_ALREADY_CONSUMED"

	// Codec errors
	CodeMalformedClientData  Code = "MALFORMED_CLIENT_DATA"
	CodeTruncatedData        Code = "TRUNCATED_DATA"
	CodeUnsupportedAlgorithm Code = "UNSUPPORTED_ALGORITHM"

	// Ceremony errors
	CodeTypeMismatch      Code = "TYPE_MISMATCH"
	CodeOriginRejected    Code = "ORIGIN_REJECTED"
	CodeRpMismatch        Code = "RP_MISMATCH"
	CodeNoCredentialData  Code = "NO_CREDENTIAL_DATA"
	CodeCredentialReused  Code = "CREDENTIAL_REUSED"
	CodeUnknownIdentity   Code = "UNKNOWN_IDENTITY"
	CodeUnknownCredential Code = "UNKNOWN_CREDENTIAL"
	CodeSignatureInvalid  Code = "SIGNATURE_INVALID"
	CodeCloneSuspected    Code = "CLONE_SUSPECTED"
	CodeUserNotPresent    Code = "USER_NOT_PRESENT"

	// Token errors
	CodeTokenMalformed        Code = "TOKEN_MALFORMED"
	CodeTokenSignatureInvalid Code = "TOKEN_SIGNATURE_INVALID"
	CodeTokenExpired          Code = "TOKEN_EXPIRED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeConflict Code = "CONFLICT"
)

// HTTPStatus maps the error code to the HTTP status the API surface reports.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnknownIdentity:
		return http.StatusNotFound
	case CodeTokenMalformed, CodeTokenSignatureInvalid, CodeTokenExpired:
		return http.StatusUnauthorized
	case CodeChallengeNotFound, CodeChallengeExpired, CodeChallengeMismatch,
		CodeChallengeAlreadyConsumed,
		CodeMalformedClientData, CodeTruncatedData, CodeUnsupportedAlgorithm,
		CodeTypeMismatch, CodeOriginRejected, CodeRpMismatch,
		CodeNoCredentialData, CodeCredentialReused, CodeUnknownCredential,
		CodeSignatureInvalid, CodeCloneSuspected, CodeUserNotPresent,
		CodeConflict, CodeNotFound:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
