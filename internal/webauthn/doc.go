// Package webauthn decodes and verifies the payloads produced by WebAuthn
// authenticators: collected client data, the binary authenticator data layout,
// COSE public keys, and per-algorithm signature verification.
//
// The package is a pure codec. It never consults challenge or credential
// storage; cross-checking decoded values against server state is the job of
// the ceremony orchestrators.
package webauthn
