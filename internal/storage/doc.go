// Package storage defines the persistence contracts for identities and
// passkey credentials. Implementations live in subpackages.
package storage
