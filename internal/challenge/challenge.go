// Package challenge issues and consumes the single-use random challenges that
// anchor WebAuthn ceremonies against replay.
package challenge

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/billvog/passkeys-example/internal/platform/errors"
)

// Purpose distinguishes the ceremony a challenge was issued for.
type Purpose string

const (
	PurposeRegistration Purpose = "registration"
	PurposeLogin        Purpose = "login"
)

// DefaultTTL bounds how long an unconsumed challenge stays valid.
const DefaultTTL = 5 * time.Minute

// challengeSize is the number of random bytes per challenge. The WebAuthn
// spec wants at least 16; 32 keeps a comfortable margin.
const challengeSize = 32

// Challenge is one issued challenge with its lifecycle state.
type Challenge struct {
	Value     []byte
	Owner     string
	Purpose   Purpose
	IssuedAt  time.Time
	ExpiresAt time.Time
	Consumed  bool
}

type storeKey struct {
	owner   string
	purpose Purpose
}

// Store keeps challenges in memory keyed by (identity, purpose). Issuing a
// new challenge for a pair replaces any prior one, so at most one challenge
// per pair is ever live. All operations are safe for concurrent use;
// Consume is atomic per key so racing finishes settle to exactly one winner.
type Store struct {
	mu      sync.Mutex
	entries map[storeKey]*Challenge

	ttl time.Duration
	now func() time.Time
}

// NewStore creates a challenge store. A non-positive ttl falls back to
// DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		entries: make(map[storeKey]*Challenge),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Issue generates a fresh random challenge for the identity and purpose,
// replacing any previously issued one for the same pair.
func (s *Store) Issue(identity string, purpose Purpose) (Challenge, error) {
	value := make([]byte, challengeSize)
	if _, err := rand.Read(value); err != nil {
		return Challenge{}, fmt.Errorf("generate challenge: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	issued := s.now().UTC()
	// Evict entries past their TTL so the map only holds live challenges.
	// Consumed entries stay until they expire, keeping replay attempts
	// distinguishable from never-issued challenges.
	for key, existing := range s.entries {
		if issued.After(existing.ExpiresAt) {
			delete(s.entries, key)
		}
	}

	entry := &Challenge{
		Value:     value,
		Owner:     identity,
		Purpose:   purpose,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(s.ttl),
	}
	s.entries[storeKey{owner: identity, purpose: purpose}] = entry
	return *entry, nil
}

// Consume looks up the stored challenge for the identity and purpose,
// compares the provided bytes, and marks it consumed. Consumption is final:
// once a challenge is consumed it can never succeed again, even when the
// ceremony that consumed it fails later for unrelated reasons.
func (s *Store) Consume(identity string, purpose Purpose, provided []byte) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[storeKey{owner: identity, purpose: purpose}]
	if !ok {
		return Challenge{}, apperrors.New(apperrors.CodeChallengeNotFound, "no challenge issued for identity")
	}
	if s.now().UTC().After(entry.ExpiresAt) {
		return Challenge{}, apperrors.New(apperrors.CodeChallengeExpired, "challenge is expired")
	}
	if subtle.ConstantTimeCompare(entry.Value, provided) != 1 {
		return Challenge{}, apperrors.New(apperrors.CodeChallengeMismatch, "challenge bytes do not match")
	}
	if entry.Consumed {
		return Challenge{}, apperrors.New(apperrors.CodeChallengeAlreadyConsumed, "challenge was already consumed")
	}

	entry.Consumed = true
	return *entry, nil
}
