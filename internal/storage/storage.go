package storage

import (
	"context"
	"time"

	"github.com/billvog/passkeys-example/internal/platform/errors"
	"github.com/billvog/passkeys-example/internal/webauthn"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// User is one registered identity.
type User struct {
	Username  string
	CreatedAt time.Time
}

// CredentialRecord is one registered passkey credential.
//
// CredentialID is the raw credential identifier encoded as unpadded
// base64url, which keeps it usable as a primary key and directly
// comparable against wire-format IDs.
type CredentialRecord struct {
	CredentialID string
	Owner        string
	PublicKey    webauthn.PublicKey
	SignCount    uint32
	Transports   []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastUsedAt   *time.Time
}

// UserStore persists identity records.
type UserStore interface {
	PutUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, username string) (User, error)
}

// CredentialRegistry persists passkey credentials and their sign counters.
type CredentialRegistry interface {
	// PutCredential stores a new credential. It fails with CodeConflict
	// when the credential ID already exists, regardless of owner.
	PutCredential(ctx context.Context, record CredentialRecord) error
	// EnrollCredential stores a credential together with its owning
	// identity atomically. A conflict on the credential ID fails with
	// CodeConflict and leaves no identity row behind.
	EnrollCredential(ctx context.Context, u User, record CredentialRecord) error
	GetCredential(ctx context.Context, credentialID string) (CredentialRecord, error)
	ListCredentialsByOwner(ctx context.Context, owner string) ([]CredentialRecord, error)
	// UpdateSignCount advances a credential's sign counter. The update
	// applies only when the stored value is the 0 sentinel or strictly
	// below newCount; otherwise it fails with CodeCloneSuspected and
	// leaves the stored counter unchanged.
	UpdateSignCount(ctx context.Context, credentialID string, newCount uint32, usedAt time.Time) error
}
