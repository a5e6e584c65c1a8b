package ceremony

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/billvog/passkeys-example/internal/challenge"
	apperrors "github.com/billvog/passkeys-example/internal/platform/errors"
	"github.com/billvog/passkeys-example/internal/storage"
	"github.com/billvog/passkeys-example/internal/webauthn"
)

// Assertion runs the login ceremony against previously registered
// credentials.
type Assertion struct {
	cfg    Config
	stores Stores
}

// NewAssertion wires an assertion ceremony against its stores.
func NewAssertion(cfg Config, stores Stores) (*Assertion, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := stores.validate(); err != nil {
		return nil, err
	}
	return &Assertion{cfg: cfg, stores: stores}, nil
}

// AssertionStart carries the challenge and the credentials the client may
// assert with.
type AssertionStart struct {
	Challenge   []byte
	RPID        string
	Credentials []storage.CredentialRecord
}

// Start issues a login challenge after confirming the identity has at least
// one registered credential.
func (a *Assertion) Start(ctx context.Context, identity string) (AssertionStart, error) {
	if err := ctx.Err(); err != nil {
		return AssertionStart{}, err
	}
	if identity == "" {
		return AssertionStart{}, fmt.Errorf("identity is required")
	}

	credentials, err := a.stores.Credentials.ListCredentialsByOwner(ctx, identity)
	if err != nil {
		return AssertionStart{}, fmt.Errorf("list credentials: %w", err)
	}
	if len(credentials) == 0 {
		return AssertionStart{}, apperrors.New(apperrors.CodeUnknownIdentity, "identity has no registered credentials")
	}

	issued, err := a.stores.Challenges.Issue(identity, challenge.PurposeLogin)
	if err != nil {
		return AssertionStart{}, fmt.Errorf("issue login challenge: %w", err)
	}

	return AssertionStart{
		Challenge:   issued.Value,
		RPID:        a.cfg.RPID,
		Credentials: credentials,
	}, nil
}

// Finish validates an authenticator's assertion response, verifies its
// signature against the stored public key, advances the sign counter, and
// mints a session token. A non-advancing counter on a counter-tracking
// credential rejects the login outright.
func (a *Assertion) Finish(ctx context.Context, identity string, response *webauthn.AssertionResponse) (string, error) {
	ctx, span := tracer.Start(ctx, "assertion.finish")
	token, err := a.finish(ctx, identity, response)
	endSpan(span, err)
	return token, err
}

func (a *Assertion) finish(ctx context.Context, identity string, response *webauthn.AssertionResponse) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if response.ClientData.Type != webauthn.ClientDataTypeGet {
		return "", apperrors.New(apperrors.CodeTypeMismatch,
			fmt.Sprintf("client data type %q, want %q", response.ClientData.Type, webauthn.ClientDataTypeGet))
	}
	if _, err := a.stores.Challenges.Consume(identity, challenge.PurposeLogin, response.ClientData.Challenge); err != nil {
		return "", err
	}
	if err := a.cfg.checkBinding(response.ClientData, response.AuthData); err != nil {
		return "", err
	}

	credentialID := base64.RawURLEncoding.EncodeToString(response.RawID)
	record, err := a.stores.Credentials.GetCredential(ctx, credentialID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", apperrors.New(apperrors.CodeUnknownCredential, "credential is not registered")
	}
	if err != nil {
		return "", fmt.Errorf("look up credential: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(record.Owner), []byte(identity)) != 1 {
		return "", apperrors.New(apperrors.CodeUnknownCredential, "credential is not registered to this identity")
	}

	verifier, err := record.PublicKey.Verifier()
	if err != nil {
		return "", err
	}
	if err := verifier.Verify(response.SignedData(), response.Signature); err != nil {
		return "", err
	}

	if err := a.stores.Credentials.UpdateSignCount(ctx, credentialID, response.AuthData.Counter, a.stores.now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", apperrors.New(apperrors.CodeUnknownCredential, "credential is not registered")
		}
		return "", err
	}

	token, err := a.stores.Sessions.Issue(identity)
	if err != nil {
		return "", fmt.Errorf("issue session: %w", err)
	}
	return token, nil
}
