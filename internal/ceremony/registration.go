package ceremony

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/billvog/passkeys-example/internal/challenge"
	apperrors "github.com/billvog/passkeys-example/internal/platform/errors"
	"github.com/billvog/passkeys-example/internal/storage"
	"github.com/billvog/passkeys-example/internal/webauthn"
)

// Registration runs the credential enrollment ceremony.
type Registration struct {
	cfg    Config
	stores Stores
}

// NewRegistration wires a registration ceremony against its stores.
func NewRegistration(cfg Config, stores Stores) (*Registration, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := stores.validate(); err != nil {
		return nil, err
	}
	return &Registration{cfg: cfg, stores: stores}, nil
}

// RegistrationStart carries the parameters the client needs to drive
// credential creation.
type RegistrationStart struct {
	Challenge  []byte
	RPID       string
	RPName     string
	Username   string
	Algorithms []webauthn.Algorithm
}

// Start issues a registration challenge for the identity.
func (r *Registration) Start(ctx context.Context, identity string) (RegistrationStart, error) {
	if err := ctx.Err(); err != nil {
		return RegistrationStart{}, err
	}
	if identity == "" {
		return RegistrationStart{}, fmt.Errorf("identity is required")
	}

	issued, err := r.stores.Challenges.Issue(identity, challenge.PurposeRegistration)
	if err != nil {
		return RegistrationStart{}, fmt.Errorf("issue registration challenge: %w", err)
	}

	return RegistrationStart{
		Challenge:  issued.Value,
		RPID:       r.cfg.RPID,
		RPName:     r.cfg.RPName,
		Username:   identity,
		Algorithms: webauthn.SupportedAlgorithms(),
	}, nil
}

// Finish validates an authenticator's registration response, stores the new
// credential, and mints a session token. Identity and credential are written
// in one transaction, so a rejected ceremony leaves no partial state. The
// consumed challenge stays consumed either way.
func (r *Registration) Finish(ctx context.Context, identity string, response *webauthn.RegistrationResponse) (string, error) {
	ctx, span := tracer.Start(ctx, "registration.finish")
	token, err := r.finish(ctx, identity, response)
	endSpan(span, err)
	return token, err
}

func (r *Registration) finish(ctx context.Context, identity string, response *webauthn.RegistrationResponse) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if response.ClientData.Type != webauthn.ClientDataTypeCreate {
		return "", apperrors.New(apperrors.CodeTypeMismatch,
			fmt.Sprintf("client data type %q, want %q", response.ClientData.Type, webauthn.ClientDataTypeCreate))
	}
	if _, err := r.stores.Challenges.Consume(identity, challenge.PurposeRegistration, response.ClientData.Challenge); err != nil {
		return "", err
	}
	if err := r.cfg.checkBinding(response.ClientData, response.AuthData); err != nil {
		return "", err
	}
	if !response.AuthData.Flags.AttestedCredentialData() || len(response.AuthData.CredentialID) == 0 {
		return "", apperrors.New(apperrors.CodeNoCredentialData, "response carries no attested credential data")
	}
	if response.AuthData.PublicKey == nil {
		return "", apperrors.New(apperrors.CodeNoCredentialData, "response carries no credential public key")
	}
	if !response.AuthData.PublicKey.Algorithm.Supported() {
		return "", apperrors.New(apperrors.CodeUnsupportedAlgorithm,
			fmt.Sprintf("credential algorithm %d is not accepted", response.AuthData.PublicKey.Algorithm))
	}

	credentialID := base64.RawURLEncoding.EncodeToString(response.AuthData.CredentialID)
	existing, err := r.stores.Credentials.GetCredential(ctx, credentialID)
	if err == nil {
		if existing.Owner != identity {
			return "", apperrors.New(apperrors.CodeCredentialReused, "credential id belongs to another identity")
		}
		return "", apperrors.New(apperrors.CodeConflict, "credential id is already registered")
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("look up credential: %w", err)
	}

	now := r.stores.now()
	record := storage.CredentialRecord{
		CredentialID: credentialID,
		Owner:        identity,
		PublicKey:    *response.AuthData.PublicKey,
		SignCount:    response.AuthData.Counter,
		Transports:   response.Transports,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	user := storage.User{Username: identity, CreatedAt: now}
	if err := r.stores.Credentials.EnrollCredential(ctx, user, record); err != nil {
		return "", fmt.Errorf("store credential: %w", err)
	}

	token, err := r.stores.Sessions.Issue(identity)
	if err != nil {
		return "", fmt.Errorf("issue session: %w", err)
	}
	return token, nil
}
