// Package ceremony orchestrates the registration and login ceremonies:
// challenge consumption, response validation, credential bookkeeping, and
// session minting. The wire codec stays in the webauthn package; this
// package owns the cross-checks that bind a response to the relying party.
package ceremony

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/billvog/passkeys-example/internal/challenge"
	apperrors "github.com/billvog/passkeys-example/internal/platform/errors"
	"github.com/billvog/passkeys-example/internal/session"
	"github.com/billvog/passkeys-example/internal/storage"
	"github.com/billvog/passkeys-example/internal/webauthn"
)

// tracer instruments the finish paths, which carry all verification work.
var tracer = otel.Tracer("github.com/billvog/passkeys-example/internal/ceremony")

// endSpan records the ceremony outcome on the span before ending it. Rejected
// ceremonies carry their failure code as an attribute so traces can be
// filtered by rejection reason.
func endSpan(span trace.Span, err error) {
	if err != nil {
		if code := apperrors.CodeOf(err); code != apperrors.CodeUnknown {
			span.SetAttributes(attribute.String("ceremony.code", string(code)))
		}
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.End()
}

// Config holds the relying-party parameters both ceremonies validate against.
type Config struct {
	// RPID is the relying-party identifier, a domain. Authenticator data
	// carries its SHA-256 hash.
	RPID string
	// RPName is the human-readable relying-party name shown by clients.
	RPName string
	// Origins is the set of web origins allowed to complete ceremonies.
	Origins []string
}

func (c Config) validate() error {
	if c.RPID == "" {
		return fmt.Errorf("relying-party id is required")
	}
	if len(c.Origins) == 0 {
		return fmt.Errorf("at least one allowed origin is required")
	}
	return nil
}

// rpIDHash returns the SHA-256 hash authenticator data must carry.
func (c Config) rpIDHash() [32]byte {
	return sha256.Sum256([]byte(c.RPID))
}

func (c Config) originAllowed(origin string) bool {
	for _, allowed := range c.Origins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// checkBinding runs the validations shared by both finish paths: origin
// membership, RP-ID hash, and user presence. The client data type is checked
// before challenge consumption, so it is not repeated here.
func (c Config) checkBinding(clientData *webauthn.ClientData, authData *webauthn.AuthenticatorData) error {
	if !c.originAllowed(clientData.Origin) {
		return apperrors.New(apperrors.CodeOriginRejected,
			fmt.Sprintf("origin %q is not allowed", clientData.Origin))
	}
	want := c.rpIDHash()
	if subtle.ConstantTimeCompare(want[:], authData.RPIDHash) != 1 {
		return apperrors.New(apperrors.CodeRpMismatch, "authenticator data is bound to a different relying party")
	}
	if !authData.Flags.UserPresent() {
		return apperrors.New(apperrors.CodeUserNotPresent, "user presence flag is not set")
	}
	return nil
}

// Stores bundles the state a ceremony reads and writes. Identity records are
// written through the credential registry's enrollment path, so ceremonies
// need no separate user store.
type Stores struct {
	Challenges  *challenge.Store
	Credentials storage.CredentialRegistry
	Sessions    *session.Issuer
	Now         func() time.Time
}

func (s Stores) validate() error {
	if s.Challenges == nil {
		return fmt.Errorf("challenge store is required")
	}
	if s.Credentials == nil {
		return fmt.Errorf("credential registry is required")
	}
	if s.Sessions == nil {
		return fmt.Errorf("session issuer is required")
	}
	return nil
}

func (s Stores) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
