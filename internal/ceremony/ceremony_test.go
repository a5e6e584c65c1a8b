package ceremony

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/billvog/passkeys-example/internal/challenge"
	apperrors "github.com/billvog/passkeys-example/internal/platform/errors"
	"github.com/billvog/passkeys-example/internal/session"
	"github.com/billvog/passkeys-example/internal/storage/sqlite"
	"github.com/billvog/passkeys-example/internal/webauthn"
	"github.com/billvog/passkeys-example/internal/webauthn/webauthntest"
)

const (
	testRPID   = "example.test"
	testOrigin = "https://example.test"
)

func testConfig() Config {
	return Config{
		RPID:    testRPID,
		RPName:  "Example",
		Origins: []string{testOrigin},
	}
}

func testStores(t *testing.T) Stores {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "passkeys.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	issuer, err := session.NewIssuer([]byte("test-secret"), time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	return Stores{
		Challenges:  challenge.NewStore(time.Minute),
		Credentials: store,
		Sessions:    issuer,
	}
}

// newCeremonies builds both ceremonies over one shared set of stores.
func newCeremonies(t *testing.T) (*Registration, *Assertion, Stores) {
	t.Helper()
	stores := testStores(t)
	registration, err := NewRegistration(testConfig(), stores)
	if err != nil {
		t.Fatalf("new registration: %v", err)
	}
	assertion, err := NewAssertion(testConfig(), stores)
	if err != nil {
		t.Fatalf("new assertion: %v", err)
	}
	return registration, assertion, stores
}

// register enrolls the authenticator for the identity and returns the token.
func register(t *testing.T, registration *Registration, authenticator *webauthntest.Authenticator, identity string) string {
	t.Helper()
	ctx := context.Background()

	start, err := registration.Start(ctx, identity)
	if err != nil {
		t.Fatalf("registration start: %v", err)
	}
	response, err := webauthn.ParseRegistrationResponse(authenticator.RegistrationResponse(t, start.Challenge))
	if err != nil {
		t.Fatalf("parse registration response: %v", err)
	}
	token, err := registration.Finish(ctx, identity, response)
	if err != nil {
		t.Fatalf("registration finish: %v", err)
	}
	return token
}

func TestRegistrationRoundTrip(t *testing.T) {
	registration, _, stores := newCeremonies(t)
	authenticator := webauthntest.New(t, testRPID, testOrigin)
	authenticator.Counter = 3
	ctx := context.Background()

	token := register(t, registration, authenticator, "alice")
	if token == "" {
		t.Fatal("registration returned empty token")
	}
	subject, err := stores.Sessions.Validate(token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if subject != "alice" {
		t.Fatalf("token subject = %q, want alice", subject)
	}

	records, err := stores.Credentials.ListCredentialsByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("stored credentials = %d, want 1", len(records))
	}
	if records[0].CredentialID != authenticator.CredentialIDBase64() {
		t.Fatalf("CredentialID = %q, want %q", records[0].CredentialID, authenticator.CredentialIDBase64())
	}
	if records[0].SignCount != 3 {
		t.Fatalf("SignCount = %d, want 3", records[0].SignCount)
	}
	if _, err := stores.Credentials.(*sqlite.Store).GetUser(ctx, "alice"); err != nil {
		t.Fatalf("get user: %v", err)
	}
}

func TestRegistrationReplayedFinish(t *testing.T) {
	registration, _, stores := newCeremonies(t)
	authenticator := webauthntest.New(t, testRPID, testOrigin)
	ctx := context.Background()

	start, err := registration.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("registration start: %v", err)
	}
	payload := authenticator.RegistrationResponse(t, start.Challenge)
	response, err := webauthn.ParseRegistrationResponse(payload)
	if err != nil {
		t.Fatalf("parse registration response: %v", err)
	}
	if _, err := registration.Finish(ctx, "alice", response); err != nil {
		t.Fatalf("registration finish: %v", err)
	}

	replay, err := webauthn.ParseRegistrationResponse(payload)
	if err != nil {
		t.Fatalf("parse replayed response: %v", err)
	}
	_, err = registration.Finish(ctx, "alice", replay)
	if got := apperrors.CodeOf(err); got != apperrors.CodeChallengeAlreadyConsumed {
		t.Fatalf("replayed finish code = %v, want %v", got, apperrors.CodeChallengeAlreadyConsumed)
	}

	records, err := stores.Credentials.ListCredentialsByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("stored credentials = %d, want 1", len(records))
	}
}

func TestRegistrationRejectsForeignOrigin(t *testing.T) {
	registration, _, stores := newCeremonies(t)
	authenticator := webauthntest.New(t, testRPID, "http://evil.example")
	ctx := context.Background()

	start, err := registration.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("registration start: %v", err)
	}
	response, err := webauthn.ParseRegistrationResponse(authenticator.RegistrationResponse(t, start.Challenge))
	if err != nil {
		t.Fatalf("parse registration response: %v", err)
	}

	_, err = registration.Finish(ctx, "alice", response)
	if got := apperrors.CodeOf(err); got != apperrors.CodeOriginRejected {
		t.Fatalf("finish code = %v, want %v", got, apperrors.CodeOriginRejected)
	}

	records, err := stores.Credentials.ListCredentialsByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("stored credentials = %d, want 0", len(records))
	}
}

func TestRegistrationRejectsWrongRP(t *testing.T) {
	registration, _, _ := newCeremonies(t)
	authenticator := webauthntest.New(t, "other.test", testOrigin)
	ctx := context.Background()

	start, err := registration.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("registration start: %v", err)
	}
	response, err := webauthn.ParseRegistrationResponse(authenticator.RegistrationResponse(t, start.Challenge))
	if err != nil {
		t.Fatalf("parse registration response: %v", err)
	}

	_, err = registration.Finish(ctx, "alice", response)
	if got := apperrors.CodeOf(err); got != apperrors.CodeRpMismatch {
		t.Fatalf("finish code = %v, want %v", got, apperrors.CodeRpMismatch)
	}
}

func TestRegistrationRejectsWrongClientDataType(t *testing.T) {
	registration, _, _ := newCeremonies(t)
	authenticator := webauthntest.New(t, testRPID, testOrigin)
	authenticator.ClientDataType = webauthn.ClientDataTypeGet
	ctx := context.Background()

	start, err := registration.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("registration start: %v", err)
	}
	response, err := webauthn.ParseRegistrationResponse(authenticator.RegistrationResponse(t, start.Challenge))
	if err != nil {
		t.Fatalf("parse registration response: %v", err)
	}

	_, err = registration.Finish(ctx, "alice", response)
	if got := apperrors.CodeOf(err); got != apperrors.CodeTypeMismatch {
		t.Fatalf("finish code = %v, want %v", got, apperrors.CodeTypeMismatch)
	}
}

func TestRegistrationRejectsTamperedChallenge(t *testing.T) {
	registration, _, _ := newCeremonies(t)
	authenticator := webauthntest.New(t, testRPID, testOrigin)
	ctx := context.Background()

	start, err := registration.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("registration start: %v", err)
	}
	tampered := make([]byte, len(start.Challenge))
	copy(tampered, start.Challenge)
	tampered[0] ^= 0xff

	response, err := webauthn.ParseRegistrationResponse(authenticator.RegistrationResponse(t, tampered))
	if err != nil {
		t.Fatalf("parse registration response: %v", err)
	}

	_, err = registration.Finish(ctx, "alice", response)
	if got := apperrors.CodeOf(err); got != apperrors.CodeChallengeMismatch {
		t.Fatalf("finish code = %v, want %v", got, apperrors.CodeChallengeMismatch)
	}
}

func TestRegistrationRejectsReusedCredential(t *testing.T) {
	registration, _, _ := newCeremonies(t)
	authenticator := webauthntest.New(t, testRPID, testOrigin)
	ctx := context.Background()

	register(t, registration, authenticator, "alice")

	start, err := registration.Start(ctx, "mallory")
	if err != nil {
		t.Fatalf("registration start: %v", err)
	}
	response, err := webauthn.ParseRegistrationResponse(authenticator.RegistrationResponse(t, start.Challenge))
	if err != nil {
		t.Fatalf("parse registration response: %v", err)
	}

	_, err = registration.Finish(ctx, "mallory", response)
	if got := apperrors.CodeOf(err); got != apperrors.CodeCredentialReused {
		t.Fatalf("finish code = %v, want %v", got, apperrors.CodeCredentialReused)
	}
}

func TestAssertionRoundTrip(t *testing.T) {
	registration, assertion, stores := newCeremonies(t)
	authenticator := webauthntest.New(t, testRPID, testOrigin)
	ctx := context.Background()

	register(t, registration, authenticator, "alice")

	start, err := assertion.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("assertion start: %v", err)
	}
	if len(start.Credentials) != 1 {
		t.Fatalf("allowed credentials = %d, want 1", len(start.Credentials))
	}

	response, err := webauthn.ParseAssertionResponse(authenticator.AssertionResponse(t, start.Challenge))
	if err != nil {
		t.Fatalf("parse assertion response: %v", err)
	}
	token, err := assertion.Finish(ctx, "alice", response)
	if err != nil {
		t.Fatalf("assertion finish: %v", err)
	}
	subject, err := stores.Sessions.Validate(token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if subject != "alice" {
		t.Fatalf("token subject = %q, want alice", subject)
	}

	record, err := stores.Credentials.GetCredential(ctx, authenticator.CredentialIDBase64())
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if record.SignCount != authenticator.Counter {
		t.Fatalf("SignCount = %d, want %d", record.SignCount, authenticator.Counter)
	}
	if record.LastUsedAt == nil {
		t.Fatal("LastUsedAt not set after assertion")
	}
}

func TestAssertionStartUnknownIdentity(t *testing.T) {
	_, assertion, _ := newCeremonies(t)

	_, err := assertion.Start(context.Background(), "nobody")
	if got := apperrors.CodeOf(err); got != apperrors.CodeUnknownIdentity {
		t.Fatalf("start code = %v, want %v", got, apperrors.CodeUnknownIdentity)
	}
}

func TestAssertionRejectsUnknownCredential(t *testing.T) {
	registration, assertion, _ := newCeremonies(t)
	registered := webauthntest.New(t, testRPID, testOrigin)
	stranger := webauthntest.New(t, testRPID, testOrigin)
	ctx := context.Background()

	register(t, registration, registered, "alice")

	start, err := assertion.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("assertion start: %v", err)
	}
	response, err := webauthn.ParseAssertionResponse(stranger.AssertionResponse(t, start.Challenge))
	if err != nil {
		t.Fatalf("parse assertion response: %v", err)
	}

	_, err = assertion.Finish(ctx, "alice", response)
	if got := apperrors.CodeOf(err); got != apperrors.CodeUnknownCredential {
		t.Fatalf("finish code = %v, want %v", got, apperrors.CodeUnknownCredential)
	}
}

func TestAssertionRejectsCredentialOfOtherIdentity(t *testing.T) {
	registration, assertion, _ := newCeremonies(t)
	aliceAuth := webauthntest.New(t, testRPID, testOrigin)
	bobAuth := webauthntest.New(t, testRPID, testOrigin)
	ctx := context.Background()

	register(t, registration, aliceAuth, "alice")
	register(t, registration, bobAuth, "bob")

	start, err := assertion.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("assertion start: %v", err)
	}
	response, err := webauthn.ParseAssertionResponse(bobAuth.AssertionResponse(t, start.Challenge))
	if err != nil {
		t.Fatalf("parse assertion response: %v", err)
	}

	_, err = assertion.Finish(ctx, "alice", response)
	if got := apperrors.CodeOf(err); got != apperrors.CodeUnknownCredential {
		t.Fatalf("finish code = %v, want %v", got, apperrors.CodeUnknownCredential)
	}
}

func TestAssertionRejectsTamperedSignature(t *testing.T) {
	registration, assertion, _ := newCeremonies(t)
	authenticator := webauthntest.New(t, testRPID, testOrigin)
	ctx := context.Background()

	register(t, registration, authenticator, "alice")

	start, err := assertion.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("assertion start: %v", err)
	}
	response, err := webauthn.ParseAssertionResponse(authenticator.AssertionResponse(t, start.Challenge))
	if err != nil {
		t.Fatalf("parse assertion response: %v", err)
	}
	response.Signature[8] ^= 0xff

	_, err = assertion.Finish(ctx, "alice", response)
	if got := apperrors.CodeOf(err); got != apperrors.CodeSignatureInvalid {
		t.Fatalf("finish code = %v, want %v", got, apperrors.CodeSignatureInvalid)
	}
}

func TestAssertionDetectsClonedAuthenticator(t *testing.T) {
	registration, assertion, stores := newCeremonies(t)
	authenticator := webauthntest.New(t, testRPID, testOrigin)
	ctx := context.Background()

	register(t, registration, authenticator, "alice")

	// First login advances the counter past zero.
	start, err := assertion.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("assertion start: %v", err)
	}
	response, err := webauthn.ParseAssertionResponse(authenticator.AssertionResponse(t, start.Challenge))
	if err != nil {
		t.Fatalf("parse assertion response: %v", err)
	}
	if _, err := assertion.Finish(ctx, "alice", response); err != nil {
		t.Fatalf("assertion finish: %v", err)
	}
	storedCount := authenticator.Counter

	// A clone replays the same counter value with a fresh challenge.
	start, err = assertion.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("assertion start: %v", err)
	}
	replay, err := webauthn.ParseAssertionResponse(authenticator.ReplayAssertionResponse(t, start.Challenge))
	if err != nil {
		t.Fatalf("parse replayed response: %v", err)
	}
	_, err = assertion.Finish(ctx, "alice", replay)
	if got := apperrors.CodeOf(err); got != apperrors.CodeCloneSuspected {
		t.Fatalf("finish code = %v, want %v", got, apperrors.CodeCloneSuspected)
	}

	record, err := stores.Credentials.GetCredential(ctx, authenticator.CredentialIDBase64())
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if record.SignCount != storedCount {
		t.Fatalf("SignCount = %d, want unchanged %d", record.SignCount, storedCount)
	}
}

func TestAssertionConsumedChallengeStaysConsumed(t *testing.T) {
	registration, assertion, _ := newCeremonies(t)
	registered := webauthntest.New(t, testRPID, testOrigin)
	stranger := webauthntest.New(t, testRPID, testOrigin)
	ctx := context.Background()

	register(t, registration, registered, "alice")

	start, err := assertion.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("assertion start: %v", err)
	}

	// A finish that fails after challenge consumption burns the challenge.
	bad, err := webauthn.ParseAssertionResponse(stranger.AssertionResponse(t, start.Challenge))
	if err != nil {
		t.Fatalf("parse assertion response: %v", err)
	}
	if _, err := assertion.Finish(ctx, "alice", bad); err == nil {
		t.Fatal("expected finish with unknown credential to fail")
	}

	good, err := webauthn.ParseAssertionResponse(registered.AssertionResponse(t, start.Challenge))
	if err != nil {
		t.Fatalf("parse assertion response: %v", err)
	}
	_, err = assertion.Finish(ctx, "alice", good)
	if got := apperrors.CodeOf(err); got != apperrors.CodeChallengeAlreadyConsumed {
		t.Fatalf("finish code = %v, want %v", got, apperrors.CodeChallengeAlreadyConsumed)
	}
}

func TestFinishRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	registration, assertion, _ := newCeremonies(t)
	authenticator := webauthntest.New(t, testRPID, testOrigin)
	register(t, registration, authenticator, "alice")
	ctx := context.Background()

	start, err := assertion.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("assertion start: %v", err)
	}
	response, err := webauthn.ParseAssertionResponse(authenticator.AssertionResponse(t, start.Challenge))
	if err != nil {
		t.Fatalf("parse assertion response: %v", err)
	}
	if _, err := assertion.Finish(ctx, "alice", response); err != nil {
		t.Fatalf("assertion finish: %v", err)
	}
	if _, err := assertion.Finish(ctx, "alice", response); err == nil {
		t.Fatal("expected replayed finish to fail")
	}

	var registered, succeeded, rejected bool
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case "registration.finish":
			if span.Status().Code != otelcodes.Error {
				registered = true
			}
		case "assertion.finish":
			if span.Status().Code != otelcodes.Error {
				succeeded = true
				continue
			}
			for _, attr := range span.Attributes() {
				if string(attr.Key) == "ceremony.code" &&
					attr.Value.AsString() == string(apperrors.CodeChallengeAlreadyConsumed) {
					rejected = true
				}
			}
		}
	}
	if !registered || !succeeded || !rejected {
		t.Fatalf("spans registered=%t succeeded=%t rejected=%t, want all true",
			registered, succeeded, rejected)
	}
}
