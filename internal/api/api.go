// Package api exposes the passkey ceremonies over an HTTP JSON surface.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/rs/cors"

	"github.com/billvog/passkeys-example/internal/ceremony"
	apperrors "github.com/billvog/passkeys-example/internal/platform/errors"
	"github.com/billvog/passkeys-example/internal/session"
	"github.com/billvog/passkeys-example/internal/storage"
	"github.com/billvog/passkeys-example/internal/webauthn"
)

// Handler serves the registration, login, and session endpoints.
type Handler struct {
	registration *ceremony.Registration
	assertion    *ceremony.Assertion
	sessions     *session.Issuer
	users        storage.UserStore
	credentials  storage.CredentialRegistry
	origins      []string
}

// New wires the HTTP surface against the ceremonies and stores.
func New(registration *ceremony.Registration, assertion *ceremony.Assertion, sessions *session.Issuer, users storage.UserStore, credentials storage.CredentialRegistry, origins []string) *Handler {
	return &Handler{
		registration: registration,
		assertion:    assertion,
		sessions:     sessions,
		users:        users,
		credentials:  credentials,
		origins:      origins,
	}
}

// Routes returns the routed handler with CORS applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/register/start", h.handleRegisterStart)
	mux.HandleFunc("/register/finish", h.handleRegisterFinish)
	mux.HandleFunc("/login/start", h.handleLoginStart)
	mux.HandleFunc("/login/finish", h.handleLoginFinish)
	mux.HandleFunc("/auth/me", h.handleMe)

	c := cors.New(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(mux)
}

type startRequest struct {
	Username string `json:"username"`
}

type finishRequest struct {
	Username string          `json:"username"`
	Data     json.RawMessage `json:"data"`
}

func decodeStartRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	var payload startRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return "", false
	}
	username := strings.TrimSpace(payload.Username)
	if username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "username is required"})
		return "", false
	}
	return username, true
}

func decodeFinishRequest(w http.ResponseWriter, r *http.Request) (string, json.RawMessage, bool) {
	var payload finishRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return "", nil, false
	}
	username := strings.TrimSpace(payload.Username)
	if username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "username is required"})
		return "", nil, false
	}
	if len(payload.Data) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "credential data is required"})
		return "", nil, false
	}
	return username, payload.Data, true
}

func (h *Handler) handleRegisterStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	username, ok := decodeStartRequest(w, r)
	if !ok {
		return
	}

	start, err := h.registration.Start(r.Context(), username)
	if err != nil {
		writeError(w, err)
		return
	}

	params := make([]map[string]any, 0, len(start.Algorithms))
	for _, alg := range start.Algorithms {
		params = append(params, map[string]any{"type": "public-key", "alg": int64(alg)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge": base64.RawURLEncoding.EncodeToString(start.Challenge),
		"rp": map[string]any{
			"id":   start.RPID,
			"name": start.RPName,
		},
		"user": map[string]any{
			"id":          base64.RawURLEncoding.EncodeToString([]byte(username)),
			"name":        username,
			"displayName": username,
		},
		"pubKeyCredParams": params,
		"authenticatorSelection": map[string]any{
			"authenticatorAttachment": "cross-platform",
			"userVerification":        "preferred",
			"residentKey":             "preferred",
			"requireResidentKey":      false,
		},
	})
}

func (h *Handler) handleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	username, data, ok := decodeFinishRequest(w, r)
	if !ok {
		return
	}

	response, err := webauthn.ParseRegistrationResponse(data)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := h.registration.Finish(r.Context(), username, response)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": token})
}

func (h *Handler) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	username, ok := decodeStartRequest(w, r)
	if !ok {
		return
	}

	start, err := h.assertion.Start(r.Context(), username)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeUnknownIdentity {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "User not found"})
			return
		}
		writeError(w, err)
		return
	}

	allowed := make([]map[string]any, 0, len(start.Credentials))
	for _, credential := range start.Credentials {
		allowed = append(allowed, map[string]any{
			"type":       "public-key",
			"id":         credential.CredentialID,
			"transports": credential.Transports,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge":        base64.RawURLEncoding.EncodeToString(start.Challenge),
		"rpId":             start.RPID,
		"allowCredentials": allowed,
		"userVerification": "preferred",
	})
}

func (h *Handler) handleLoginFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	username, data, ok := decodeFinishRequest(w, r)
	if !ok {
		return
	}

	response, err := webauthn.ParseAssertionResponse(data)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := h.assertion.Finish(r.Context(), username, response)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": token})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	token, ok := bearerToken(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
		return
	}
	username, err := h.sessions.Validate(token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
		return
	}

	user, err := h.users.GetUser(r.Context(), username)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
		return
	}
	credentials, err := h.credentials.ListCredentialsByOwner(r.Context(), username)
	if err != nil {
		writeError(w, err)
		return
	}

	summaries := make([]map[string]any, 0, len(credentials))
	for _, credential := range credentials {
		summaries = append(summaries, map[string]any{
			"id":         credential.CredentialID,
			"transports": credential.Transports,
			"createdAt":  credential.CreatedAt,
			"lastUsedAt": credential.LastUsedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username":    user.Username,
		"createdAt":   user.CreatedAt,
		"credentials": summaries,
	})
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// writeError maps a domain error to its HTTP status. Unexpected errors
// surface as a generic 500 so internal detail never leaks to clients.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Printf("internal error: %v", err)
		writeJSON(w, status, map[string]any{"error": "internal error"})
		return
	}

	message := string(code)
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		message = domainErr.Message
	}
	writeJSON(w, status, map[string]any{"error": message, "code": string(code)})
}

// writeJSON writes JSON responses with a consistent content type.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
