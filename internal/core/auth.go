package core

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"tiergate/internal/types"
)

// Actor headers set by trusted feature backends. TierGate is an internal
// control-plane service: the caller authenticates with the service API key
// and asserts the end user it is acting for.
const (
	actorIDHeader      = "X-Actor-Id"
	actorContactHeader = "X-Actor-Contact"
)

// APIKeyAuth authenticates the calling backend against the configured bcrypt
// API key hash and injects the asserted Actor into the request context.
// Failures are audited; the key itself never appears in logs or audit
// details.
func (s *Server) APIKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractBearerToken(r.Header.Get("Authorization"))
		if key == "" {
			s.authFailure(w, r, types.ErrCodeAuthTokenMissing, "API key is required")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(s.Config.Auth.APIKeyHash.Unmask()), []byte(key)); err != nil {
			s.authFailure(w, r, types.ErrCodeAuthTokenInvalid, "invalid API key")
			return
		}

		actorID := r.Header.Get(actorIDHeader)
		if actorID == "" {
			s.authFailure(w, r, types.ErrCodeValidationMissingField, "X-Actor-Id header is required")
			return
		}

		actor := types.Actor{
			ID:      actorID,
			Type:    types.ActorTypeUser,
			Contact: r.Header.Get(actorContactHeader),
		}
		next.ServeHTTP(w, r.WithContext(types.WithActor(r.Context(), actor)))
	})
}

func (s *Server) authFailure(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	s.Logger.Warn("authentication failed",
		"method", r.Method,
		"path", r.URL.Path,
		"code", string(code),
	)
	if s.Audit != nil {
		s.Audit.Record(r.Context(), types.AuditEvent{
			Type: types.AuditAuthFailure,
			Details: map[string]any{
				"path":   r.URL.Path,
				"reason": string(code),
			},
		})
	}
	Error(w, r, types.NewAppError(code, message, nil))
}

// extractBearerToken parses "Bearer <token>" (case-insensitive scheme per
// RFC 7235). Returns empty string on any other shape.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
