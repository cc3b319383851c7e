package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/amityvox/deliveryservice/internal/dserr"
)

type contextKey string

// ContextKeyIdentity is the context key for the authenticated caller.
const ContextKeyIdentity contextKey = "identity"

// FromContext retrieves the authenticated Identity injected by RequireAuth.
// Returns nil if no identity is present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(ContextKeyIdentity).(*Identity)
	return id
}

// RequireAuth returns middleware that verifies the request's Bearer token
// against endpointID (the RPC's lxm) and injects the authenticated Identity
// into the request context. Unauthenticated or invalid requests receive the
// standard 401 error envelope (§7).
func RequireAuth(v *Verifier, endpointID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				dserr.WriteJSON(w, dserr.Unauthorized("missing_token", "Authorization header with Bearer token is required"))
				return
			}

			id, err := v.Verify(r.Context(), token, endpointID)
			if err != nil {
				dserr.WriteJSON(w, mapVerifyError(err))
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyIdentity, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func mapVerifyError(err error) *dserr.Error {
	switch {
	case errors.Is(err, ErrReplayed):
		return dserr.Unauthorized("replay_detected", "token has already been used")
	case errors.Is(err, ErrTokenExpired):
		return dserr.Unauthorized("token_expired", "token is expired or not yet valid")
	case errors.Is(err, ErrLxmMismatch):
		return dserr.Unauthorized("lxm_mismatch", "token is not authorized for this endpoint")
	case errors.Is(err, ErrDidResolutionFailed):
		return dserr.Unauthorized("did_resolution_failed", "could not resolve issuer identity")
	default:
		return dserr.Unauthorized("invalid_token", "token is malformed or signature is invalid")
	}
}
