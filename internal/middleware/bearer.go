package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"oauth-service/internal/audit"
	"oauth-service/internal/auth"
	"oauth-service/internal/scope"
	"oauth-service/pkg/oautherr"
)

// AuthContext is the authenticated caller attached to the request context by
// the bearer middleware.
type AuthContext struct {
	UserID      string // empty for client-only tokens
	ClientID    string
	Scopes      []string
	Permissions []string
	Claims      *auth.AccessTokenClaims
}

type contextKey struct{}

var authContextKey contextKey

// FromContext returns the AuthContext attached by RequireBearer.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey).(*AuthContext)
	return ac, ok
}

// BearerOptions configures per-route bearer enforcement.
type BearerOptions struct {
	// AllowAnonymous lets requests without a token through; the handler sees
	// no AuthContext.
	AllowAnonymous bool
	// RequireUser rejects client-only tokens.
	RequireUser bool
	// RequiredScopes must all be carried by the token.
	RequiredScopes []string
	// RequiredPermissions must all appear in the token's permission snapshot.
	RequiredPermissions []string
}

// RequireBearer validates inbound access tokens for protected resources.
// Enforcement order: token validity, user context, scopes, permissions;
// every outcome is audit-logged.
func RequireBearer(verifier *auth.Verifier, recorder *audit.Recorder, logger *zap.Logger, opts BearerOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, userAgent := audit.RequestInfo(r)

			header := r.Header.Get("Authorization")
			if header == "" {
				if opts.AllowAnonymous {
					next.ServeHTTP(w, r)
					return
				}
				writeBearerError(w, oautherr.ErrInvalidToken, `Bearer`)
				recorder.Record(r.Context(), audit.Event{
					Action: audit.ActionBearerAuth, Resource: r.URL.Path,
					IP: ip, UserAgent: userAgent,
					Success: false, Error: "missing bearer token",
				})
				return
			}

			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenString == "" {
				writeBearerError(w, oautherr.ErrInvalidToken, `Bearer error="invalid_token"`)
				recorder.Record(r.Context(), audit.Event{
					Action: audit.ActionBearerAuth, Resource: r.URL.Path,
					IP: ip, UserAgent: userAgent,
					Success: false, Error: "malformed authorization header",
				})
				return
			}

			claims, err := verifier.VerifyAccess(r.Context(), tokenString)
			if err != nil {
				logger.Debug("Bearer token rejected", zap.Error(err))
				writeBearerError(w, oautherr.ErrInvalidToken, `Bearer error="invalid_token"`)
				recorder.Record(r.Context(), audit.Event{
					Action: audit.ActionBearerAuth, Resource: r.URL.Path,
					IP: ip, UserAgent: userAgent,
					Success: false, Error: err.Error(),
				})
				return
			}

			ac := &AuthContext{
				ClientID:    claims.ClientID,
				Scopes:      scope.Parse(claims.Scope),
				Permissions: claims.Permissions,
				Claims:      claims,
			}
			// Client-only tokens carry the client id as sub.
			if claims.Subject != claims.ClientID {
				ac.UserID = claims.Subject
			}

			if opts.RequireUser && ac.UserID == "" {
				writeBearerError(w, oautherr.ErrForbidden, "")
				recorder.Record(r.Context(), audit.Event{
					Action: audit.ActionBearerAuth, Actor: ac.ClientID, Resource: r.URL.Path,
					IP: ip, UserAgent: userAgent,
					Success: false, Error: "user context required",
				})
				return
			}

			if !scope.HasAll(ac.Scopes, opts.RequiredScopes) {
				hint := `Bearer error="insufficient_scope", scope="` + scope.Format(opts.RequiredScopes) + `"`
				writeBearerError(w, oautherr.ErrInsufficientScope, hint)
				recorder.Record(r.Context(), audit.Event{
					Action: audit.ActionBearerAuth, Actor: actor(ac), Resource: r.URL.Path,
					IP: ip, UserAgent: userAgent,
					Success: false, Error: "insufficient scope",
					Metadata: map[string]interface{}{"required_scopes": opts.RequiredScopes},
				})
				return
			}

			if !scope.HasAll(ac.Permissions, opts.RequiredPermissions) {
				writeBearerError(w, oautherr.ErrForbidden, "")
				recorder.Record(r.Context(), audit.Event{
					Action: audit.ActionBearerAuth, Actor: actor(ac), Resource: r.URL.Path,
					IP: ip, UserAgent: userAgent,
					Success: false, Error: "missing required permission",
					Metadata: map[string]interface{}{"required_permissions": opts.RequiredPermissions},
				})
				return
			}

			recorder.Record(r.Context(), audit.Event{
				Action: audit.ActionBearerAuth, Actor: actor(ac), Resource: r.URL.Path,
				IP: ip, UserAgent: userAgent,
				Success: true,
			})

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authContextKey, ac)))
		})
	}
}

func actor(ac *AuthContext) string {
	if ac.UserID != "" {
		return ac.UserID
	}
	return ac.ClientID
}

func writeBearerError(w http.ResponseWriter, serviceErr *oautherr.ServiceError, wwwAuthenticate string) {
	if wwwAuthenticate != "" {
		w.Header().Set("WWW-Authenticate", wwwAuthenticate)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(serviceErr.Status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             serviceErr.Code,
		"error_description": serviceErr.Message,
	})
}
