package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/audit"
	"github.com/genecura/go-audit/internal/auth"
)

// TokenCookie is the cookie the browser client stores its session token in.
const TokenCookie = "token"

// TokenValidator verifies a raw token. *auth.TokenService satisfies it.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// ActorResolver maps validated claims to an actor. *auth.Directory satisfies it.
type ActorResolver interface {
	Resolve(ctx context.Context, claims *auth.Claims) (audit.Actor, error)
}

// WithActor attaches an authenticated actor to ctx.
func WithActor(ctx context.Context, actor audit.Actor) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (audit.Actor, bool) {
	actor, ok := ctx.Value(ActorKey).(audit.Actor)
	return actor, ok
}

func tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(TokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// Authenticate rejects requests without a valid token and attaches the
// resolved actor to the request context.
func Authenticate(tokens TokenValidator, actors ActorResolver, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := tokenFromRequest(r)
			if raw == "" {
				WriteError(w, http.StatusUnauthorized, "Not authorized to access this route")
				return
			}

			claims, err := tokens.Validate(raw)
			if err != nil {
				logger.Debug("token rejected",
					zap.String("correlation_id", GetCorrelationID(r.Context())),
					zap.Error(err))
				WriteError(w, http.StatusUnauthorized, "Not authorized to access this route")
				return
			}

			actor, err := actors.Resolve(r.Context(), claims)
			if err != nil {
				msg := "Not authorized to access this route"
				if errors.Is(err, auth.ErrUnknownRole) {
					msg = "Invalid user role"
				}
				WriteError(w, http.StatusUnauthorized, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// RequireRole allows only the given roles through. Admin is not implied.
func RequireRole(roles ...audit.ActorRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				WriteError(w, http.StatusUnauthorized, "Not authorized to access this route")
				return
			}
			if !slices.Contains(roles, actor.Role) {
				WriteError(w, http.StatusForbidden,
					fmt.Sprintf("User role %s is not authorized to access this route", actor.Role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
