package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bcnelson/stack-provisioner/internal/auth"
	"github.com/bcnelson/stack-provisioner/internal/domain"
	"github.com/bcnelson/stack-provisioner/internal/storage"
)

type contextKey string

const PrincipalContextKey contextKey = "principal"

// AuthConfig holds the credentials the API accepts besides stored API keys.
type AuthConfig struct {
	AdminSecret string
	JWTSecret   string
}

// Auth creates authentication middleware. A request is admitted with the
// admin secret, a tenant token signed with JWTSecret, or a stored API key.
func Auth(store storage.Storage, cfg AuthConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "missing authorization header")
				return
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "invalid authorization header format")
				return
			}

			credential := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
			if credential == "" {
				writeError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "empty credential")
				return
			}

			ctx := r.Context()

			if cfg.AdminSecret != "" && subtle.ConstantTimeCompare([]byte(credential), []byte(cfg.AdminSecret)) == 1 {
				ctx = WithPrincipal(ctx, &domain.Principal{ID: "admin", Name: "Admin", Admin: true})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if cfg.JWTSecret != "" && auth.LooksLikeToken(credential) {
				claims, err := auth.ValidateToken(credential, cfg.JWTSecret)
				if err != nil {
					logger.Debug("rejected tenant token", "error", err)
					writeError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "invalid token")
					return
				}
				ctx = WithPrincipal(ctx, &domain.Principal{
					ID:       claims.Subject,
					Name:     claims.Subject,
					TenantID: claims.TenantID,
				})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			storedKey, err := store.GetAPIKeyByHash(ctx, auth.HashAPIKey(credential))
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					writeError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "invalid API key")
					return
				}
				logger.Error("looking up API key", "error", err)
				writeError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "internal server error")
				return
			}

			// Update last used timestamp (fire and forget)
			go func() {
				if err := store.UpdateAPIKeyLastUsed(context.Background(), storedKey.ID); err != nil {
					logger.Debug("updating API key last use", "key_id", storedKey.ID, "error", err)
				}
			}()

			ctx = WithPrincipal(ctx, &domain.Principal{
				ID:       storedKey.ID,
				Name:     storedKey.Name,
				TenantID: storedKey.TenantID,
				Admin:    storedKey.TenantID == "",
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects principals restricted to a tenant.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := GetPrincipal(r.Context())
		if p == nil || !p.Admin {
			writeError(w, http.StatusForbidden, domain.ErrCodeForbidden, "admin credentials required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithPrincipal stores the authenticated caller in ctx.
func WithPrincipal(ctx context.Context, p *domain.Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// GetPrincipal retrieves the authenticated caller from the request context.
func GetPrincipal(ctx context.Context) *domain.Principal {
	p, _ := ctx.Value(PrincipalContextKey).(*domain.Principal)
	return p
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(domain.StandardErrorResponse{
		Error: domain.StandardError{Code: code, Message: message},
	})
}
