// Package auth resolves the caller's identity for each request. Three
// modes are supported: header (trusted x-user-id header, for dev and
// reverse-proxy deployments), jwt (HS256 bearer tokens), and none.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Auth modes.
const (
	ModeHeader = "header"
	ModeJWT    = "jwt"
	ModeNone   = "none"
)

// AnonymousUser is the identity assigned when no user information is
// available in header mode, and always in none mode.
const AnonymousUser = "anonymous"

// Identity is the resolved caller.
type Identity struct {
	UserID string
	Roles  []string
}

// HasRole reports whether the identity carries the role.
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Config selects and parameterizes the auth mode.
type Config struct {
	Mode         string
	JWTSecret    string
	JWTIssuer    string
	JWTAudience  string
	UserIDHeader string
	RolesHeader  string
}

type identityKey struct{}

// FromContext returns the identity attached by the middleware. Requests
// that bypassed the middleware resolve to the anonymous viewer.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityKey{}).(Identity); ok {
		return id
	}
	return Identity{UserID: AnonymousUser, Roles: []string{"viewer"}}
}

// WithIdentity returns a context carrying the identity. Exposed for
// handler tests.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// Middleware attaches the resolved identity to the request context. In
// jwt mode an invalid or missing token is rejected with 401 before the
// handler runs.
func Middleware(cfg Config, logger *zap.Logger) func(http.Handler) http.Handler {
	userHeader := cfg.UserIDHeader
	if userHeader == "" {
		userHeader = "x-user-id"
	}
	rolesHeader := cfg.RolesHeader
	if rolesHeader == "" {
		rolesHeader = "x-roles"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id Identity
			switch cfg.Mode {
			case ModeNone:
				id = Identity{UserID: AnonymousUser, Roles: []string{"viewer", "planner", "executor"}}

			case ModeJWT:
				token := bearerToken(r.Header.Get("Authorization"))
				if token == "" {
					writeAuthProblem(w, "missing bearer token")
					return
				}
				resolved, err := verifyJWT(token, cfg)
				if err != nil {
					logger.Debug("rejected token", zap.Error(err))
					writeAuthProblem(w, "invalid or expired token")
					return
				}
				id = resolved

			default: // header
				userID := r.Header.Get(userHeader)
				if userID == "" {
					userID = AnonymousUser
				}
				roles := parseRoles(r.Header.Get(rolesHeader))
				if len(roles) == 0 {
					roles = []string{"viewer"}
				}
				id = Identity{UserID: userID, Roles: roles}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func verifyJWT(tokenString string, cfg Config) (Identity, error) {
	if cfg.JWTSecret == "" {
		return Identity{}, fmt.Errorf("jwt secret not configured")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTAudience != "" {
		opts = append(opts, jwt.WithAudience(cfg.JWTAudience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return Identity{}, err
	}

	userID := AnonymousUser
	for _, key := range []string{"sub", "user_id", "uid"} {
		if v, ok := claims[key].(string); ok && v != "" {
			userID = v
			break
		}
	}

	roles := rolesFromClaims(claims)
	if len(roles) == 0 {
		roles = []string{"viewer"}
	}
	return Identity{UserID: userID, Roles: roles}, nil
}

func rolesFromClaims(claims jwt.MapClaims) []string {
	for _, key := range []string{"roles", "role", "scope"} {
		switch v := claims[key].(type) {
		case string:
			if roles := parseRoles(v); len(roles) > 0 {
				return roles
			}
		case []any:
			var roles []string
			for _, item := range v {
				if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
					roles = append(roles, strings.TrimSpace(s))
				}
			}
			if len(roles) > 0 {
				return roles
			}
		}
	}
	return nil
}

// parseRoles splits a role list on commas and whitespace.
func parseRoles(value string) []string {
	var roles []string
	for _, part := range strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	}) {
		if part != "" {
			roles = append(roles, part)
		}
	}
	return roles
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}

func writeAuthProblem(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://eidolon.dev/problems/unauthorized",
		"title":  "Unauthorized",
		"status": http.StatusUnauthorized,
		"detail": detail,
	})
}
