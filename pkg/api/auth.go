package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type subjectKey struct{}

// authSubject returns the token subject recorded during auth, or "" when
// auth is disabled.
func authSubject(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey{}).(string)
	return sub
}

// ServiceClaims is the bearer token payload for service-to-service auth.
// Role "admin" unlocks the administrative surface.
type ServiceClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// authAny requires any valid HS256 bearer token. With no secret configured
// auth is disabled (lite/dev deployments).
func (s *Server) authAny(next http.Handler) http.Handler {
	return s.requireToken(next, "")
}

// authAdmin requires a valid token carrying the admin role.
func (s *Server) authAdmin(next http.Handler) http.Handler {
	return s.requireToken(next, "admin")
}

func (s *Server) requireToken(next http.Handler, role string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.jwtSecret == "" {
			next.ServeHTTP(w, r)
			return
		}

		raw, ok := bearerToken(r)
		if !ok {
			WriteUnauthorized(w, "missing bearer token")
			return
		}

		claims := &ServiceClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(s.jwtSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			WriteUnauthorized(w, "invalid token")
			return
		}

		if role != "" && claims.Role != role {
			WriteForbidden(w, "the "+role+" role is required")
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return strings.TrimPrefix(auth, prefix), true
}
