package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	jwtutil "coffee-fleet/backend/app/jwt"
	"coffee-fleet/protocol"
)

type Auth struct{ Signer *jwtutil.Signer }

func deny(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.Envelope{Error: &protocol.Error{Code: code, Message: msg}})
}

func (a *Auth) claims(r *http.Request) (*jwtutil.Claims, bool) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return nil, false
	}
	claims, err := a.Signer.Parse(strings.TrimPrefix(authz, "Bearer "))
	if err != nil {
		return nil, false
	}
	return claims, true
}

func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := a.claims(r)
		if !ok {
			deny(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

func (a *Auth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := a.claims(r)
		if !ok {
			deny(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "missing or invalid bearer token")
			return
		}
		if claims.Role != "admin" {
			deny(w, http.StatusForbidden, protocol.CodeForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}
