package api

import (
	"fmt"
	"net/http"
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// AuthMiddleware gates the admin surface with a bearer JWT signed with the
// configured admin token as an HMAC secret, the same Authorization-header
// shape the teacher uses for its webhook endpoints.
type AuthMiddleware struct {
	secret []byte
}

// NewAuthMiddleware builds an AuthMiddleware from the configured
// api_admin_token. An empty secret disables the admin surface entirely
// rather than accepting unsigned tokens.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{secret: []byte(secret)}
}

func (a *AuthMiddleware) verify(r *http.Request) error {
	if len(a.secret) == 0 {
		return fmt.Errorf("admin API disabled: no api_admin_token configured")
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return fmt.Errorf("missing Authorization header")
	}
	tokenStr := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	token, err := jwtlib.Parse(tokenStr, func(token *jwtlib.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid JWT: %w", err)
	}
	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("invalid JWT claims")
	}
	if sub, _ := claims["sub"].(string); sub != "admin" {
		return fmt.Errorf("JWT sub must be \"admin\"")
	}
	return nil
}

// Middleware rejects any request lacking a valid admin JWT.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.verify(r); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintf(w, `{"error":%q}`, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
