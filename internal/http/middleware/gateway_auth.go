package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/groundguard/internal/tenancy"
)

// GatewayClaims is the token the upstream gateway issues after it has
// authenticated and authorized the caller. The subject is the user id.
type GatewayClaims struct {
	TenantID string `json:"tenant_id"`
	Region   string `json:"region,omitempty"`
	jwt.RegisteredClaims
}

// GatewayAuth enforces an HMAC-signed gateway token and stores the caller's
// tenant, user and region on the request context.
func GatewayAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "gateway auth disabled", http.StatusUnauthorized)
				return
			}
			tokenString, ok := bearerToken(r)
			if !ok {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			claims := GatewayClaims{}
			token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			principal := tenancy.Principal{
				TenantID: strings.TrimSpace(claims.TenantID),
				UserID:   strings.TrimSpace(claims.Subject),
				Region:   strings.TrimSpace(claims.Region),
			}
			if principal.TenantID == "" || principal.UserID == "" {
				http.Error(w, "token missing tenant or subject", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(tenancy.WithPrincipal(r.Context(), principal)))
		})
	}
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a websocket upgrade, so the access_token query parameter is accepted too.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		return token, token != ""
	}
	if auth == "" {
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			return token, true
		}
	}
	return "", false
}
