package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"patrolkeeper/auth"
)

type contextKey string

const DeviceContextKey contextKey = "device"

// AuthMiddleware validates device tokens and injects the claims into context
func AuthMiddleware(jwtManager *auth.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			token, err := auth.ExtractToken(authHeader)
			if err != nil {
				writeError(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := jwtManager.ValidateToken(token)
			if err != nil {
				log.Printf("⚠️  Rejected token from %s: %v", clientIP(r), err)
				writeError(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), DeviceContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetDeviceFromContext retrieves the authenticated device from the request context
func GetDeviceFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(DeviceContextKey).(*auth.Claims)
	return claims, ok
}

// RequireRole middleware checks if the token holder has one of the allowed roles
func RequireRole(allowedRoles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetDeviceFromContext(r.Context())
			if !ok {
				writeError(w, "Device not found in context", http.StatusUnauthorized)
				return
			}

			for _, role := range allowedRoles {
				if claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, "Insufficient permissions", http.StatusForbidden)
		})
	}
}

// WithDevice returns a copy of ctx carrying claims.
func WithDevice(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, DeviceContextKey, claims)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
