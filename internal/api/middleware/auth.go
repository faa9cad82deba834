package middleware

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/dbhive/dbhive/internal/api/response"
)

// AdminKey is middleware that guards mutating routes. The X-Admin-Key
// header is compared against the configured bcrypt hash; missing or
// mismatched keys return 401.
func AdminKey(keyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := GetRequestID(r.Context())

			rawKey := r.Header.Get("X-Admin-Key")
			if rawKey == "" {
				response.Err(w, http.StatusUnauthorized, "UNAUTHORIZED", "Admin key is required", requestID)
				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(rawKey)); err != nil {
				response.Err(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid admin key", requestID)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
