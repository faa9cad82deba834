package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dbhive/dbhive/internal/api/response"
)

// Recovery turns a handler panic into a logged 500 instead of a dropped
// connection. The stack is logged, never sent to the client.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				requestID := GetRequestID(r.Context())
				slog.Error("handler panicked",
					"panic", rec,
					"requestId", requestID,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", requestID)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
