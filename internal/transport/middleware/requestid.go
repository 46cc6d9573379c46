package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/frahmantamala/restaurant-pos/pkg/logger"
)

const RequestIDHeader = "X-Request-ID"

// RequestID reuses the caller's request id or mints one, echoes it back and attaches it to the
// context logger.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}

		ctx := logger.With(r.Context(), "request_id", requestID)
		w.Header().Set(RequestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
