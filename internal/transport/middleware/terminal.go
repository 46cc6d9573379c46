package middleware

import (
	"net/http"

	"github.com/frahmantamala/restaurant-pos/pkg/logger"
)

const TerminalIDHeader = "X-Terminal-ID"

// TerminalContext tags the context logger with the POS terminal that sent the request.
// Authentication happens upstream of this service.
func TerminalContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		terminalID := r.Header.Get(TerminalIDHeader)
		if terminalID == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := logger.With(r.Context(), "terminal_id", terminalID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
