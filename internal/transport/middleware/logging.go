package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/frahmantamala/restaurant-pos/pkg/logger"
)

const redacted = "[REDACTED]"

// webhook bodies can be large; they are logged only when small enough
const maxLoggedBody = 64 << 10

// redactedKeys are JSON keys whose values never reach the logs, matched case-insensitively.
var redactedKeys = map[string]struct{}{
	"payment_method_token": {},
	"card_number":          {},
	"cvc":                  {},
	"api_key":              {},
	"webhook_secret":       {},
	"signature":            {},
	"authorization":        {},
	"token":                {},
	"secret":               {},
	"password":             {},
}

// redactedHeaders carry credentials. Provider webhook signatures all end in "-Signature".
var redactedHeaders = map[string]struct{}{
	"Authorization": {},
	"Cookie":        {},
	"X-Api-Key":     {},
}

// LoggingMiddleware writes one line per request through the context logger, so request_id and
// terminal_id set by earlier middleware come along. Bodies are logged for error responses only.
func LoggingMiddleware(base *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqBody := peekBody(r)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			var respBody bytes.Buffer
			ww.Tee(&respBody)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status_code", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"response_size", ww.BytesWritten(),
				"remote_addr", r.RemoteAddr,
			}

			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}
			if level != slog.LevelInfo {
				attrs = append(attrs,
					"headers", redactHeaders(r.Header),
					"request_body", redactBody(reqBody),
					"response_body", redactBody(respBody.Bytes()))
			}

			logger.From(r.Context(), base).Log(r.Context(), level, "request completed", attrs...)
		})
	}
}

// peekBody reads a small request body and puts it back for the handler.
func peekBody(r *http.Request) []byte {
	if r.Body == nil || r.ContentLength < 0 || r.ContentLength > maxLoggedBody {
		return nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body
}

func redactHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		canonical := http.CanonicalHeaderKey(name)
		if _, ok := redactedHeaders[canonical]; ok || strings.HasSuffix(canonical, "-Signature") {
			out[name] = redacted
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// redactBody masks redacted keys at any depth of a JSON body. Non-JSON bodies are dropped
// since they cannot be inspected.
func redactBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "[non-JSON body omitted]"
	}
	out, err := json.Marshal(redactValue(doc))
	if err != nil {
		return "[unloggable body]"
	}
	return string(out)
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			if _, ok := redactedKeys[strings.ToLower(k)]; ok {
				t[k] = redacted
				continue
			}
			t[k] = redactValue(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = redactValue(inner)
		}
		return t
	default:
		return v
	}
}
