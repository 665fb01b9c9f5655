package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"

	maxRequestIDLength = 128
)

// requestIDHeaders are checked in order; the first usable value wins.
var requestIDHeaders = []string{"X-Request-ID", "X-Correlation-ID"}

// RequestID propagates the caller's request id, generating one when none
// is usable. The id is echoed as X-Request-ID and lands in the generation
// record metadata.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := incomingRequestID(r)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, rid)))
	})
}

func incomingRequestID(r *http.Request) string {
	for _, h := range requestIDHeaders {
		if rid := strings.TrimSpace(r.Header.Get(h)); usableRequestID(rid) {
			return rid
		}
	}
	return ""
}

// usableRequestID accepts printable ASCII without spaces.
func usableRequestID(rid string) bool {
	if rid == "" || len(rid) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(rid); i++ {
		if rid[i] <= ' ' || rid[i] > '~' {
			return false
		}
	}
	return true
}

func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
