package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func serveRequestID(headers map[string]string) (seen string, echoed string) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return seen, rec.Header().Get("X-Request-ID")
}

func TestRequestIDPropagatesClientValue(t *testing.T) {
	seen, echoed := serveRequestID(map[string]string{"X-Request-ID": "abc-123"})
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", echoed)

	seen, _ = serveRequestID(map[string]string{"X-Correlation-ID": "corr-9"})
	assert.Equal(t, "corr-9", seen)
}

func TestRequestIDReplacesUnusableValues(t *testing.T) {
	for _, bad := range []string{"", "has space", "tab\tid", strings.Repeat("a", maxRequestIDLength+1), "ünïcode"} {
		seen, echoed := serveRequestID(map[string]string{"X-Request-ID": bad})
		_, err := uuid.Parse(seen)
		assert.NoError(t, err, "input %q", bad)
		assert.Equal(t, seen, echoed)
	}
}
