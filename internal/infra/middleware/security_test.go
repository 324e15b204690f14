package middleware

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func request(remote string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = remote
	return req
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(ok).ServeHTTP(w, request("10.0.0.1:1234"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"), "no HSTS without TLS")
}

func TestSecurityHeadersHSTSWithTLS(t *testing.T) {
	req := request("10.0.0.1:1234")
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()
	SecurityHeaders(ok).ServeHTTP(w, req)

	assert.Contains(t, w.Header().Get("Strict-Transport-Security"), "max-age=")
}

func TestRateLimitBlocksExcessiveTraffic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, 60, 3)(ok)

	codes := make([]int, 0, 5)
	for range 5 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, request("10.0.0.1:1234"))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{200, 200, 200, 429, 429}, codes)
}

func TestRateLimitSeparatesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, 60, 1)(ok)

	for _, remote := range []string{"10.0.0.1:1", "10.0.0.2:1", "10.0.0.1:2"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, request(remote))
		if remote == "10.0.0.1:2" {
			assert.Equal(t, http.StatusTooManyRequests, w.Code, "same host, different port")
		} else {
			assert.Equal(t, http.StatusOK, w.Code, remote)
		}
	}
}

func TestRateLimitIgnoresForwardedHeaders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, 60, 1)(ok)

	for i, spoof := range []string{"1.1.1.1", "2.2.2.2"} {
		req := request("10.0.0.9:5000")
		req.Header.Set("X-Forwarded-For", spoof)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if i == 0 {
			assert.Equal(t, http.StatusOK, w.Code)
		} else {
			assert.Equal(t, http.StatusTooManyRequests, w.Code)
		}
	}
}

func TestClientIP(t *testing.T) {
	assert.Equal(t, "10.0.0.1", ClientIP(request("10.0.0.1:8080")))
	assert.Equal(t, "::1", ClientIP(request("[::1]:8080")))
	assert.Equal(t, "pipe", ClientIP(request("pipe")))
}
