package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// hit sends one request from remoteAddr with optional headers.
func hit(h http.Handler, remoteAddr string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_UnderLimit(t *testing.T) {
	handler := RateLimit(RateLimitConfig{Max: 5, Window: time.Minute})(okHandler())

	for i := range 5 {
		w := hit(handler, "192.168.1.1:12345")
		assert.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	handler := RateLimit(RateLimitConfig{Max: 2, Window: time.Minute})(okHandler())

	for range 2 {
		require.Equal(t, http.StatusOK, hit(handler, "10.0.0.1:9999").Code)
	}

	w := hit(handler, "10.0.0.1:9999")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var (
		code int
		msg  string
	)
	err := jx.DecodeBytes(w.Body.Bytes()).ObjBytes(func(d *jx.Decoder, key []byte) (err error) {
		switch string(key) {
		case "code":
			code, err = d.Int()
		case "message":
			msg, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate limit exceeded", msg)
}

func TestRateLimit_Keys(t *testing.T) {
	tests := []struct {
		name    string
		keyFunc func(*http.Request) string
		first   []string
		same    []string
		other   []string
	}{
		{
			name:  "remote addr",
			first: []string{"10.0.0.1:1234"},
			same:  []string{"10.0.0.1:5678"},
			other: []string{"10.0.0.2:1234"},
		},
		{
			name:  "x-forwarded-for first hop",
			first: []string{"192.168.1.1:4444", "X-Forwarded-For", "203.0.113.50, 70.41.3.18"},
			same:  []string{"192.168.1.2:5555", "X-Forwarded-For", "203.0.113.50, 70.41.3.18"},
			other: []string{"192.168.1.2:5555", "X-Forwarded-For", "198.51.100.7"},
		},
		{
			name:    "operator api key",
			keyFunc: HeaderKey("api_key"),
			first:   []string{"10.0.0.1:1", "api_key", "key-a"},
			same:    []string{"10.0.0.9:1", "api_key", "key-a"},
			other:   []string{"10.0.0.1:1", "api_key", "key-b"},
		},
		{
			name:    "api key falls back to ip",
			keyFunc: HeaderKey("api_key"),
			first:   []string{"10.0.0.1:1"},
			same:    []string{"10.0.0.1:2"},
			other:   []string{"10.0.0.1:3", "api_key", "key-a"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute, KeyFunc: tt.keyFunc})(okHandler())

			assert.Equal(t, http.StatusOK, hit(handler, tt.first[0], tt.first[1:]...).Code)
			assert.Equal(t, http.StatusTooManyRequests, hit(handler, tt.same[0], tt.same[1:]...).Code)
			assert.Equal(t, http.StatusOK, hit(handler, tt.other[0], tt.other[1:]...).Code)
		})
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Max: 4, Window: time.Minute})
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for range 4 {
		_, _, ok := rl.allow("k", start)
		require.True(t, ok)
	}
	_, _, ok := rl.allow("k", start.Add(30*time.Second))
	assert.False(t, ok, "window still full")

	// Half way into the next window the previous count weighs 50%.
	_, _, ok = rl.allow("k", start.Add(90*time.Second))
	assert.True(t, ok)

	rl.cleanup(start.Add(10 * time.Minute))
	assert.Empty(t, rl.entries)
}
