package httpmiddleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/sdk/zctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWrap_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Wrap(okHandler(), mark("outer"), mark("middle"), mark("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "middle", "inner"}, order)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "kept", incoming: "req-123", keep: true},
		{name: "generated when missing"},
		{name: "replaced when too long", incoming: strings.Repeat("a", 129)},
		{name: "replaced when not printable", incoming: "bad\x01id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			got := w.Header().Get(RequestIDHeader)
			require.NotEmpty(t, got)
			assert.Equal(t, got, seen)
			if tt.keep {
				assert.Equal(t, tt.incoming, got)
			} else {
				assert.NotEqual(t, tt.incoming, got)
				assert.Len(t, got, 36)
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), InjectLogger(zap.New(core)), Recovery())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "close", w.Header().Get("Connection"))
	require.Equal(t, 1, logs.FilterMessage("Panic recovered").Len())
}

func TestLogRequests_Route(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	r := chi.NewRouter()
	r.Use(LogRequests, Labeler)
	r.Get("/api/orders/{orderID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := Wrap(r,
		RequestID(),
		InjectLogger(zap.New(core)),
		Instrument("pos-test", tracenoop.NewTracerProvider(), noop.NewMeterProvider()),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/o-1", nil)
	req.Header.Set(RequestIDHeader, "req-7")
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("Request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/api/orders/{orderID}", fields["route"])
	assert.Equal(t, "/api/orders/o-1", fields["path"])
	assert.EqualValues(t, http.StatusNotFound, fields["status"])
	assert.Equal(t, "req-7", fields["request_id"])
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
}

func TestInjectLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := Wrap(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		zctx.From(r.Context()).Info("inside")
	}), RequestID(), InjectLogger(zap.New(core)))

	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(context.Background())
	req.Header.Set(RequestIDHeader, "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "abc", logs.All()[0].ContextMap()["request_id"])
}

func TestCORS(t *testing.T) {
	h := CORS(CORSConfig{
		AllowOrigins: []string{"https://pos.example.com"},
		AllowHeaders: []string{"Content-Type", "api_key"},
		MaxAge:       600,
	})(okHandler())

	t.Run("preflight allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/session", nil)
		req.Header.Set("Origin", "https://pos.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, "https://pos.example.com", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPatch)
	})

	t.Run("foreign origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/products", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}
