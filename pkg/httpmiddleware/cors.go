package httpmiddleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSConfig configures the CORS middleware behaviour.
type CORSConfig struct {
	// AllowOrigins lists origins allowed to make cross-origin requests. An
	// empty list or the single entry "*" allows all origins.
	AllowOrigins []string

	// AllowMethods defaults to the verbs the API routes use.
	AllowMethods []string

	AllowHeaders  []string
	ExposeHeaders []string

	// AllowCredentials cannot be combined with a wildcard origin; the
	// requesting origin is echoed instead.
	AllowCredentials bool

	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int
}

var defaultCORSMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
}

// CORS returns a middleware that handles Cross-Origin Resource Sharing.
func CORS(cfg CORSConfig) Middleware {
	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods := cfg.AllowMethods
	if len(methods) == 0 {
		methods = defaultCORSMethods
	}

	opts := cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   methods,
		AllowedHeaders:   cfg.AllowHeaders,
		ExposedHeaders:   cfg.ExposeHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	}
	if cfg.AllowCredentials && hasWildcard(origins) {
		opts.AllowedOrigins = nil
		opts.AllowOriginFunc = func(*http.Request, string) bool { return true }
	}
	return cors.Handler(opts)
}

func hasWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
