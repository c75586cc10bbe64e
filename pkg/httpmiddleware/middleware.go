// Package httpmiddleware provides net/http middleware shared by the API
// server: panic recovery, CORS, rate limiting, request ids, structured
// request logging and OpenTelemetry instrumentation.
package httpmiddleware

import (
	"net/http"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Wrap applies middlewares to h. The first middleware is the outermost.
func Wrap(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
