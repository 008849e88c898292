package testutil

import (
	"net/http"

	"radioguard/pkg/requestcontext"
)

// WithRequestContext establishes a request context on req, as the correlation
// middleware would, for handlers tested without the middleware chain.
func WithRequestContext(req *http.Request, opts ...requestcontext.Option) *http.Request {
	return req.WithContext(requestcontext.New(req.Context(), opts...))
}
