// Package transport provides the HTTP surface of the bastion resource
// server: an ordered-rule router, the SSE streaming endpoints, and the
// protected-resource discovery handler.
package transport

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/stackmesh/bastion/pkg/logger"
)

// MiddlewareFunc is one stage of the request pipeline. The stage may
// short-circuit by writing a response and not invoking next; it must not
// write after calling next.
type MiddlewareFunc func(w http.ResponseWriter, r *http.Request, next http.HandlerFunc)

// WrapMiddleware adapts classic http.Handler-wrapping middleware to the
// explicit-continuation form the router runs.
func WrapMiddleware(mw func(http.Handler) http.Handler) MiddlewareFunc {
	return func(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		mw(next).ServeHTTP(w, r)
	}
}

// rule is one (method, pattern, handler) routing entry.
type rule struct {
	method  string
	match   func(path string) bool
	handler http.HandlerFunc
}

// Router dispatches requests through an ordered middleware chain to the
// first matching rule, in registration order. The chain guarantees
// at-most-once invocation of the terminal handler and never runs a later
// stage once the response has been written.
type Router struct {
	middlewares []MiddlewareFunc
	rules       []rule

	// NotFound answers requests no rule matches.
	NotFound http.HandlerFunc
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		NotFound: func(w http.ResponseWriter, _ *http.Request) {
			WriteJSONError(w, http.StatusNotFound, "not_found", "no handler for this path")
		},
	}
}

// Use appends a middleware stage. Stages run in registration order.
func (rt *Router) Use(mw MiddlewareFunc) {
	rt.middlewares = append(rt.middlewares, mw)
}

// Handle registers a handler for a method and path pattern. Patterns are
// matched exactly, except a single trailing "*" which matches the prefix
// before it. Method "*" matches any method.
func (rt *Router) Handle(method, pattern string, handler http.HandlerFunc) {
	var match func(string) bool
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		match = func(path string) bool { return strings.HasPrefix(path, prefix) }
	} else {
		match = func(path string) bool { return path == pattern }
	}
	rt.rules = append(rt.rules, rule{method: method, match: match, handler: handler})
}

// HandleMatch registers a handler with an arbitrary path predicate.
func (rt *Router) HandleMatch(method string, match func(path string) bool, handler http.HandlerFunc) {
	rt.rules = append(rt.rules, rule{method: method, match: match, handler: handler})
}

func (rt *Router) findRule(r *http.Request) (rule, bool) {
	for _, candidate := range rt.rules {
		if candidate.method != "*" && candidate.method != r.Method {
			continue
		}
		if candidate.match(r.URL.Path) {
			return candidate, true
		}
	}
	return rule{}, false
}

// ServeHTTP implements http.Handler. The middleware chain runs even when
// no rule matches so cross-cutting stages (CORS preflight handling in
// particular) see every request; NotFound is then the terminal handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	terminal := rt.NotFound
	if matched, ok := rt.findRule(r); ok {
		terminal = matched.handler
	}

	rw := &responseWriter{ResponseWriter: w}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("panic handling %s %s: %v", r.Method, r.URL.Path, rec)
			if !rw.wrote {
				WriteJSONError(rw, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}
	}()

	c := &chain{
		middlewares: rt.middlewares,
		terminal:    terminal,
		rw:          rw,
	}
	c.dispatch(rw, r)
}

// chain walks the middleware stages with an index and a
// response-finalized flag instead of a pre-composed handler stack.
type chain struct {
	middlewares    []MiddlewareFunc
	terminal       http.HandlerFunc
	rw             *responseWriter
	index          int
	terminalCalled bool
}

func (c *chain) dispatch(w http.ResponseWriter, r *http.Request) {
	// Once the response is finalized no later stage may run.
	if c.rw.wrote {
		return
	}

	if c.index < len(c.middlewares) {
		mw := c.middlewares[c.index]
		c.index++
		mw(w, r, c.dispatch)
		return
	}

	if !c.terminalCalled {
		c.terminalCalled = true
		c.terminal(w, r)
	}
}

// responseWriter tracks whether anything has been written so the chain
// can refuse to run stages after finalization.
type responseWriter struct {
	http.ResponseWriter
	wrote bool
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.wrote = true
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wrote = true
	return rw.ResponseWriter.Write(b)
}

// Flush passes through so streaming handlers keep working behind the
// wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// WriteJSONError writes the structured error body used everywhere at the
// router boundary.
func WriteJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]any{
		"error":   http.StatusText(status),
		"code":    code,
		"message": message,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warnf("failed to write error response: %v", err)
	}
}
