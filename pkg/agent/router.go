package agent

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/cuemby/burrow/pkg/protocol"
)

// HandlerFunc is an agent route handler. Path parameters declared with
// :name in the pattern arrive in params.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, params map[string]string)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

type route struct {
	method string
	re     *regexp.Regexp
	names  []string
	fn     HandlerFunc
}

// Router dispatches on method plus path pattern. Patterns are static
// segments and :param captures; no wildcards.
type Router struct {
	routes     []route
	middleware []Middleware
}

func NewRouter() *Router {
	return &Router{}
}

// Use appends middleware; the first registered runs outermost.
func (rt *Router) Use(mw ...Middleware) {
	rt.middleware = append(rt.middleware, mw...)
}

// Handle registers a handler for method + pattern.
func (rt *Router) Handle(method, pattern string, fn HandlerFunc) {
	re, names := compilePattern(pattern)
	rt.routes = append(rt.routes, route{method: method, re: re, names: names, fn: fn})
}

// GET and POST are shorthands for Handle.
func (rt *Router) GET(pattern string, fn HandlerFunc) {
	rt.Handle(http.MethodGet, pattern, fn)
}

func (rt *Router) POST(pattern string, fn HandlerFunc) {
	rt.Handle(http.MethodPost, pattern, fn)
}

// Handler returns the router wrapped in its middleware chain.
func (rt *Router) Handler() http.Handler {
	var h http.Handler = http.HandlerFunc(rt.dispatch)
	for i := len(rt.middleware) - 1; i >= 0; i-- {
		h = rt.middleware[i](h)
	}
	return h
}

func (rt *Router) dispatch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	pathKnown := false

	for _, rte := range rt.routes {
		m := rte.re.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		pathKnown = true
		if rte.method != r.Method {
			continue
		}
		params := make(map[string]string, len(rte.names))
		for i, name := range rte.names {
			params[name] = m[i+1]
		}
		rte.fn(w, r, params)
		return
	}

	if pathKnown {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = w.Write([]byte(`{"status":1422,"code":"invalid_request","message":"method not allowed"}`))
		return
	}
	protocol.WriteError(w, protocol.NewError(protocol.CodeNotFound,
		"no route for %s", path))
}

// compilePattern turns "/api/v1/process/:id/logs" into an anchored
// regexp with one capture per :param.
func compilePattern(pattern string) (*regexp.Regexp, []string) {
	segments := strings.Split(pattern, "/")
	var names []string
	var sb strings.Builder
	sb.WriteString("^")
	for i, seg := range segments {
		if i > 0 {
			sb.WriteString("/")
		}
		if strings.HasPrefix(seg, ":") {
			names = append(names, seg[1:])
			sb.WriteString("([^/]+)")
			continue
		}
		sb.WriteString(regexp.QuoteMeta(seg))
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String()), names
}
