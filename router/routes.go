package router

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
)

// Middleware is the standard http middleware shape.
type Middleware = func(http.Handler) http.Handler

// HandlerFunc is a controller method: it returns the payload to wrap into
// the success envelope, or an error to forward to the error channel.
type HandlerFunc func(c *Context) (any, error)

// Route declares one operation of a controller.
type Route struct {
	Method      string
	Path        string
	Middlewares []Middleware
	Handler     HandlerFunc

	// Summary and Description feed the OpenAPI document synthesis.
	Summary     string
	Description string
}

// RouteMap binds operation names to routes. Names exist for diagnostics
// and document generation; dispatch goes through the Handler directly.
type RouteMap map[string]Route

// Controller exposes a route map to be materialized under a mount prefix.
type Controller interface {
	Routes() RouteMap
}

// MountInfo records a materialized route for introspection and document
// generation.
type MountInfo struct {
	Operation string
	Method    string
	Pattern   string
	Summary   string
	Desc      string
}

// Mount materializes a controller's route map under prefix. Every route
// gets the per-request value bag, the route's declared middleware chain in
// order, and a terminal handler that wraps the controller method. The
// returned infos describe what was registered.
func Mount(mux chi.Router, prefix string, ctrl Controller) []MountInfo {
	routes := ctrl.Routes()

	// Deterministic registration order; chi resolves specificity on its
	// own but stable ordering keeps logs and documents reproducible.
	names := make([]string, 0, len(routes))
	for name := range routes {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]MountInfo, 0, len(names))
	mux.Route(prefix, func(sub chi.Router) {
		for _, name := range names {
			route := routes[name]
			chain := append([]Middleware{WithValues()}, route.Middlewares...)
			sub.With(chain...).Method(route.Method, route.Path, terminal(route))
			infos = append(infos, MountInfo{
				Operation: name,
				Method:    route.Method,
				Pattern:   joinPattern(prefix, route.Path),
				Summary:   route.Summary,
				Desc:      route.Description,
			})
		}
	})
	return infos
}

// terminal invokes the controller method and wraps its result into the
// success envelope, unless the handler flagged the response as already
// written. Errors go to the JSON error channel unchanged.
func terminal(route Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := NewContext(w, r)
		out, err := route.Handler(c)
		if err != nil {
			RenderError(c, err)
			return
		}
		if c.skipEnvlp {
			return
		}
		writeJSON(w, http.StatusOK, successEnvelope{Success: true, Data: out})
	}
}

func joinPattern(prefix, path string) string {
	if path == "/" {
		return prefix
	}
	return prefix + path
}

// Guard adapts a fallible check into a Middleware: on error the request is
// answered with the JSON error envelope and the chain stops.
func Guard(fn func(c *Context) error) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := NewContext(w, r)
			if err := fn(c); err != nil {
				RenderError(c, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
