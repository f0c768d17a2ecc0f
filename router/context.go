// Package router materializes declarative route maps onto a chi router,
// wraps handler results into the framework's success envelope and converts
// thrown errors into the JSON error envelope.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/crudkit/crudkit/logging"
	"github.com/crudkit/crudkit/orm"
	"github.com/go-chi/chi/v5"
)

type ctxKey int

const (
	entityManagerKey ctxKey = iota
	valuesKey
)

// ErrBodyNotObject is returned when a JSON body decodes to something other
// than an object.
var ErrBodyNotObject = errors.New("request body is not a JSON object")

// Context carries one request through a controller method: the raw
// request/response pair, route parameters, the lazily decoded JSON body
// and the per-request entity manager installed by WithEntityManager.
type Context struct {
	Request  *http.Request
	Response http.ResponseWriter

	body       orm.Record
	bodyErr    error
	bodyRead   bool
	skipEnvlp  bool
	statusSent bool
}

// NewContext builds a handler context for a request.
func NewContext(w http.ResponseWriter, r *http.Request) *Context {
	return &Context{Request: r, Response: w}
}

// Context returns the request's context.Context.
func (c *Context) Context() context.Context {
	return c.Request.Context()
}

// Param returns a route path parameter.
func (c *Context) Param(name string) string {
	return chi.URLParam(c.Request, name)
}

// Query returns the first query-string value for name.
func (c *Context) Query(name string) string {
	return c.Request.URL.Query().Get(name)
}

// QueryCSV splits a comma-separated query value, dropping blanks.
func (c *Context) QueryCSV(name string) []string {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Body decodes the request body as a JSON object, once. A missing body
// yields (nil, nil); a non-object body yields ErrBodyNotObject.
func (c *Context) Body() (orm.Record, error) {
	if c.bodyRead {
		return c.body, c.bodyErr
	}
	c.bodyRead = true

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.bodyErr = err
		return nil, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		c.bodyErr = err
		return nil, err
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		c.bodyErr = ErrBodyNotObject
		return nil, ErrBodyNotObject
	}
	c.body = obj
	return c.body, nil
}

// EM returns the per-request entity manager, or nil when the entity
// manager middleware was not installed.
func (c *Context) EM() orm.EntityManager {
	em, _ := c.Request.Context().Value(entityManagerKey).(orm.EntityManager)
	return em
}

// Logger returns the request's audit logger.
func (c *Context) Logger() *logging.Loggy {
	return logging.FromContext(c.Request.Context())
}

// Set stores a value for downstream middlewares/handlers of the same
// request.
func (c *Context) Set(key string, v any) {
	values(c.Request)[key] = v
}

// Get retrieves a value stored by an upstream middleware.
func (c *Context) Get(key string) any {
	return values(c.Request)[key]
}

// SkipEnvelope marks the response as already written so the terminal
// handler does not wrap the result into the success envelope.
func (c *Context) SkipEnvelope() {
	c.skipEnvlp = true
}

func values(r *http.Request) map[string]any {
	if m, ok := r.Context().Value(valuesKey).(map[string]any); ok {
		return m
	}
	// No values middleware installed; return a throwaway map so Set/Get
	// stay total.
	return map[string]any{}
}

// WithValues seeds the per-request value bag. Mount installs it for every
// route chain.
func WithValues() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), valuesKey, map[string]any{})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithEntityManager forks the base entity manager once per request and
// installs the fork into the request context. Forks are never shared
// across requests.
func WithEntityManager(base orm.EntityManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), entityManagerKey, base.Fork())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
