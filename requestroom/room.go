// Package requestroom gives every in-flight HTTP request its own isolated
// bag of singleton-shaped service instances (logger, language resolver,
// trace id) without global mutable state leaking across requests.
//
// Services register a constructor under a string key at boot time; the
// room middleware instantiates every registered constructor once per
// request, carries the resulting room on the request's context.Context and
// clears it when the request unwinds, success or failure alike.
package requestroom

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
)

// Constructor builds one per-request service instance from the inbound
// request.
type Constructor func(r *http.Request) any

// registry maps service keys to constructors. It is populated during boot
// by Register and read-only once the first request is served; registration
// is deliberately not concurrency-safe.
var registry = map[string]Constructor{}

// roomCounter hands out monotonic room ids for diagnostics.
var roomCounter atomic.Uint64

// Register binds a constructor to a service key. Call it from package
// initialization or server setup, never while requests are in flight.
// Registering the same key twice panics: that is a wiring defect.
func Register(key string, ctor Constructor) {
	if _, dup := registry[key]; dup {
		panic(fmt.Sprintf("requestroom: key %q registered twice", key))
	}
	registry[key] = ctor
}

// Registered reports whether a key has a constructor.
func Registered(key string) bool {
	_, ok := registry[key]
	return ok
}

// Room is the per-request key→instance map. It is exclusively owned by the
// single request that created it and must never escape that request's
// call tree.
type Room struct {
	id   uint64
	data map[string]any
}

// ID returns the room's monotonic id.
func (rm *Room) ID() uint64 {
	return rm.id
}

// Get returns the instance stored under key, or nil.
func (rm *Room) Get(key string) any {
	if rm == nil {
		return nil
	}
	return rm.data[key]
}

// Set stores an instance under key.
func (rm *Room) Set(key string, v any) {
	rm.data[key] = v
}

// clear drops every held instance so references cannot leak into whatever
// the allocator hands this memory to next.
func (rm *Room) clear() {
	for k := range rm.data {
		delete(rm.data, k)
	}
}

// NewRoom builds a fresh room, synchronously instantiating every
// registered constructor with the inbound request.
func NewRoom(r *http.Request) *Room {
	rm := &Room{
		id:   roomCounter.Add(1),
		data: make(map[string]any, len(registry)),
	}
	for key, ctor := range registry {
		rm.data[key] = ctor(r)
	}
	return rm
}

type contextKey struct{}

// With binds a room to a context.
func With(ctx context.Context, rm *Room) context.Context {
	return context.WithValue(ctx, contextKey{}, rm)
}

// Current returns the room bound to the calling scope, or nil outside any
// request scope (for example during boot). It never panics.
func Current(ctx context.Context) *Room {
	if ctx == nil {
		return nil
	}
	rm, _ := ctx.Value(contextKey{}).(*Room)
	return rm
}

// InstanceOf resolves the per-request instance registered under key, or
// nil when called outside a request scope. Resolving a key that was never
// registered is a programmer defect and panics immediately rather than
// surfacing as a request-level error.
func InstanceOf(ctx context.Context, key string) any {
	if !Registered(key) {
		panic(fmt.Sprintf("requestroom: key %q was never registered", key))
	}
	return Current(ctx).Get(key)
}

// Resolve is the typed variant of InstanceOf. It returns the zero value
// when no room is bound or the instance has a different type.
func Resolve[T any](ctx context.Context, key string) T {
	v, _ := InstanceOf(ctx, key).(T)
	return v
}

// Run executes next inside a fresh room scope derived from ctx, clearing
// the room afterwards regardless of the outcome.
func Run(ctx context.Context, r *http.Request, next func(ctx context.Context) error) error {
	rm := NewRoom(r)
	defer rm.clear()
	return next(With(ctx, rm))
}

// Middleware installs a fresh room into every request's context. It is the
// HTTP-facing counterpart of Run.
func Middleware() func(http.Handler) http.Handler {
	return func(nextHandler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rm := NewRoom(r)
			defer rm.clear()
			nextHandler.ServeHTTP(w, r.WithContext(With(r.Context(), rm)))
		})
	}
}

// resetForTesting clears the registry between tests.
func resetForTesting() {
	registry = map[string]Constructor{}
}
