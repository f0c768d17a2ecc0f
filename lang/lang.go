// Package lang resolves the request's preferred language from the x-lang
// header through a request-room-registered service, so any depth of the
// call tree can ask for the current language without parameter threading.
package lang

import (
	"context"
	"net/http"

	"github.com/crudkit/crudkit/requestroom"
)

// RoomKey is the request-room key the language resolver registers under.
const RoomKey = "__lang__"

// HeaderKey is the request header consulted for the language symbol.
var HeaderKey = "x-lang"

// DefaultSymbol is returned when neither the header nor the caller's
// fallback supplies a language.
var DefaultSymbol = "en"

// Lang holds the language resolved from one request's headers.
type Lang struct {
	fromHeader string
}

// New builds the per-request language resolver.
func New(r *http.Request) *Lang {
	return &Lang{fromHeader: r.Header.Get(HeaderKey)}
}

// Value returns the raw header value, which may be empty.
func (l *Lang) Value() string {
	if l == nil {
		return ""
	}
	return l.fromHeader
}

// Enable registers the resolver into the request room. Safe to call more
// than once.
func Enable() {
	if requestroom.Registered(RoomKey) {
		return
	}
	requestroom.Register(RoomKey, func(r *http.Request) any {
		return New(r)
	})
}

// Current returns the request's language, preferring the header value,
// then the caller's fallback, then DefaultSymbol.
func Current(ctx context.Context, fallback string) string {
	l, _ := requestroom.InstanceOf(ctx, RoomKey).(*Lang)
	if v := l.Value(); v != "" {
		return v
	}
	if fallback != "" {
		return fallback
	}
	return DefaultSymbol
}
