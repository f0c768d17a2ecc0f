package logging

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/crudkit/crudkit/requestroom"
	"go.uber.org/zap"
)

// RoomKey is the request-room key the per-request logger registers under.
const RoomKey = "__loggy__"

// UserFromRequest resolves the acting user's identifier for audit lines.
// Replace it during boot if the application carries authenticated users.
var UserFromRequest = func(r *http.Request) string { return "" }

// Loggy is the per-request audit logger. Every line carries the trace id,
// request coordinates and a verdict: PG while the request is in progress,
// OK or ER once it finalized.
type Loggy struct {
	TraceID string

	base     *zap.Logger
	method   string
	path     string
	ip       string
	user     string
	app      string
	version  string
	platform string
}

// NewLoggy builds the request logger, minting or stacking the trace id
// from the inbound trace header.
func NewLoggy(r *http.Request) *Loggy {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return &Loggy{
		TraceID:  MakeTraceID(r.Header.Get(TraceHeaderKey)),
		base:     processLogger,
		method:   r.Method,
		path:     r.URL.RequestURI(),
		ip:       host,
		user:     UserFromRequest(r),
		app:      r.Header.Get("x-app"),
		version:  r.Header.Get("x-version"),
		platform: r.Header.Get("x-platform"),
	}
}

// Enable registers the per-request logger into the request room. Safe to
// call more than once.
func Enable() {
	if requestroom.Registered(RoomKey) {
		return
	}
	requestroom.Register(RoomKey, func(r *http.Request) any {
		return NewLoggy(r)
	})
}

// FromContext returns the request's Loggy, or a detached one bound to the
// process logger when called outside a request scope.
func FromContext(ctx context.Context) *Loggy {
	if requestroom.Registered(RoomKey) {
		if l, ok := requestroom.InstanceOf(ctx, RoomKey).(*Loggy); ok && l != nil {
			return l
		}
	}
	return &Loggy{base: processLogger}
}

func (l *Loggy) fields(statusCode int, verdict string) []zap.Field {
	status := "000" // pending
	if verdict != "PG" {
		status = strconv.Itoa(statusCode)
	}
	return []zap.Field{
		zap.String("requestId", l.TraceID),
		zap.String("user", l.user),
		zap.String("ip", l.ip),
		zap.String("path", l.path),
		zap.String("method", l.method),
		zap.String("app", l.app),
		zap.String("version", l.version),
		zap.String("platform", l.platform),
		zap.String("statusCode", status),
		zap.String("verdict", verdict),
	}
}

// Log emits an in-progress line.
func (l *Loggy) Log(parts ...string) {
	l.base.Info(strings.Join(parts, " "), l.fields(0, "PG")...)
}

// Error emits an in-progress error line.
func (l *Loggy) Error(message string, err error) {
	fields := l.fields(0, "PG")
	if err != nil {
		fields = append(fields, zap.String("error", err.Error()))
	}
	l.base.Error(message, fields...)
}

// Success emits the finalized OK line for the request.
func (l *Loggy) Success(statusCode int, parts ...string) {
	l.base.Info(strings.Join(parts, " "), l.fields(statusCode, "OK")...)
}

// Failed emits the finalized error line for the request.
func (l *Loggy) Failed(statusCode int, message string, err error) {
	fields := l.fields(statusCode, "ER")
	if err != nil {
		fields = append(fields, zap.String("error", err.Error()))
	} else {
		fields = append(fields, zap.String("error", "(no-error-message)"))
	}
	l.base.Error(message, fields...)
}
