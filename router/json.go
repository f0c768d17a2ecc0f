package router

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/crudkit/crudkit/httperr"
	"github.com/crudkit/crudkit/logging"
)

type successEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type errorEnvelope struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error"`
	Data    any    `json:"data,omitempty"`
}

// ErrorPipe can rewrite an error before it is rendered, e.g. to map
// engine-specific failures onto typed errors.
type ErrorPipe func(err error) error

// JSONConfig configures the audit/error middleware.
type JSONConfig struct {
	// ErrorPipeline runs over every error before rendering, in order.
	ErrorPipeline []ErrorPipe
	// SuppressPath is a regexp of paths excluded from audit logging.
	// Defaults to /healthcheck.
	SuppressPath string
}

var jsonConfig = JSONConfig{SuppressPath: "/healthcheck"}

// ConfigureJSON replaces the package's audit/error configuration. Boot
// time only.
func ConfigureJSON(cfg JSONConfig) {
	if cfg.SuppressPath == "" {
		cfg.SuppressPath = "/healthcheck"
	}
	jsonConfig = cfg
}

// RenderError converts err into the JSON error envelope. The HTTP status
// comes from the typed error, defaulting to 500 for opaque errors, whose
// details never reach the client.
func RenderError(c *Context, err error) {
	for _, pipe := range jsonConfig.ErrorPipeline {
		err = pipe(err)
	}
	he := httperr.From(err)
	c.Logger().Error("request failed", err)
	writeJSON(c.Response, he.StatusCode, errorEnvelope{
		Success: false,
		Code:    he.Code,
		Error:   he.Message,
		Data:    he.Data,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusRecorder captures the response status for the audit lines.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

// WithJSON emits the request's audit lines through the room logger: one
// in-progress line when the request starts and one finalized line with
// the response status once it completes.
func WithJSON() Middleware {
	suppress := regexp.MustCompile("(?i)" + jsonConfig.SuppressPath)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if suppress.MatchString(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			loggy := logging.FromContext(r.Context())
			audit := r.Method + " " + r.URL.RequestURI()
			loggy.Log("[<<] " + audit)

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			line := "[>>] " + audit
			if status >= http.StatusBadRequest {
				loggy.Failed(status, line, nil)
				return
			}
			loggy.Success(status, line)
		})
	}
}

// Healthcheck answers liveness probes without envelopes or audit noise.
func Healthcheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, successEnvelope{Success: true, Data: "ok"})
}
