package cache

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"
)

// entry is the serialized form of a cached response.
type entry struct {
	StatusCode  int       `json:"statusCode"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"storedAt"`
}

// ReadThrough caches successful GET responses and drops the cached reads
// of a resource whenever a mutating request goes through it. Keys group by
// the first path segment, which under the mounting convention is the
// resource root.
//
// Keys are built from path and query only, plus any vary headers given
// here. Routes whose responses depend on other request headers must not
// sit behind this middleware without naming them.
func ReadThrough(store Store, ttl time.Duration, vary ...string) func(http.Handler) http.Handler {
	varyHeaders := append([]string(nil), vary...)
	sort.Strings(varyHeaders)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				if isMutation(r.Method) {
					_ = store.DeletePrefix(resourcePrefix(r.URL.Path))
				}
				return
			}

			key := requestKey(r, varyHeaders)
			if raw, err := store.Get(key); err == nil {
				var cached entry
				if err := json.Unmarshal(raw, &cached); err == nil {
					if cached.ContentType != "" {
						w.Header().Set("Content-Type", cached.ContentType)
					}
					w.Header().Set("X-Cache", "HIT")
					w.WriteHeader(cached.StatusCode)
					_, _ = w.Write(cached.Body)
					return
				}
			}

			rec := newRecorder(w)
			rec.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(rec, r)

			if rec.status >= 200 && rec.status < 300 {
				cached := entry{
					StatusCode:  rec.status,
					ContentType: rec.Header().Get("Content-Type"),
					Body:        rec.body.Bytes(),
					StoredAt:    time.Now(),
				}
				if raw, err := json.Marshal(cached); err == nil {
					_ = store.Set(key, raw, ttl)
				}
			}
		})
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// resourcePrefix reduces a path to its first segment so mutations under a
// resource invalidate every cached read of it.
func resourcePrefix(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed + ":"
}

// requestKey renders a deterministic key: resource prefix, full path, the
// sorted query string and the values of the configured vary headers.
func requestKey(r *http.Request, varyHeaders []string) string {
	var b strings.Builder
	b.WriteString(resourcePrefix(r.URL.Path))
	b.WriteString(r.URL.Path)
	if raw := r.URL.RawQuery; raw != "" {
		pairs := strings.Split(raw, "&")
		sort.Strings(pairs)
		b.WriteByte('?')
		b.WriteString(strings.Join(pairs, "&"))
	}
	for _, name := range varyHeaders {
		b.WriteByte('|')
		b.WriteString(strings.ToLower(name))
		b.WriteByte('=')
		b.WriteString(r.Header.Get(name))
	}
	return b.String()
}

// recorder captures status and body while passing both through.
type recorder struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func newRecorder(w http.ResponseWriter) *recorder {
	return &recorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *recorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(r.status)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *recorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
