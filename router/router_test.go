package router

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/crudkit/crudkit/httperr"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	routes RouteMap
}

func (f *fakeController) Routes() RouteMap { return f.routes }

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestMountWrapsSuccessEnvelope(t *testing.T) {
	mux := chi.NewRouter()
	infos := Mount(mux, "/pets", &fakeController{routes: RouteMap{
		"index": {Method: http.MethodGet, Path: "/", Summary: "List all resources",
			Handler: func(c *Context) (any, error) {
				return map[string]any{"count": 0, "items": []any{}}, nil
			}},
		"getOne": {Method: http.MethodGet, Path: "/{slug}",
			Handler: func(c *Context) (any, error) {
				return c.Param("slug"), nil
			}},
	}})

	require.Len(t, infos, 2)
	assert.Equal(t, "getOne", infos[0].Operation)
	assert.Equal(t, "/pets/{slug}", infos[0].Pattern)
	assert.Equal(t, "/pets", infos[1].Pattern)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pets/rex", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "rex", body["data"])
}

func TestMountRendersTypedError(t *testing.T) {
	mux := chi.NewRouter()
	Mount(mux, "/pets", &fakeController{routes: RouteMap{
		"getOne": {Method: http.MethodGet, Path: "/{slug}",
			Handler: func(c *Context) (any, error) {
				return nil, httperr.NotFound("pets", "rex")
			}},
	}})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pets/rex", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "Unknown resource pets")
}

func TestMountHidesOpaqueErrors(t *testing.T) {
	mux := chi.NewRouter()
	Mount(mux, "/pets", &fakeController{routes: RouteMap{
		"index": {Method: http.MethodGet, Path: "/",
			Handler: func(c *Context) (any, error) {
				return nil, errors.New("UNIQUE constraint failed: pets.slug")
			}},
	}})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pets", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "Internal Server Error", body["error"])
	assert.NotContains(t, rec.Body.String(), "UNIQUE constraint")
}

func TestGuardStopsChain(t *testing.T) {
	mux := chi.NewRouter()
	Mount(mux, "/pets", &fakeController{routes: RouteMap{
		"index": {Method: http.MethodGet, Path: "/",
			Middlewares: []Middleware{Guard(func(c *Context) error {
				if c.Query("token") == "" {
					return httperr.FromUserInput(http.StatusBadRequest, "token is required")
				}
				c.Set("token", c.Query("token"))
				return nil
			})},
			Handler: func(c *Context) (any, error) {
				return c.Get("token"), nil
			}},
	}})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pets", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pets?token=abc", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", decodeBody(t, rec)["data"])
}

func TestContextBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"slug":"x"}`))
	c := NewContext(httptest.NewRecorder(), req)

	body, err := c.Body()
	require.NoError(t, err)
	assert.Equal(t, "x", body["slug"])

	// Decoding happens once; later calls return the cached result.
	again, err := c.Body()
	require.NoError(t, err)
	assert.Equal(t, body, again)
}

func TestContextBodyRejectsNonObject(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`"just a string"`))
	c := NewContext(httptest.NewRecorder(), req)

	_, err := c.Body()
	assert.ErrorIs(t, err, ErrBodyNotObject)
}

func TestContextBodyEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	c := NewContext(httptest.NewRecorder(), req)

	body, err := c.Body()
	require.NoError(t, err)
	assert.Nil(t, body)
}

func TestQueryCSV(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?populate=shelves,,books", nil)
	c := NewContext(httptest.NewRecorder(), req)
	assert.Equal(t, []string{"shelves", "books"}, c.QueryCSV("populate"))
	assert.Nil(t, c.QueryCSV("order"))
}

func TestHealthcheck(t *testing.T) {
	rec := httptest.NewRecorder()
	Healthcheck(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["data"])
}
