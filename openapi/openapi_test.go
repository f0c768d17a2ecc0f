package openapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crudkit/crudkit/orm"
	"github.com/crudkit/crudkit/router"
)

func docRegistry() *orm.Registry {
	reg := orm.NewRegistry()
	reg.Register(&orm.EntityMeta{
		Name:        "library",
		Table:       "libraries",
		Columns:     []string{"slug", "title"},
		PrimaryKeys: []string{"slug"},
		Relations: []orm.Relation{
			{Name: "shelves", Kind: orm.ToMany, Target: "library_shelf", MappedBy: "library"},
		},
	})
	reg.Register(&orm.EntityMeta{
		Name:        "library_shelf",
		Table:       "library_shelves",
		Columns:     []string{"slug", "name"},
		PrimaryKeys: []string{"library", "slug"},
		Relations: []orm.Relation{
			{Name: "library", Kind: orm.ToOne, Target: "library"},
		},
	})
	return reg
}

func sampleMounts() []router.MountInfo {
	return []router.MountInfo{
		{Operation: "index", Method: http.MethodGet, Pattern: "/library", Summary: "List library"},
		{Operation: "getOne", Method: http.MethodGet, Pattern: "/library/{slug}", Summary: "Get one library"},
		{Operation: "updateOne", Method: http.MethodPost, Pattern: "/library/{slug}", Summary: "Update one library"},
		{Operation: "getOne", Method: http.MethodGet, Pattern: "/shelf/{library}/{slug:[a-z-]+}"},
	}
}

func TestGenerateGroupsOperationsByPath(t *testing.T) {
	gen := NewGenerator(Info{Title: "Library API", Version: "1.0.0"}, docRegistry())
	doc := gen.Generate(sampleMounts())

	assert.Equal(t, "3.0.3", doc["openapi"])
	info := doc["info"].(map[string]any)
	assert.Equal(t, "Library API", info["title"])

	paths := doc["paths"].(map[string]any)
	item, ok := paths["/library/{slug}"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, item, "get")
	assert.Contains(t, item, "post")

	// Inline chi patterns are stripped from parameter names.
	_, ok = paths["/shelf/{library}/{slug}"]
	assert.True(t, ok)

	op := item["get"].(map[string]any)
	assert.Equal(t, "library_getOne", op["operationId"])
	params := op["parameters"].([]map[string]any)
	require.Len(t, params, 1)
	assert.Equal(t, "slug", params[0]["name"])
}

func TestGenerateSchemasFromMetadata(t *testing.T) {
	gen := NewGenerator(Info{}, docRegistry())
	doc := gen.Generate(nil)

	schemas := doc["components"].(map[string]any)["schemas"].(map[string]any)
	library := schemas["library"].(map[string]any)
	props := library["properties"].(map[string]any)
	assert.Contains(t, props, "slug")

	shelves := props["shelves"].(map[string]any)
	assert.Equal(t, "array", shelves["type"])
	assert.Equal(t, []string{"slug"}, library["required"])

	shelf := schemas["library_shelf"].(map[string]any)
	ref := shelf["properties"].(map[string]any)["library"].(map[string]any)
	assert.Equal(t, "#/components/schemas/library", ref["$ref"])
}

func TestControllerServesRawDocument(t *testing.T) {
	gen := NewGenerator(Info{Title: "Library API"}, docRegistry())
	ctrl := NewController(gen)

	mux := chi.NewRouter()
	infos := router.Mount(mux, "/doc", ctrl)
	ctrl.Record(sampleMounts())
	ctrl.Record(infos)

	req := httptest.NewRequest(http.MethodGet, "/doc/swagger.json", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	// Raw document, not the success envelope.
	assert.Contains(t, rec.Body.String(), `"openapi":"3.0.3"`)
	assert.NotContains(t, rec.Body.String(), `"success"`)
	assert.Contains(t, rec.Body.String(), "/doc/swagger.json")
}
