package crud

import (
	"testing"

	"github.com/crudkit/crudkit/httperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecomposeKeyPathDefaults(t *testing.T) {
	pairs, err := DecomposeKeyPath(":slug", "shelf")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, KeyPathPair{
		ParamName:  "slug",
		ColumnName: "slug",
		Pattern:    "([A-Za-z0-9_]{0,})",
	}, pairs[0])
}

func TestDecomposeKeyPathFull(t *testing.T) {
	pairs, err := DecomposeKeyPath(":code([a-z-]+)<slug>", "shelf")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, KeyPathPair{
		ParamName:  "code",
		ColumnName: "slug",
		Pattern:    "([a-z-]+)",
	}, pairs[0])
}

func TestDecomposeKeyPathComposite(t *testing.T) {
	pairs, err := DecomposeKeyPath(":library<library>/:slug", "shelf")
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "library", pairs[0].ParamName)
	assert.Equal(t, "library", pairs[0].ColumnName)
	assert.Equal(t, "slug", pairs[1].ParamName)
	assert.Equal(t, "slug", pairs[1].ColumnName)
}

func TestDecomposeKeyPathRejectsEmpty(t *testing.T) {
	_, err := DecomposeKeyPath("/fixed/path", "shelf")
	require.Error(t, err)
	he := httperr.From(err)
	assert.Equal(t, httperr.CodeBadControllerConfiguration, he.Code)
}

func TestRoutePath(t *testing.T) {
	assert.Equal(t, "/{slug}", routePath(":slug"))
	assert.Equal(t, "/{library}/{slug}", routePath(":library<library>/:slug"))
	assert.Equal(t, "/{code:[a-z-]+}", routePath(":code([a-z-]+)<slug>"))
}
