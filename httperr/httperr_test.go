package httperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromUserInput(t *testing.T) {
	err := FromUserInput(http.StatusBadRequest, "bad token", map[string]any{"token": "$gt("})
	assert.Equal(t, http.StatusBadRequest, err.StatusCode)
	assert.Equal(t, "bad_request", err.Code)
	assert.Equal(t, "bad token", err.Error())
	assert.NotNil(t, err.Data)
}

func TestFromPassesTypedErrorsThrough(t *testing.T) {
	orig := NotFound("library", "teletubbies")
	wrapped := fmt.Errorf("loading failed: %w", orig)

	assert.Same(t, orig, From(wrapped))
	assert.True(t, Is(wrapped))
}

func TestFromWrapsOpaqueErrors(t *testing.T) {
	err := From(errors.New("UNIQUE constraint failed: library.slug"))
	assert.Equal(t, http.StatusInternalServerError, err.StatusCode)
	assert.Equal(t, "Internal Server Error", err.Message)
	assert.False(t, Is(errors.New("plain")))
}

func TestCrudErrorCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    *Error
		status int
		code   string
	}{
		{"query malformed", QueryMalformed("books", "failed to evalQuery $between"), http.StatusBadRequest, CodeQueryMalformed},
		{"update malformed", UpdateMalformed("books", "empty update body"), http.StatusBadRequest, CodeUpdateMalformed},
		{"bad configuration", BadControllerConfiguration("books", "bad key path"), http.StatusInternalServerError, CodeBadControllerConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.StatusCode)
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Contains(t, tt.err.Message, "books")
		})
	}
}

func TestNotFoundMessageCarriesKeyHash(t *testing.T) {
	err := NotFound("shelf", "teletubbies~~~toys")
	assert.Equal(t, http.StatusNotFound, err.StatusCode)
	assert.Contains(t, err.Message, "teletubbies~~~toys")
}
