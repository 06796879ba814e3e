package errs

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesCode(t *testing.T) {
	err := New(EPathEscape, "naming.Resolve", "cannot create writer outside %s", "/logs")
	wrapped := fmt.Errorf("create writer: %w", err)

	assert.ErrorIs(t, wrapped, ErrPathEscape)
	assert.NotErrorIs(t, wrapped, ErrAlreadyExists)
	assert.Equal(t, "naming.Resolve: cannot create writer outside /logs", err.Error())
}

func TestErrorUnwrapsCause(t *testing.T) {
	err := Wrap(fs.ErrPermission, EIO, "sink.Open", "cannot create directory")

	assert.ErrorIs(t, err, fs.ErrPermission)
	assert.ErrorIs(t, err, ErrIO)
	assert.Equal(t, "sink.Open: cannot create directory: permission denied", err.Error())
}

func TestCode(t *testing.T) {
	assert.Equal(t, "", Code(nil))
	assert.Equal(t, EInternal, Code(errors.New("boom")))
	assert.Equal(t, ENotActive, Code(fmt.Errorf("x: %w", ErrNotActive)))
	assert.Equal(t, "<not active>", ErrNotActive.Error())
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrInvalid, http.StatusBadRequest},
		{ErrPathEscape, http.StatusBadRequest},
		{ErrNotFound, http.StatusNotFound},
		{ErrAlreadyExists, http.StatusConflict},
		{ErrNotActive, http.StatusServiceUnavailable},
		{ErrIO, http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "code %q", Code(tt.err))
	}
}
