package reader

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/logweave/internal/errs"
)

func TestLines(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/logs/a.txt", []byte("a\r\n\nb\nc"), 0o644))

	var got []string
	err := Lines(context.Background(), fsys, "/logs/a.txt", func(line string) error {
		got = append(got, line)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestLinesStopsOnCallbackError(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/a.txt", []byte("1\n2\n3\n"), 0o644))

	stop := errors.New("stop")
	n := 0
	err := Lines(context.Background(), fsys, "/a.txt", func(string) error {
		n++
		if n == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, n)
}

func TestLinesMissingFile(t *testing.T) {
	err := Lines(context.Background(), afero.NewMemMapFs(), "/nope.txt", func(string) error { return nil })
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLinesCanceled(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/a.txt", []byte("1\n"), 0o644))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Lines(ctx, fsys, "/a.txt", func(string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecode(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/a.txt", []byte("[1,2,3]\n[4]\n"), 0o644))

	got, err := Decode[[]int](context.Background(), fsys, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 2, 3}, {4}}, got)

	require.NoError(t, afero.WriteFile(fsys, "/b.txt", []byte("plain text\n"), 0o644))
	_, err = Decode[map[string]any](context.Background(), fsys, "/b.txt")
	assert.ErrorIs(t, err, errs.ErrInvalid)
}
