// Package reader reads log files back line by line.
package reader

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"strings"

	"github.com/spf13/afero"

	"github.com/dreamware/logweave/internal/errs"
)

// MaxLineBytes is the longest line Lines accepts.
const MaxLineBytes = 4 << 20

// Lines calls fn with every non-empty line of the file at path, without its
// line terminator ("\n" or "\r\n"). It stops at the first error returned by
// fn or when ctx is done.
func Lines(ctx context.Context, fsys afero.Fs, path string, fn func(line string) error) error {
	const op = "reader.Lines"

	f, err := fsys.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return errs.Wrap(err, errs.ENotFound, op, "no such log file")
	} else if err != nil {
		return errs.Wrap(err, errs.EIO, op, "cannot open log file")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return errs.Wrap(err, errs.EIO, op, "cannot read log file")
	}
	return nil
}

// Decode parses every line of the file at path as JSON into a T.
func Decode[T any](ctx context.Context, fsys afero.Fs, path string) ([]T, error) {
	var out []T
	err := Lines(ctx, fsys, path, func(line string) error {
		var v T
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			return errs.Wrap(err, errs.EInvalid, "reader.Decode", "malformed line")
		}
		out = append(out, v)
		return nil
	})
	return out, err
}
