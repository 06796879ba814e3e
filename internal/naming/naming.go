package naming

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dreamware/logweave/internal/errs"
)

// DefaultExt is appended to names that carry no extension.
const DefaultExt = ".txt"

// Resolver resolves writer names. The zero value is not usable; use
// NewResolver. A Resolver is safe for concurrent use.
type Resolver struct {
	now func() time.Time
	seq atomic.Uint64
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the wall clock used for prefixes.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver returns a Resolver using the local wall clock.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

var defaultResolver = NewResolver()

// Default returns the process-wide resolver. Every caller sharing it draws
// prefixes from one counter.
func Default() *Resolver { return defaultResolver }

// Resolve resolves name with the process-wide resolver.
func Resolve(root, name string, usePrefix bool) (string, error) {
	return defaultResolver.Resolve(root, name, usePrefix)
}

// Resolve returns the path of the file backing the writer called name under
// root. It never touches the filesystem.
//
// Parameters:
//   - root: active log directory, empty when the registry is idle
//   - name: logical writer name, may contain sub directories ("run/events.csv")
//   - usePrefix: prepend a "YYYYMMDD-hhmmss-NNNN_" prefix to the file name
//
// Returns:
//   - errs.ErrNotActive when root is empty
//   - errs.ErrInvalid when name is empty or contains a NUL byte
//   - errs.ErrPathEscape when the resulting directory leaves root
//
// Example:
//
//	p, _ := naming.Resolve("logs", "run/events", false) // "logs/run/events.txt"
func (r *Resolver) Resolve(root, name string, usePrefix bool) (string, error) {
	const op = "naming.Resolve"

	if root == "" {
		return "", errs.New(errs.ENotActive, op,
			"registry is idle, switch to a directory before creating writers")
	}
	if name == "" || strings.ContainsRune(name, 0) {
		return "", errs.New(errs.EInvalid, op, "writer name must be a non-empty string")
	}

	dir := filepath.Join(root, filepath.Dir(name))
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errs.New(errs.EPathEscape, op, "cannot create writer %q outside directory", name)
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(filepath.Base(name), ext)
	if base == "" {
		// dot-files such as ".events" have no extension of their own
		base, ext = ext, ""
	}
	if ext == "" || ext == "." {
		ext = DefaultExt
	}

	if usePrefix {
		base = r.Prefix() + base
	}

	return filepath.Join(dir, base+ext), nil
}

// Prefix returns a file name prefix made of the current date, time and the
// resolver's counter. Two calls within the same second still differ.
func (r *Resolver) Prefix() string {
	id := r.seq.Add(1) - 1
	return fmt.Sprintf("%s-%04d_", r.now().Format("20060102-150405"), id)
}
