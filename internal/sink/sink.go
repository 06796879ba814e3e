package sink

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/logweave/internal/descriptor"
	"github.com/dreamware/logweave/internal/errs"
	"github.com/dreamware/logweave/internal/value"
)

type state int

const (
	stateIdle state = iota
	stateOpen
	stateClosing
	stateClosed
)

// FormatFunc renders one value as a newline-terminated line.
type FormatFunc func(v any) ([]byte, error)

// Option configures a Sink.
type Option func(*Sink)

// WithFs sets the filesystem the Sink writes to. Defaults to the OS
// filesystem.
func WithFs(fsys afero.Fs) Option {
	return func(s *Sink) { s.fs = fsys }
}

// WithFormat replaces the line formatter. Defaults to value.Format.
func WithFormat(fn FormatFunc) Option {
	return func(s *Sink) { s.format = fn }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Sink) { s.logger = log }
}

// Sink is one open log file. It is safe for concurrent use.
type Sink struct {
	handle      descriptor.Handle
	fs          afero.Fs
	format      FormatFunc
	logger      *zap.Logger
	beforeClose func(context.Context)

	mu       sync.Mutex
	state    state
	file     afero.File
	closeCbs []closeCb
	next     int
	done     chan struct{}
	closeErr error
}

type closeCb struct {
	id int
	fn func(context.Context)
}

// New returns an unopened Sink for the descriptor behind h.
func New(h descriptor.Handle, opts ...Option) *Sink {
	s := &Sink{
		handle: h,
		fs:     afero.NewOsFs(),
		format: value.Format,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("pathname", h.Fields().Pathname))
	return s
}

// BeforeClose installs the hook run first when the Sink closes. It must be
// set before Open.
func (s *Sink) BeforeClose(fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeClose = fn
}

// Handle returns the descriptor handle the Sink is bound to.
func (s *Sink) Handle() descriptor.Handle { return s.handle }

// ID returns the descriptor id.
func (s *Sink) ID() string { return s.handle.ID() }

// Name returns the writer name.
func (s *Sink) Name() string { return s.handle.Fields().Name }

// Pathname returns the resolved pathname of the file.
func (s *Sink) Pathname() string { return s.handle.Fields().Pathname }

// Closed reports whether Close has been called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state >= stateClosing
}

// Open creates the parent directory and opens the file. With reuse
// disallowed an existing file fails with errs.EAlreadyExists; with reuse
// allowed the file is appended to. On failure nothing stays open.
func (s *Sink) Open(ctx context.Context) error {
	const op = "sink.Open"

	f := s.handle.Fields()
	if f.Pathname == "" {
		return errs.New(errs.EInvalid, op, "writer %q has no pathname", f.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return errs.New(errs.EInvalid, op, "writer %q already opened", f.Name)
	}

	if err := s.fs.MkdirAll(filepath.Dir(f.Pathname), 0o755); err != nil {
		return errs.Wrap(err, errs.EIO, op, "cannot create directory")
	}

	exists, err := afero.Exists(s.fs, f.Pathname)
	if err != nil {
		return errs.Wrap(err, errs.EIO, op, "cannot stat file")
	}
	if exists && !f.AllowReuse {
		return errs.New(errs.EAlreadyExists, op, "file %s already exists", f.Pathname)
	}

	flag := os.O_WRONLY | os.O_CREATE
	if f.AllowReuse {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_EXCL
	}
	file, err := s.fs.OpenFile(f.Pathname, flag, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return errs.New(errs.EAlreadyExists, op, "file %s already exists", f.Pathname)
	} else if err != nil {
		return errs.Wrap(err, errs.EIO, op, "cannot open file")
	}

	s.file = file
	s.state = stateOpen
	s.logger.Debug("Opened writer file", zap.Bool("append", exists))
	return nil
}

// Write appends v as one line. It is a no-op unless the Sink is open.
func (s *Sink) Write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		return nil
	}
	line, err := s.format(v)
	if err != nil {
		return err
	}
	if _, err := s.file.Write(line); err != nil {
		return errs.Wrap(err, errs.EIO, "sink.Write", "cannot write line")
	}
	return nil
}

// OnClose registers cb to run after the file is closed. On a closed Sink cb
// runs immediately.
func (s *Sink) OnClose(cb func(context.Context)) (unregister func()) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		cb(context.Background())
		return func() {}
	}
	id := s.next
	s.next++
	s.closeCbs = append(s.closeCbs, closeCb{id: id, fn: cb})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range s.closeCbs {
			if c.id == id {
				s.closeCbs = append(s.closeCbs[:i:i], s.closeCbs[i+1:]...)
				return
			}
		}
	}
}

// Close runs the beforeClose hook, deletes the descriptor when this node
// owns it, then syncs and closes the file and fires the OnClose callbacks.
// Later calls wait for the first one and return its result.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		done := s.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.closeErr
	}
	s.done = make(chan struct{})
	s.state = stateClosing
	hook := s.beforeClose
	s.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}

	var err error
	if o, ok := s.handle.(*descriptor.Owned); ok {
		err = multierr.Append(err, o.Delete(ctx))
	}

	s.mu.Lock()
	file := s.file
	s.file = nil
	s.mu.Unlock()
	if file != nil {
		if serr := file.Sync(); serr != nil {
			err = multierr.Append(err, errs.Wrap(serr, errs.EIO, "sink.Close", "cannot sync file"))
		}
		if cerr := file.Close(); cerr != nil {
			err = multierr.Append(err, errs.Wrap(cerr, errs.EIO, "sink.Close", "cannot close file"))
		}
	}

	s.mu.Lock()
	s.state = stateClosed
	s.closeErr = err
	cbs := s.closeCbs
	s.closeCbs = nil
	s.mu.Unlock()
	close(s.done)

	for _, cb := range cbs {
		cb.fn(ctx)
	}
	s.logger.Debug("Closed writer file", zap.Error(err))
	return err
}
