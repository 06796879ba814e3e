package node

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/logweave/internal/buffered"
	"github.com/dreamware/logweave/internal/descriptor"
	"github.com/dreamware/logweave/internal/errs"
)

// Directory resolves the name of a coordinator-created writer to its
// descriptor id.
type Directory interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// WriterOptions configures a writer created by a node.
type WriterOptions struct {
	BufferSize int
	UsePrefix  bool
	AllowReuse bool
}

// DefaultWriterOptions returns a one-entry buffer, a prefixed file name and
// no reuse.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{BufferSize: buffered.DefaultBufferSize, UsePrefix: true}
}

// Client creates and attaches writers for one node.
type Client struct {
	ep     *descriptor.Endpoint
	sender buffered.Sender
	dir    Directory
	logger *zap.Logger

	mu      sync.Mutex
	writers map[*buffered.Writer]struct{}
}

// NewClient returns a client creating descriptors on ep, sending batches
// through sender and looking names up in dir.
func NewClient(ep *descriptor.Endpoint, sender buffered.Sender, dir Directory) *Client {
	return &Client{
		ep:      ep,
		sender:  sender,
		dir:     dir,
		logger:  zap.NewNop(),
		writers: make(map[*buffered.Writer]struct{}),
	}
}

// WithLogger sets the logger.
func (c *Client) WithLogger(log *zap.Logger) {
	c.logger = log.With(zap.String("service", "node-client"), zap.String("node_id", c.ep.NodeID()))
}

// CreateWriter asks the coordinator to open a writer called name and waits
// until the file is open. A failure reported by the coordinator is returned
// with its error code; the descriptor is deleted again.
//
// Once created, the writer closes itself when the coordinator sends a close
// command (directory switch) or reports an error.
func (c *Client) CreateWriter(ctx context.Context, name string, opts WriterOptions) (*buffered.Writer, error) {
	const op = "node.CreateWriter"

	if opts.BufferSize < 1 {
		return nil, errs.New(errs.EInvalid, op, "buffer size must be at least 1, got %d", opts.BufferSize)
	}

	h, err := c.ep.Create(ctx, descriptor.Fields{
		Name:       name,
		UsePrefix:  opts.UsePrefix,
		AllowReuse: opts.AllowReuse,
	})
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		w       *buffered.Writer
		settled = make(chan error, 1)
	)
	settle := func(err error) {
		select {
		case settled <- err:
		default:
		}
	}
	closeWriter := func(ctx context.Context, why string) {
		mu.Lock()
		cw := w
		mu.Unlock()
		if cw == nil {
			return
		}
		c.logger.Debug("Closing writer on coordinator request",
			zap.String("name", name), zap.String("reason", why))
		if err := cw.Close(ctx); err != nil {
			c.logger.Warn("Error closing writer", zap.String("name", name), zap.Error(err))
		}
	}

	h.OnUpdate(func(ctx context.Context, u descriptor.Update) {
		switch u.Kind {
		case descriptor.UpdateReady:
			settle(nil)
		case descriptor.UpdateErrored:
			settle(u.Err())
			closeWriter(ctx, "errored")
		case descriptor.UpdateClose:
			settle(errs.New(errs.ENotActive, op, "writer %q closed before it was ready", name))
			closeWriter(ctx, "close")
		}
	}, true)
	h.OnDetach(func(context.Context) {
		settle(errs.New(errs.ENotActive, op, "writer %q was removed before it was ready", name))
	})

	select {
	case err = <-settled:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		return nil, multierr.Append(err, h.Delete(context.WithoutCancel(ctx)))
	}

	bw, err := buffered.New(h, c.sender, opts.BufferSize)
	if err != nil {
		return nil, multierr.Append(err, h.Delete(ctx))
	}
	bw.WithLogger(c.logger)
	c.track(bw)

	mu.Lock()
	w = bw
	mu.Unlock()

	// a close command may have raced the assignment above
	if f := h.Fields(); f.Cmd != nil && *f.Cmd == descriptor.CmdClose || f.Errored != nil {
		closeWriter(ctx, "late")
	}
	return bw, nil
}

// AttachWriter appends to the coordinator-created writer called name.
func (c *Client) AttachWriter(ctx context.Context, name string, bufferSize int) (*buffered.Writer, error) {
	id, err := c.dir.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	h, err := c.ep.Attach(ctx, id)
	if err != nil {
		return nil, err
	}
	w, err := buffered.New(h, c.sender, bufferSize)
	if err != nil {
		return nil, multierr.Append(err, h.Detach(ctx))
	}
	w.WithLogger(c.logger)
	c.track(w)
	return w, nil
}

// Writers returns the number of writers the client still holds.
func (c *Client) Writers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writers)
}

// Close closes every writer the client still holds.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	ws := make([]*buffered.Writer, 0, len(c.writers))
	for w := range c.writers {
		ws = append(ws, w)
	}
	c.mu.Unlock()

	var err error
	for _, w := range ws {
		err = multierr.Append(err, w.Close(ctx))
	}
	return err
}

func (c *Client) track(w *buffered.Writer) {
	c.mu.Lock()
	c.writers[w] = struct{}{}
	c.mu.Unlock()
	w.OnClose(func(context.Context) {
		c.mu.Lock()
		delete(c.writers, w)
		c.mu.Unlock()
	})
}
