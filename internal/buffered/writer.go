package buffered

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/logweave/internal/descriptor"
	"github.com/dreamware/logweave/internal/errs"
	"github.com/dreamware/logweave/internal/value"
)

// Sender delivers a batch of values for pathname to the coordinator.
type Sender interface {
	Send(ctx context.Context, pathname string, data []any) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, pathname string, data []any) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, pathname string, data []any) error {
	return f(ctx, pathname, data)
}

// DefaultBufferSize is the buffer capacity used when none is given.
const DefaultBufferSize = 1

// Writer buffers values for one descriptor. It is safe for concurrent use;
// batches from one Writer are sent one at a time, in write order.
type Writer struct {
	handle descriptor.Handle
	sender Sender
	logger *zap.Logger

	// sendMu is acquired while mu is held and released after the send, so
	// batches leave in the order they were cut.
	sendMu sync.Mutex

	mu        sync.Mutex
	buf       []any
	idx       int
	closed    bool
	fired     bool
	next      int
	packetCbs []callback
	closeCbs  []callback
	offDetach func()
}

type callback struct {
	id int
	fn func(context.Context)
}

// New returns a Writer for h with the given buffer capacity. A capacity below
// one fails with errs.EInvalid.
func New(h descriptor.Handle, sender Sender, size int) (*Writer, error) {
	if size < 1 {
		return nil, errs.New(errs.EInvalid, "buffered.New", "buffer size must be at least 1, got %d", size)
	}
	w := &Writer{
		handle: h,
		sender: sender,
		logger: zap.NewNop(),
		buf:    make([]any, size),
	}
	w.offDetach = h.OnDetach(w.detached)
	return w, nil
}

// WithLogger sets the logger.
func (w *Writer) WithLogger(log *zap.Logger) {
	w.logger = log.With(zap.String("writer", w.Name()))
}

// ID returns the descriptor id.
func (w *Writer) ID() string { return w.handle.ID() }

// Name returns the writer name.
func (w *Writer) Name() string { return w.handle.Fields().Name }

// Pathname returns the pathname the coordinator resolved for the writer.
func (w *Writer) Pathname() string { return w.handle.Fields().Pathname }

// BufferSize returns the buffer capacity.
func (w *Writer) BufferSize() int { return len(w.buf) }

// Closed reports whether the writer was closed locally or remotely.
func (w *Writer) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Write buffers v. When the buffer fills, its contents are sent as one
// batch. Writes on a closed Writer are ignored.
func (w *Writer) Write(ctx context.Context, v any) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.buf[w.idx] = value.Normalize(v)
	w.idx = (w.idx + 1) % len(w.buf)
	if w.idx != 0 {
		w.mu.Unlock()
		return nil
	}
	return w.sendLocked(ctx, slices.Clone(w.buf))
}

// Flush sends the values written since the last batch, if any.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.buf) == 1 || w.idx == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := slices.Clone(w.buf[:w.idx])
	w.idx = 0
	return w.sendLocked(ctx, batch)
}

// sendLocked sends batch. The caller holds w.mu, which is released here.
// OnPacketSend callbacks run after the send lock is dropped, so they may
// write to or flush the Writer.
func (w *Writer) sendLocked(ctx context.Context, batch []any) error {
	clear(w.buf)
	cbs := slices.Clone(w.packetCbs)
	w.sendMu.Lock()
	w.mu.Unlock()

	err := w.sender.Send(ctx, w.Pathname(), batch)
	w.sendMu.Unlock()
	if err != nil {
		w.logger.Warn("Failed to send batch", zap.Int("entries", len(batch)), zap.Error(err))
		return err
	}
	for _, cb := range cbs {
		cb.fn(ctx)
	}
	return nil
}

// Close flushes pending values and releases the descriptor: an owned
// descriptor is deleted, an attached one detached. OnClose callbacks have
// run by the time Close returns.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	off := w.offDetach

	var err error
	if len(w.buf) > 1 && w.idx > 0 {
		batch := slices.Clone(w.buf[:w.idx])
		w.idx = 0
		err = w.sendLocked(ctx, batch)
	} else {
		w.mu.Unlock()
	}

	off()
	err = multierr.Append(err, descriptor.Release(ctx, w.handle))
	w.fireClose(ctx)
	return err
}

// OnPacketSend registers cb to run after every batch is sent.
func (w *Writer) OnPacketSend(cb func(context.Context)) (unregister func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.next
	w.next++
	w.packetCbs = append(w.packetCbs, callback{id: id, fn: cb})
	return func() { w.remove(&w.packetCbs, id) }
}

// OnClose registers cb to run once when the writer closes. On a closed
// Writer cb runs immediately.
func (w *Writer) OnClose(cb func(context.Context)) (unregister func()) {
	w.mu.Lock()
	if w.fired {
		w.mu.Unlock()
		cb(context.Background())
		return func() {}
	}
	id := w.next
	w.next++
	w.closeCbs = append(w.closeCbs, callback{id: id, fn: cb})
	w.mu.Unlock()
	return func() { w.remove(&w.closeCbs, id) }
}

func (w *Writer) remove(cbs *[]callback, id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	*cbs = slices.DeleteFunc(*cbs, func(c callback) bool { return c.id == id })
}

// detached handles a teardown that did not come from Close: pending values
// are dropped.
func (w *Writer) detached(ctx context.Context) {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.logger.Debug("Writer detached remotely")
	w.fireClose(ctx)
}

func (w *Writer) fireClose(ctx context.Context) {
	w.mu.Lock()
	if w.fired {
		w.mu.Unlock()
		return
	}
	w.fired = true
	cbs := w.closeCbs
	w.closeCbs = nil
	w.mu.Unlock()

	for _, cb := range cbs {
		cb.fn(ctx)
	}
}
