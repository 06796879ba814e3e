package coordinator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/logweave/internal/buffered"
	"github.com/dreamware/logweave/internal/descriptor"
	"github.com/dreamware/logweave/internal/errs"
	"github.com/dreamware/logweave/internal/naming"
	"github.com/dreamware/logweave/internal/sink"
)

// WriterOptions controls how a writer's file is named and opened.
type WriterOptions struct {
	// UsePrefix prepends a date, time and counter prefix to the file name.
	UsePrefix bool
	// AllowReuse appends to an existing file instead of failing.
	AllowReuse bool
}

// DefaultWriterOptions returns the options writers get when the caller does
// not choose: prefixed names, no reuse.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{UsePrefix: true}
}

// WriterInfo describes one open writer.
type WriterInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Pathname string `json:"pathname"`
	NodeID   string `json:"node_id"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithFs sets the filesystem writers are opened on. Defaults to the OS
// filesystem.
func WithFs(fsys afero.Fs) Option {
	return func(r *Registry) { r.fs = fsys }
}

// WithResolver sets the naming resolver. Defaults to naming.Default.
func WithResolver(res *naming.Resolver) Option {
	return func(r *Registry) { r.resolver = res }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) { r.logger = log.With(zap.String("service", "registry")) }
}

// WithMetrics sets the metrics the registry reports to.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry is the coordinator's table of open writers. It opens a Sink for
// every writer created on the coordinator or by a node, routes incoming
// batches to the Sink by pathname and tears writers down on node disconnect
// and directory switch.
//
// Thread-safe: the tables are guarded by one mutex which is never held while
// a Sink closes or the hub is called.
type Registry struct {
	hub      *descriptor.Hub
	ep       *descriptor.Endpoint
	fs       afero.Fs
	resolver *naming.Resolver
	logger   *zap.Logger
	metrics  *Metrics

	observe sync.Once

	mu          sync.Mutex
	root        string
	nodeWriters map[string]map[*sink.Sink]struct{}
	pathWriters map[string]*sink.Sink
	internal    map[string]string
}

// NewRegistry returns an idle registry serving the descriptors of hub.
func NewRegistry(hub *descriptor.Hub, opts ...Option) *Registry {
	r := &Registry{
		hub:         hub,
		fs:          afero.NewOsFs(),
		resolver:    naming.Default(),
		logger:      zap.NewNop(),
		metrics:     NewMetrics(),
		nodeWriters: make(map[string]map[*sink.Sink]struct{}),
		pathWriters: make(map[string]*sink.Sink),
		internal:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ep = hub.Endpoint()
	r.ep.WithLogger(r.logger)
	return r
}

// Metrics returns the registry's metrics.
func (r *Registry) Metrics() *Metrics { return r.metrics }

// Root returns the active directory, empty when idle.
func (r *Registry) Root() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// Open starts serving writer requests from nodes and switches to dirname.
func (r *Registry) Open(ctx context.Context, dirname string) error {
	r.observe.Do(func() { r.hub.Observe(r.remoteCreated) })
	return r.Switch(ctx, dirname)
}

// Close closes every writer and leaves the registry idle.
func (r *Registry) Close(ctx context.Context) error {
	var err error
	for _, s := range r.snapshot() {
		err = multierr.Append(err, s.Close(ctx))
	}
	r.mu.Lock()
	r.root = ""
	r.mu.Unlock()
	return err
}

// CreateWriter opens a writer owned by the coordinator and returns its Sink.
//
// Parameters:
//   - name: logical writer name, relative to the active directory
//   - opts: naming and reuse options
//
// Returns:
//   - errs.ErrNotActive when the registry is idle
//   - errs.ErrPathEscape when name leaves the active directory
//   - errs.ErrAlreadyExists when the file exists and reuse is off, or the
//     pathname belongs to another open writer
//   - errs.ErrIO when the directory or file cannot be created
//
// Example:
//
//	s, err := reg.CreateWriter(ctx, "run/events", coordinator.WriterOptions{})
//	s.Write("started")
//	s.Close(ctx)
func (r *Registry) CreateWriter(ctx context.Context, name string, opts WriterOptions) (*sink.Sink, error) {
	pathname, err := r.resolver.Resolve(r.Root(), name, opts.UsePrefix)
	if err != nil {
		return nil, err
	}

	h, err := r.ep.Create(ctx, descriptor.Fields{
		Name:       name,
		Pathname:   pathname,
		UsePrefix:  opts.UsePrefix,
		AllowReuse: opts.AllowReuse,
	})
	if err != nil {
		return nil, err
	}

	s, err := r.createAndRegister(ctx, r.hub.NodeID(), h)
	if err != nil {
		return nil, multierr.Append(err, h.Delete(ctx))
	}

	r.mu.Lock()
	r.internal[name] = h.ID()
	r.mu.Unlock()
	return s, nil
}

// Lookup returns the descriptor id of the coordinator-created writer called
// name.
func (r *Registry) Lookup(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.internal[name]
	if !ok {
		return "", errs.New(errs.ENotFound, "registry.Lookup", "no writer named %q", name)
	}
	return id, nil
}

// AttachWriter returns a buffered writer on the coordinator that appends to
// the coordinator-created writer called name.
func (r *Registry) AttachWriter(ctx context.Context, name string, bufferSize int) (*buffered.Writer, error) {
	id, err := r.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	h, err := r.ep.Attach(ctx, id)
	if err != nil {
		return nil, err
	}
	w, err := buffered.New(h, r.Sender(r.hub.NodeID()), bufferSize)
	if err != nil {
		return nil, multierr.Append(err, h.Detach(ctx))
	}
	w.WithLogger(r.logger)
	return w, nil
}

// Sender returns a buffered.Sender delivering batches from nodeID straight
// into the registry.
func (r *Registry) Sender(nodeID string) buffered.Sender {
	return buffered.SenderFunc(func(ctx context.Context, pathname string, data []any) error {
		return r.HandleBatch(ctx, nodeID, pathname, data)
	})
}

// HandleBatch appends data, in order, to the writer open on pathname. A
// batch for a pathname with no open writer is dropped.
func (r *Registry) HandleBatch(ctx context.Context, nodeID, pathname string, data []any) error {
	r.mu.Lock()
	s := r.pathWriters[pathname]
	r.mu.Unlock()

	if s == nil {
		r.metrics.BatchesDropped.Inc()
		r.logger.Debug("Dropping batch for unknown pathname",
			zap.String("node_id", nodeID), zap.String("pathname", pathname), zap.Int("entries", len(data)))
		return nil
	}

	var err error
	for _, v := range data {
		err = multierr.Append(err, s.Write(v))
	}
	r.metrics.BatchesRouted.Inc()
	r.metrics.LinesWritten.Add(float64(len(data)))
	return err
}

// NodeDisconnected closes every writer opened for nodeID and removes the
// node from the hub, deleting the descriptors it owned.
func (r *Registry) NodeDisconnected(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	sinks := sortedSinks(r.nodeWriters[nodeID])
	r.mu.Unlock()

	var err error
	for _, s := range sinks {
		err = multierr.Append(err, s.Close(ctx))
	}

	r.mu.Lock()
	delete(r.nodeWriters, nodeID)
	r.mu.Unlock()

	r.hub.RemoveNode(ctx, nodeID)
	r.logger.Info("Node disconnected",
		zap.String("node_id", nodeID), zap.Int("writers_closed", len(sinks)))
	return err
}

// Switch drains every writer and moves the registry to dirname. Writers
// owned by the coordinator are closed; writers owned by a node are asked to
// close and are not waited for. An empty dirname leaves the registry idle.
// Otherwise dirname is created.
func (r *Registry) Switch(ctx context.Context, dirname string) error {
	var err error
	for _, s := range r.snapshot() {
		switch h := s.Handle().(type) {
		case *descriptor.Owned:
			err = multierr.Append(err, s.Close(ctx))
		case *descriptor.Attached:
			if serr := h.Set(ctx, descriptor.Close()); serr != nil {
				r.logger.Warn("Failed to ask node to close writer",
					zap.String("pathname", s.Pathname()), zap.Error(serr))
			}
		}
	}

	r.mu.Lock()
	r.root = dirname
	r.mu.Unlock()
	r.metrics.Switches.Inc()

	if dirname != "" {
		if merr := r.fs.MkdirAll(dirname, 0o755); merr != nil {
			err = multierr.Append(err, errs.Wrap(merr, errs.EIO, "registry.Switch", "cannot create directory"))
		}
	}
	r.logger.Info("Switched log directory", zap.String("dirname", dirname))
	return err
}

// remoteCreated opens the file for a writer created by a node. Failures are
// reported to the owner through the descriptor, never returned.
func (r *Registry) remoteCreated(ctx context.Context, id, owner string) {
	log := r.logger.With(zap.String("id", id), zap.String("node_id", owner))

	h, err := r.ep.Attach(ctx, id)
	if err != nil {
		log.Warn("Cannot attach to remote writer", zap.Error(err))
		return
	}
	f := h.Fields()

	fail := func(err error) {
		log.Info("Remote writer failed", zap.String("name", f.Name), zap.Error(err))
		if serr := h.Set(ctx, descriptor.Errored(err)); serr != nil {
			log.Warn("Cannot report writer error", zap.Error(serr))
		}
		if derr := h.Detach(ctx); derr != nil {
			log.Debug("Cannot detach from failed writer", zap.Error(derr))
		}
	}

	pathname, err := r.resolver.Resolve(r.Root(), f.Name, f.UsePrefix)
	if err != nil {
		fail(err)
		return
	}
	if err := h.Set(ctx, descriptor.Resolved(pathname)); err != nil {
		fail(err)
		return
	}
	s, err := r.createAndRegister(ctx, owner, h)
	if err != nil {
		fail(err)
		return
	}
	h.OnDetach(func(ctx context.Context) {
		if err := s.Close(ctx); err != nil {
			log.Warn("Error closing remote writer", zap.Error(err))
		}
	})
	if err := h.Set(ctx, descriptor.Ready()); err != nil {
		log.Warn("Cannot mark writer ready", zap.Error(err))
		_ = s.Close(ctx)
	}
}

// createAndRegister opens a Sink for h on behalf of nodeID. The pathname is
// reserved before the file is opened; if opening fails nothing stays
// registered.
func (r *Registry) createAndRegister(ctx context.Context, nodeID string, h descriptor.Handle) (*sink.Sink, error) {
	f := h.Fields()
	s := sink.New(h, sink.WithFs(r.fs), sink.WithLogger(r.logger))

	origin := originRemote
	if _, ok := h.(*descriptor.Owned); ok {
		origin = originLocal
	}

	var opened atomic.Bool
	s.BeforeClose(func(context.Context) {
		r.unregister(nodeID, s)
		if opened.Load() {
			r.metrics.WritersOpen.WithLabelValues(origin).Dec()
		}
	})

	r.mu.Lock()
	if _, taken := r.pathWriters[f.Pathname]; taken {
		r.mu.Unlock()
		return nil, errs.New(errs.EAlreadyExists, "registry.createAndRegister",
			"pathname %s is already open", f.Pathname)
	}
	r.pathWriters[f.Pathname] = s
	set, ok := r.nodeWriters[nodeID]
	if !ok {
		set = make(map[*sink.Sink]struct{})
		r.nodeWriters[nodeID] = set
	}
	set[s] = struct{}{}
	r.mu.Unlock()

	if err := s.Open(ctx); err != nil {
		r.unregister(nodeID, s)
		return nil, err
	}
	opened.Store(true)
	r.metrics.WritersOpen.WithLabelValues(origin).Inc()

	r.logger.Debug("Writer opened",
		zap.String("node_id", nodeID), zap.String("name", f.Name), zap.String("pathname", f.Pathname))
	return s, nil
}

func (r *Registry) unregister(nodeID string, s *sink.Sink) {
	id, name, pathname := s.ID(), s.Name(), s.Pathname()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.internal[name] == id {
		delete(r.internal, name)
	}
	if r.pathWriters[pathname] == s {
		delete(r.pathWriters, pathname)
	}
	if set, ok := r.nodeWriters[nodeID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(r.nodeWriters, nodeID)
		}
	}
}

// snapshot returns every registered Sink ordered by pathname.
func (r *Registry) snapshot() []*sink.Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*sink.Sink, 0, len(r.pathWriters))
	for _, s := range r.pathWriters {
		all = append(all, s)
	}
	slices.SortFunc(all, func(a, b *sink.Sink) int { return strings.Compare(a.Pathname(), b.Pathname()) })
	return all
}

// Writers describes every open writer, ordered by pathname.
func (r *Registry) Writers() []WriterInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WriterInfo, 0, len(r.pathWriters))
	for nodeID, set := range r.nodeWriters {
		for s := range set {
			out = append(out, WriterInfo{ID: s.ID(), Name: s.Name(), Pathname: s.Pathname(), NodeID: nodeID})
		}
	}
	slices.SortFunc(out, func(a, b WriterInfo) int { return strings.Compare(a.Pathname, b.Pathname) })
	return out
}

// Pathnames returns the pathnames with an open writer, sorted.
func (r *Registry) Pathnames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pathWriters))
	for p := range r.pathWriters {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// NodeIDs returns the nodes with at least one open writer, sorted.
func (r *Registry) NodeIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.nodeWriters))
	for id := range r.nodeWriters {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func sortedSinks(set map[*sink.Sink]struct{}) []*sink.Sink {
	out := make([]*sink.Sink, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *sink.Sink) int { return strings.Compare(a.Pathname(), b.Pathname()) })
	return out
}
