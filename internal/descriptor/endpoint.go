package descriptor

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/logweave/internal/errs"
)

// Endpoint is one node's view of the replicated descriptors. It creates and
// attaches handles through a Link and dispatches hub events to the local
// handles of each descriptor.
type Endpoint struct {
	nodeID string
	link   Link
	logger *zap.Logger

	mu      sync.Mutex
	handles map[string][]*core
}

// NewEndpoint returns an endpoint for nodeID talking to the hub over link.
func NewEndpoint(nodeID string, link Link) *Endpoint {
	return &Endpoint{
		nodeID:  nodeID,
		link:    link,
		logger:  zap.NewNop(),
		handles: make(map[string][]*core),
	}
}

// WithLogger sets the logger for the endpoint.
func (e *Endpoint) WithLogger(log *zap.Logger) {
	e.logger = log.With(zap.String("service", "descriptor-endpoint"), zap.String("node_id", e.nodeID))
}

// NodeID returns the id of the node this endpoint belongs to.
func (e *Endpoint) NodeID() string { return e.nodeID }

// Create registers a new descriptor owned by this node. The handle is
// tracked before the hub learns about the id, so updates sent while the hub
// runs its creation observers are not lost.
func (e *Endpoint) Create(ctx context.Context, f Fields) (*Owned, error) {
	id := uuid.NewString()
	c := e.track(id, f)
	if err := e.link.Create(ctx, e.nodeID, id, f); err != nil {
		e.untrack(c)
		return nil, err
	}
	return &Owned{core: c}, nil
}

// Attach subscribes this node to an existing descriptor.
func (e *Endpoint) Attach(ctx context.Context, id string) (*Attached, error) {
	f, err := e.link.Attach(ctx, e.nodeID, id)
	if err != nil {
		return nil, err
	}
	return &Attached{core: e.track(id, f)}, nil
}

// Notify dispatches a hub event to the local handles of ev.ID.
func (e *Endpoint) Notify(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventUpdate:
		if ev.Update == nil {
			return errs.New(errs.EInvalid, "descriptor.Notify", "update event without update")
		}
		for _, c := range e.lookup(ev.ID) {
			c.apply(ctx, *ev.Update)
		}
	case EventDetach:
		for _, c := range e.drop(ev.ID) {
			c.detach(ctx)
		}
	default:
		return errs.New(errs.EInvalid, "descriptor.Notify", "unknown event kind %q", ev.Kind)
	}
	return nil
}

// Close detaches every local handle without telling the hub. It is used
// when the node loses its coordinator or shuts down.
func (e *Endpoint) Close(ctx context.Context) {
	e.mu.Lock()
	all := e.handles
	e.handles = make(map[string][]*core)
	e.mu.Unlock()

	for _, cs := range all {
		for _, c := range cs {
			c.detach(ctx)
		}
	}
}

// Len returns the number of descriptors with at least one local handle.
func (e *Endpoint) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles)
}

func (e *Endpoint) set(ctx context.Context, c *core, u Update) error {
	if err := e.link.Update(ctx, e.nodeID, c.id, u); err != nil {
		return err
	}
	for _, sib := range e.lookup(c.id) {
		sib.apply(ctx, u)
	}
	return nil
}

func (e *Endpoint) delete(ctx context.Context, c *core) error {
	err := e.link.Delete(ctx, e.nodeID, c.id)
	if errs.Code(err) == errs.ENotFound {
		// already removed, e.g. by the hub on disconnect
		err = nil
	}
	for _, sib := range e.drop(c.id) {
		sib.detach(ctx)
	}
	c.detach(ctx)
	return err
}

func (e *Endpoint) detach(ctx context.Context, c *core) error {
	var err error
	if e.untrack(c) {
		err = e.link.Detach(ctx, e.nodeID, c.id)
	}
	c.detach(ctx)
	return err
}

func (e *Endpoint) track(id string, f Fields) *core {
	c := &core{id: id, ep: e, fields: f.Clone()}
	e.mu.Lock()
	e.handles[id] = append(e.handles[id], c)
	e.mu.Unlock()
	return c
}

// untrack removes c and reports whether it was the last local handle of its
// descriptor.
func (e *Endpoint) untrack(c *core) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs := e.handles[c.id]
	for i, other := range cs {
		if other == c {
			cs = append(cs[:i:i], cs[i+1:]...)
			break
		}
	}
	if len(cs) == 0 {
		delete(e.handles, c.id)
		return true
	}
	e.handles[c.id] = cs
	return false
}

func (e *Endpoint) lookup(id string) []*core {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*core(nil), e.handles[id]...)
}

func (e *Endpoint) drop(id string) []*core {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs := e.handles[id]
	delete(e.handles, id)
	return cs
}
