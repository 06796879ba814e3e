package descriptor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/logweave/internal/errs"
)

// Link carries descriptor traffic from one node to the hub. The hub itself
// implements Link for nodes living in the coordinator's process; remote
// nodes use an HTTP implementation.
type Link interface {
	Create(ctx context.Context, nodeID, id string, f Fields) error
	Attach(ctx context.Context, nodeID, id string) (Fields, error)
	Update(ctx context.Context, nodeID, id string, u Update) error
	Delete(ctx context.Context, nodeID, id string) error
	Detach(ctx context.Context, nodeID, id string) error
}

// Notifier delivers hub events to one node.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Observer is called when a node other than the coordinator creates a
// descriptor. It runs before the creator's Create call returns.
type Observer func(ctx context.Context, id, owner string)

type record struct {
	id          string
	owner       string
	fields      Fields
	subscribers map[string]struct{}
}

// Hub is the coordinator-side store of every live descriptor. It tracks the
// owner and the attached nodes of each record and fans changes out to them.
// Thread-safe: all methods may be called concurrently; no lock is held while
// observers or notifiers run.
type Hub struct {
	nodeID string
	logger *zap.Logger

	mu        sync.Mutex
	records   map[string]*record
	notifiers map[string]Notifier
	observers []Observer
	local     *Endpoint
}

// NewHub creates a hub owned by the coordinator node nodeID.
func NewHub(nodeID string) *Hub {
	return &Hub{
		nodeID:    nodeID,
		logger:    zap.NewNop(),
		records:   make(map[string]*record),
		notifiers: make(map[string]Notifier),
	}
}

// WithLogger sets the logger for the hub.
func (h *Hub) WithLogger(log *zap.Logger) {
	h.logger = log.With(zap.String("service", "descriptor-hub"))
}

// NodeID returns the coordinator's node id.
func (h *Hub) NodeID() string { return h.nodeID }

// Register routes events for nodeID to n, replacing any previous notifier.
func (h *Hub) Register(nodeID string, n Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifiers[nodeID] = n
}

// Observe installs fn as a creation observer for remotely created descriptors.
func (h *Hub) Observe(fn Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, fn)
}

// Endpoint returns the coordinator's own endpoint.
func (h *Hub) Endpoint() *Endpoint {
	h.mu.Lock()
	if h.local != nil {
		defer h.mu.Unlock()
		return h.local
	}
	h.local = NewEndpoint(h.nodeID, h)
	h.notifiers[h.nodeID] = h.local
	h.mu.Unlock()
	return h.local
}

// Connect returns an endpoint for a node running in the coordinator's
// process and registers it for notifications.
func (h *Hub) Connect(nodeID string) *Endpoint {
	ep := NewEndpoint(nodeID, h)
	h.Register(nodeID, ep)
	return ep
}

// Len returns the number of live descriptors.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// Has reports whether the descriptor id is live.
func (h *Hub) Has(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.records[id]
	return ok
}

// Create stores a new descriptor owned by nodeID.
func (h *Hub) Create(ctx context.Context, nodeID, id string, f Fields) error {
	h.mu.Lock()
	if _, exists := h.records[id]; exists {
		h.mu.Unlock()
		return errs.New(errs.EConflict, "descriptor.Create", "descriptor %s already exists", id)
	}
	h.records[id] = &record{
		id:          id,
		owner:       nodeID,
		fields:      f.Clone(),
		subscribers: map[string]struct{}{nodeID: {}},
	}
	observers := append([]Observer(nil), h.observers...)
	h.mu.Unlock()

	h.logger.Debug("Descriptor created",
		zap.String("id", id), zap.String("owner", nodeID), zap.String("name", f.Name))

	if nodeID == h.nodeID {
		return nil
	}
	for _, fn := range observers {
		fn(ctx, id, nodeID)
	}
	return nil
}

// Attach subscribes nodeID to the descriptor and returns its current fields.
func (h *Hub) Attach(ctx context.Context, nodeID, id string) (Fields, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[id]
	if !ok {
		return Fields{}, errs.New(errs.ENotFound, "descriptor.Attach", "descriptor %s does not exist", id)
	}
	rec.subscribers[nodeID] = struct{}{}
	return rec.fields.Clone(), nil
}

// Update applies u to the descriptor and forwards it to every other
// subscribed node.
func (h *Hub) Update(ctx context.Context, nodeID, id string, u Update) error {
	const op = "descriptor.Update"

	h.mu.Lock()
	rec, ok := h.records[id]
	if !ok {
		h.mu.Unlock()
		return errs.New(errs.ENotFound, op, "descriptor %s does not exist", id)
	}
	if _, ok := rec.subscribers[nodeID]; !ok {
		h.mu.Unlock()
		return errs.New(errs.EConflict, op, "node %s is not attached to descriptor %s", nodeID, id)
	}
	if err := rec.fields.Apply(u); err != nil {
		h.mu.Unlock()
		return err
	}
	targets := h.others(rec, nodeID)
	h.mu.Unlock()

	h.notify(ctx, targets, Event{ID: id, Kind: EventUpdate, Update: &u})
	return nil
}

// Delete removes a descriptor. Only its owner may delete it; every other
// subscribed node receives a detach event.
func (h *Hub) Delete(ctx context.Context, nodeID, id string) error {
	const op = "descriptor.Delete"

	h.mu.Lock()
	rec, ok := h.records[id]
	if !ok {
		h.mu.Unlock()
		return errs.New(errs.ENotFound, op, "descriptor %s does not exist", id)
	}
	if rec.owner != nodeID {
		h.mu.Unlock()
		return errs.New(errs.EConflict, op, "node %s does not own descriptor %s", nodeID, id)
	}
	delete(h.records, id)
	targets := h.others(rec, nodeID)
	h.mu.Unlock()

	h.logger.Debug("Descriptor deleted", zap.String("id", id), zap.String("owner", nodeID))
	h.notify(ctx, targets, Event{ID: id, Kind: EventDetach})
	return nil
}

// Detach unsubscribes nodeID. Other subscribers are not told.
func (h *Hub) Detach(ctx context.Context, nodeID, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rec, ok := h.records[id]; ok {
		delete(rec.subscribers, nodeID)
	}
	return nil
}

// RemoveNode forgets nodeID: descriptors it owned are deleted (attached
// nodes get a detach event) and its subscriptions are dropped.
func (h *Hub) RemoveNode(ctx context.Context, nodeID string) {
	h.mu.Lock()
	var owned []string
	for id, rec := range h.records {
		if rec.owner == nodeID {
			owned = append(owned, id)
			continue
		}
		delete(rec.subscribers, nodeID)
	}
	delete(h.notifiers, nodeID)
	h.mu.Unlock()

	for _, id := range owned {
		if err := h.Delete(ctx, nodeID, id); err != nil {
			h.logger.Debug("Descriptor already gone", zap.String("id", id), zap.Error(err))
		}
	}
	if len(owned) > 0 {
		h.logger.Info("Removed node descriptors",
			zap.String("node_id", nodeID), zap.Int("count", len(owned)))
	}
}

// others lists the subscribers of rec except nodeID. Caller holds h.mu.
func (h *Hub) others(rec *record, nodeID string) []Notifier {
	out := make([]Notifier, 0, len(rec.subscribers))
	for sub := range rec.subscribers {
		if sub == nodeID {
			continue
		}
		if n, ok := h.notifiers[sub]; ok {
			out = append(out, n)
		}
	}
	return out
}

func (h *Hub) notify(ctx context.Context, targets []Notifier, ev Event) {
	for _, n := range targets {
		if err := n.Notify(ctx, ev); err != nil {
			h.logger.Warn("Failed to notify node",
				zap.String("id", ev.ID), zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
	}
}
