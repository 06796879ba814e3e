package descriptor

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handle is a node-local reference to a descriptor. It is either *Owned
// (this node created the descriptor) or *Attached; the set is closed, so a
// type switch over the two is exhaustive.
type Handle interface {
	// ID returns the descriptor id.
	ID() string
	// Fields returns a snapshot of the replicated fields.
	Fields() Fields
	// Set publishes u to the hub and to every other handle.
	Set(ctx context.Context, u Update) error
	// OnUpdate registers cb for updates. With replay, cb is first called
	// with the updates that rebuild the current fields.
	OnUpdate(cb func(context.Context, Update), replay bool) (unregister func())
	// OnDetach registers cb for when the handle stops referring to a live
	// descriptor, whether released locally or torn down remotely.
	OnDetach(cb func(context.Context)) (unregister func())
	// Detached reports whether the handle has been detached.
	Detached() bool

	base() *core
}

// Owned is the handle held by the node that created the descriptor.
type Owned struct{ *core }

// Delete removes the descriptor for every node.
func (o *Owned) Delete(ctx context.Context) error { return o.ep.delete(ctx, o.core) }

// Attached is the handle held by any node that did not create the descriptor.
type Attached struct{ *core }

// Detach unlinks this handle; the descriptor stays alive for other nodes.
func (a *Attached) Detach(ctx context.Context) error { return a.ep.detach(ctx, a.core) }

// Release deletes an owned descriptor or detaches an attached one.
func Release(ctx context.Context, h Handle) error {
	switch h := h.(type) {
	case *Owned:
		return h.Delete(ctx)
	case *Attached:
		return h.Detach(ctx)
	}
	return nil
}

type core struct {
	id string
	ep *Endpoint

	mu        sync.Mutex
	fields    Fields
	updateCbs []updateCb
	detachCbs []detachCb
	next      int
	detached  bool
}

type updateCb struct {
	id int
	fn func(context.Context, Update)
}

type detachCb struct {
	id int
	fn func(context.Context)
}

func (c *core) base() *core { return c }

func (c *core) ID() string { return c.id }

func (c *core) Fields() Fields {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fields.Clone()
}

func (c *core) Detached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}

func (c *core) Set(ctx context.Context, u Update) error { return c.ep.set(ctx, c, u) }

func (c *core) OnUpdate(cb func(context.Context, Update), replay bool) func() {
	c.mu.Lock()
	var past []Update
	if replay {
		past = c.fields.updates()
	}
	if c.detached {
		c.mu.Unlock()
		for _, u := range past {
			cb(context.Background(), u)
		}
		return func() {}
	}
	id := c.next
	c.next++
	c.updateCbs = append(c.updateCbs, updateCb{id: id, fn: cb})
	c.mu.Unlock()

	for _, u := range past {
		cb(context.Background(), u)
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.updateCbs {
			if e.id == id {
				c.updateCbs = append(c.updateCbs[:i:i], c.updateCbs[i+1:]...)
				return
			}
		}
	}
}

// OnDetach on an already detached handle runs cb immediately.
func (c *core) OnDetach(cb func(context.Context)) func() {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		cb(context.Background())
		return func() {}
	}
	id := c.next
	c.next++
	c.detachCbs = append(c.detachCbs, detachCb{id: id, fn: cb})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.detachCbs {
			if e.id == id {
				c.detachCbs = append(c.detachCbs[:i:i], c.detachCbs[i+1:]...)
				return
			}
		}
	}
}

func (c *core) apply(ctx context.Context, u Update) {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return
	}
	if err := c.fields.Apply(u); err != nil {
		c.mu.Unlock()
		c.ep.logger.Warn("Ignoring descriptor update", zap.String("id", c.id), zap.Error(err))
		return
	}
	cbs := append([]updateCb(nil), c.updateCbs...)
	c.mu.Unlock()

	for _, cb := range cbs {
		cb.fn(ctx, u)
	}
}

func (c *core) detach(ctx context.Context) {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return
	}
	c.detached = true
	cbs := c.detachCbs
	c.detachCbs = nil
	c.updateCbs = nil
	c.mu.Unlock()

	for _, cb := range cbs {
		cb.fn(ctx)
	}
}
