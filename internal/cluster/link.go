package cluster

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dreamware/logweave/internal/descriptor"
	"github.com/dreamware/logweave/internal/errs"
)

// Coordinator routes.
const (
	PathRegister       = "/register"
	PathDeregister     = "/deregister"
	PathCreate         = "/descriptors/create"
	PathAttach         = "/descriptors/attach"
	PathUpdate         = "/descriptors/update"
	PathDelete         = "/descriptors/delete"
	PathDetach         = "/descriptors/detach"
	PathLookup         = "/writers/lookup"
	PathData           = "/data"
	PathSwitch         = "/switch"
	PathControl        = "/control"
	defaultCallTimeout = 10 * time.Second
)

// RemoteLink is a node's connection to the coordinator. It carries
// descriptor traffic (descriptor.Link), data batches (buffered.Sender) and
// name lookups (node.Directory) over HTTP.
type RemoteLink struct {
	base   string
	nodeID string
	codec  Codec
	hc     *http.Client
}

// LinkOption configures a RemoteLink.
type LinkOption func(*RemoteLink)

// WithCodec sets the codec used for data batches. Defaults to JSON.
func WithCodec(c Codec) LinkOption {
	return func(l *RemoteLink) { l.codec = c }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) LinkOption {
	return func(l *RemoteLink) { l.hc = hc }
}

// NewRemoteLink returns a link from nodeID to the coordinator at base, e.g.
// "http://127.0.0.1:8080".
func NewRemoteLink(base, nodeID string, opts ...LinkOption) *RemoteLink {
	l := &RemoteLink{
		base:   strings.TrimRight(base, "/"),
		nodeID: nodeID,
		codec:  JSON,
		hc:     &http.Client{Timeout: defaultCallTimeout},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register announces the node and the address of its control endpoint.
func (l *RemoteLink) Register(ctx context.Context, addr string) error {
	return l.call(ctx, PathRegister, RegisterRequest{Node: NodeInfo{ID: l.nodeID, Addr: addr}}, nil)
}

// Deregister tells the coordinator the node is leaving.
func (l *RemoteLink) Deregister(ctx context.Context) error {
	return l.call(ctx, PathDeregister, DeregisterRequest{NodeID: l.nodeID}, nil)
}

// Create implements descriptor.Link.
func (l *RemoteLink) Create(ctx context.Context, nodeID, id string, f descriptor.Fields) error {
	return l.call(ctx, PathCreate, CreateRequest{NodeID: nodeID, ID: id, Fields: f}, nil)
}

// Attach implements descriptor.Link.
func (l *RemoteLink) Attach(ctx context.Context, nodeID, id string) (descriptor.Fields, error) {
	var resp AttachResponse
	if err := l.call(ctx, PathAttach, RefRequest{NodeID: nodeID, ID: id}, &resp); err != nil {
		return descriptor.Fields{}, err
	}
	return resp.Fields, nil
}

// Update implements descriptor.Link.
func (l *RemoteLink) Update(ctx context.Context, nodeID, id string, u descriptor.Update) error {
	return l.call(ctx, PathUpdate, UpdateRequest{NodeID: nodeID, ID: id, Update: u}, nil)
}

// Delete implements descriptor.Link.
func (l *RemoteLink) Delete(ctx context.Context, nodeID, id string) error {
	return l.call(ctx, PathDelete, RefRequest{NodeID: nodeID, ID: id}, nil)
}

// Detach implements descriptor.Link.
func (l *RemoteLink) Detach(ctx context.Context, nodeID, id string) error {
	return l.call(ctx, PathDetach, RefRequest{NodeID: nodeID, ID: id}, nil)
}

// Lookup returns the descriptor id of the coordinator-created writer called
// name.
func (l *RemoteLink) Lookup(ctx context.Context, name string) (string, error) {
	var resp LookupResponse
	if err := l.call(ctx, PathLookup, LookupRequest{Name: name}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Send pushes a batch for pathname, encoded with the link's codec.
func (l *RemoteLink) Send(ctx context.Context, pathname string, data []any) error {
	body, err := l.codec.Marshal(Batch{NodeID: l.nodeID, Pathname: pathname, Data: data})
	if err != nil {
		return errs.Wrap(err, errs.EInvalid, "cluster.Send", "cannot encode batch")
	}
	return post(ctx, l.hc, l.base+PathData, l.codec.ContentType(), body, nil)
}

func (l *RemoteLink) call(ctx context.Context, path string, body, out any) error {
	b, err := JSON.Marshal(body)
	if err != nil {
		return err
	}
	return post(ctx, l.hc, l.base+path, ContentTypeJSON, b, out)
}

// RemoteNotifier delivers hub events to a node's control endpoint.
type RemoteNotifier struct {
	url string
	hc  *http.Client
}

// NewRemoteNotifier returns a notifier posting to addr's control endpoint.
// addr may be a host:port or a full URL.
func NewRemoteNotifier(addr string) *RemoteNotifier {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &RemoteNotifier{
		url: strings.TrimRight(addr, "/") + PathControl,
		hc:  &http.Client{Timeout: defaultCallTimeout},
	}
}

// Notify implements descriptor.Notifier.
func (n *RemoteNotifier) Notify(ctx context.Context, ev descriptor.Event) error {
	b, err := JSON.Marshal(ev)
	if err != nil {
		return err
	}
	return post(ctx, n.hc, n.url, ContentTypeJSON, b, nil)
}
