// Package main implements the logweave node service, which opens shared log
// writers through the coordinator and pushes their lines to it.
//
// The node is a peer in the logweave cluster, responsible for:
//   - Registering with the coordinator
//   - Mirroring writer descriptors delivered on /control
//   - Buffering writes and pushing them to the coordinator as batches
//   - Responding to health checks
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                     │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health          - Health check      │
//	│    /control         - Hub events        │
//	│    /writers         - Open/list writers │
//	│    /writers/write   - Append values     │
//	│    /writers/flush   - Push buffer       │
//	│    /writers/close   - Close writer      │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    RemoteLink   - Coordinator link      │
//	│    Endpoint     - Descriptor view       │
//	│    Client       - Writer factory        │
//	└─────────────────────────────────────────┘
//
// Configuration (flags, or LOGWEAVE_NODE_* environment variables):
//   - --node-id: Unique node identifier (default: random UUID)
//   - --listen: Listen address (default: ":8081")
//   - --public-addr: Address the coordinator reaches /control on
//     (default: "http://127.0.0.1:8081")
//   - --coordinator-addr: Coordinator URL (default: "http://127.0.0.1:8080")
//   - --codec: Data batch encoding, json or cbor (default: json)
//
// Example usage:
//
//	# Start node
//	LOGWEAVE_NODE_NODE_ID=node-1 \
//	LOGWEAVE_NODE_COORDINATOR_ADDR=http://localhost:8080 \
//	./node
//
//	# Open a writer and append to it
//	curl -X POST localhost:8081/writers -d '{"name":"run/events"}'
//	curl -X POST localhost:8081/writers/write \
//	  -d '{"name":"run/events","values":["started",[1,2,3]]}'
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/exp/slices"

	"github.com/dreamware/logweave/internal/buffered"
	"github.com/dreamware/logweave/internal/cli"
	"github.com/dreamware/logweave/internal/cluster"
	"github.com/dreamware/logweave/internal/descriptor"
	"github.com/dreamware/logweave/internal/errs"
	"github.com/dreamware/logweave/internal/logger"
	"github.com/dreamware/logweave/internal/node"
)

type config struct {
	NodeID          string
	Listen          string
	PublicAddr      string
	CoordinatorAddr string
	Codec           string
	LogLevel        zapcore.Level
	LogFormat       string
}

// registerAttempts and registerBackoff bound the startup registration loop.
var (
	registerAttempts = 10
	registerBackoff  = 500 * time.Millisecond
)

func main() {
	var cfg config
	prog := &cli.Program{
		Name: "logweave-node",
		Run:  func() error { return run(cfg) },
		Opts: []cli.Opt{
			{DestP: &cfg.NodeID, Flag: "node-id", Desc: "unique node identifier; a random UUID when empty"},
			{DestP: &cfg.Listen, Flag: "listen", Default: ":8081", Desc: "listen address for the HTTP API"},
			{DestP: &cfg.PublicAddr, Flag: "public-addr", Default: "http://127.0.0.1:8081", Desc: "address the coordinator reaches this node on"},
			{DestP: &cfg.CoordinatorAddr, Flag: "coordinator-addr", Default: "http://127.0.0.1:8080", Desc: "coordinator URL"},
			{DestP: &cfg.Codec, Flag: "codec", Default: "json", Desc: "data batch encoding: json or cbor"},
			{DestP: &cfg.LogLevel, Flag: "log-level", Default: zapcore.InfoLevel, Desc: "supported log levels are debug, info, warn and error"},
			{DestP: &cfg.LogFormat, Flag: "log-format", Default: "auto", Desc: "log output format: console, json or auto"},
		},
	}
	cmd, err := cli.NewCommand(viper.New(), prog)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config) error {
	log, err := logger.New(os.Stdout, logger.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	codec, err := cluster.CodecByName(cfg.Codec)
	if err != nil {
		return err
	}

	n := newNode(cfg.NodeID, cluster.NewRemoteLink(cfg.CoordinatorAddr, cfg.NodeID, cluster.WithCodec(codec)), log)
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           n.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("Node listening",
			zap.String("node_id", cfg.NodeID), zap.String("addr", cfg.Listen), zap.String("public", cfg.PublicAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.register(ctx, cfg.PublicAddr); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return err
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n.shutdown(shutdownCtx)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server shutdown error", zap.Error(err))
	}
	log.Info("Node stopped")
	return nil
}

// Node is a running peer: its coordinator link, its descriptor endpoint and
// the writers opened through its HTTP API, by name.
type Node struct {
	ID     string
	link   *cluster.RemoteLink
	ep     *descriptor.Endpoint
	client *node.Client
	logger *zap.Logger

	mu      sync.Mutex
	writers map[string]*buffered.Writer
}

func newNode(id string, link *cluster.RemoteLink, log *zap.Logger) *Node {
	ep := descriptor.NewEndpoint(id, link)
	ep.WithLogger(log)
	client := node.NewClient(ep, link, link)
	client.WithLogger(log)
	return &Node{
		ID:      id,
		link:    link,
		ep:      ep,
		client:  client,
		logger:  log.With(zap.String("node_id", id)),
		writers: make(map[string]*buffered.Writer),
	}
}

func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle(cluster.PathControl, cluster.NewControlHandler(n.ep, n.logger))
	mux.HandleFunc("/writers", n.handleWriters)
	mux.HandleFunc("/writers/write", n.handleWrite)
	mux.HandleFunc("/writers/flush", n.handleFlush)
	mux.HandleFunc("/writers/close", n.handleClose)
	return mux
}

// register announces the node, retrying while the coordinator is not up.
func (n *Node) register(ctx context.Context, addr string) error {
	var lastErr error
	for i := 0; i < registerAttempts; i++ {
		lastErr = n.link.Register(ctx, addr)
		if lastErr == nil {
			n.logger.Info("Registered with coordinator")
			return nil
		}
		n.logger.Warn("Register retry", zap.Int("attempt", i+1), zap.Error(lastErr))
		select {
		case <-time.After(registerBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed to register with coordinator: %w", lastErr)
}

// shutdown closes every writer and leaves the cluster.
func (n *Node) shutdown(ctx context.Context) {
	if err := n.client.Close(ctx); err != nil {
		n.logger.Warn("Errors closing writers", zap.Error(err))
	}
	if err := n.link.Deregister(ctx); err != nil {
		n.logger.Warn("Deregister failed", zap.Error(err))
	}
	n.ep.Close(ctx)
}

// OpenRequest opens a writer. With Attach set the node appends to the
// coordinator-created writer called Name instead of creating one.
type OpenRequest struct {
	Name       string `json:"name"`
	BufferSize *int   `json:"buffer_size,omitempty"`
	UsePrefix  *bool  `json:"use_prefix,omitempty"`
	AllowReuse bool   `json:"allow_reuse,omitempty"`
	Attach     bool   `json:"attach,omitempty"`
}

// WriteRequest appends Values, in order, to the writer called Name.
type WriteRequest struct {
	Name   string            `json:"name"`
	Values []json.RawMessage `json:"values"`
}

// WriterInfo describes a writer held by the node.
type WriterInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Pathname   string `json:"pathname"`
	BufferSize int    `json:"buffer_size"`
}

func info(w *buffered.Writer) WriterInfo {
	return WriterInfo{ID: w.ID(), Name: w.Name(), Pathname: w.Pathname(), BufferSize: w.BufferSize()}
}

func (n *Node) handleWriters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		n.mu.Lock()
		names := make([]string, 0, len(n.writers))
		for name := range n.writers {
			names = append(names, name)
		}
		slices.Sort(names)
		out := make([]WriterInfo, 0, len(names))
		for _, name := range names {
			out = append(out, info(n.writers[name]))
		}
		n.mu.Unlock()
		cluster.WriteJSON(w, http.StatusOK, struct {
			Writers []WriterInfo `json:"writers"`
		}{Writers: out})
	case http.MethodPost:
		var req OpenRequest
		if err := cluster.ReadJSON(r, &req); err != nil {
			cluster.WriteError(w, err)
			return
		}
		bw, err := n.open(r.Context(), req)
		if err != nil {
			cluster.WriteError(w, err)
			return
		}
		cluster.WriteJSON(w, http.StatusCreated, info(bw))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (n *Node) open(ctx context.Context, req OpenRequest) (*buffered.Writer, error) {
	const op = "node.open"
	if req.Name == "" {
		return nil, errs.New(errs.EInvalid, op, "writer name is required")
	}
	n.mu.Lock()
	_, exists := n.writers[req.Name]
	n.mu.Unlock()
	if exists {
		return nil, errs.New(errs.EConflict, op, "writer %q is already open on this node", req.Name)
	}

	opts := node.DefaultWriterOptions()
	if req.BufferSize != nil {
		opts.BufferSize = *req.BufferSize
	}
	if req.UsePrefix != nil {
		opts.UsePrefix = *req.UsePrefix
	}
	opts.AllowReuse = req.AllowReuse

	var (
		bw  *buffered.Writer
		err error
	)
	if req.Attach {
		bw, err = n.client.AttachWriter(ctx, req.Name, opts.BufferSize)
	} else {
		bw, err = n.client.CreateWriter(ctx, req.Name, opts)
	}
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	if _, exists := n.writers[req.Name]; exists {
		n.mu.Unlock()
		return nil, multierr.Append(errs.New(errs.EConflict, op, "writer %q is already open on this node", req.Name), bw.Close(ctx))
	}
	n.writers[req.Name] = bw
	n.mu.Unlock()

	bw.OnClose(func(context.Context) {
		n.mu.Lock()
		if n.writers[req.Name] == bw {
			delete(n.writers, req.Name)
		}
		n.mu.Unlock()
	})
	return bw, nil
}

func (n *Node) writer(name string) (*buffered.Writer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	bw, ok := n.writers[name]
	if !ok {
		return nil, errs.New(errs.ENotFound, "node.writer", "no writer named %q", name)
	}
	return bw, nil
}

func (n *Node) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req WriteRequest
	if err := cluster.ReadJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	bw, err := n.writer(req.Name)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	for _, raw := range req.Values {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			cluster.WriteError(w, errs.Wrap(err, errs.EInvalid, "node.write", "malformed value"))
			return
		}
		if err := bw.Write(r.Context(), v); err != nil {
			cluster.WriteError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleFlush(w http.ResponseWriter, r *http.Request) {
	n.withWriter(w, r, func(ctx context.Context, bw *buffered.Writer) error { return bw.Flush(ctx) })
}

func (n *Node) handleClose(w http.ResponseWriter, r *http.Request) {
	n.withWriter(w, r, func(ctx context.Context, bw *buffered.Writer) error { return bw.Close(ctx) })
}

func (n *Node) withWriter(w http.ResponseWriter, r *http.Request, fn func(context.Context, *buffered.Writer) error) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := cluster.ReadJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	bw, err := n.writer(req.Name)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	if err := fn(r.Context(), bw); err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
