package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/exp/slices"

	"github.com/dreamware/logweave/internal/cli"
	"github.com/dreamware/logweave/internal/cluster"
	"github.com/dreamware/logweave/internal/coordinator"
	"github.com/dreamware/logweave/internal/descriptor"
	"github.com/dreamware/logweave/internal/errs"
	"github.com/dreamware/logweave/internal/logger"
	"github.com/dreamware/logweave/internal/reader"
)

const coordinatorID = "coordinator"

type config struct {
	HTTPBindAddress string
	Dirname         string
	HealthInterval  time.Duration
	LogLevel        zapcore.Level
	LogFormat       string
}

func main() {
	var cfg config
	prog := &cli.Program{
		Name: "logweave-coordinator",
		Run:  func() error { return run(cfg) },
		Opts: []cli.Opt{
			{DestP: &cfg.HTTPBindAddress, Flag: "http-bind-address", Default: ":8080", Desc: "bind address for the HTTP API"},
			{DestP: &cfg.Dirname, Flag: "dirname", Default: "", Desc: "directory log files are written to; empty starts idle"},
			{DestP: &cfg.HealthInterval, Flag: "health-interval", Default: 5 * time.Second, Desc: "interval between node health checks"},
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

	srv := newServer(afero.NewOsFs(), log)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.reg.Open(ctx, cfg.Dirname); err != nil {
		return err
	}
	srv.health = coordinator.NewHealthMonitor(cfg.HealthInterval)
	srv.health.WithLogger(log)
	srv.health.OnDisconnect(func(nodeID string) {
		srv.dropNode(context.Background(), nodeID)
	})
	go srv.health.Start(ctx, srv.nodeList)
	defer srv.health.Stop()

	httpSrv := &http.Server{
		Addr:              cfg.HTTPBindAddress,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("Coordinator listening",
			zap.String("addr", cfg.HTTPBindAddress), zap.String("dirname", cfg.Dirname))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if err := srv.reg.Close(shutdownCtx); err != nil {
		log.Warn("Errors closing writers", zap.Error(err))
	}
	log.Info("Coordinator stopped")
	return nil
}

type server struct {
	hub     *descriptor.Hub
	reg     *coordinator.Registry
	fs      afero.Fs
	logger  *zap.Logger
	metrics *prometheus.Registry
	health  *coordinator.HealthMonitor

	mu    sync.RWMutex
	nodes []cluster.NodeInfo
}

func newServer(fsys afero.Fs, log *zap.Logger) *server {
	hub := descriptor.NewHub(coordinatorID)
	hub.WithLogger(log)
	m := coordinator.NewMetrics()
	reg := coordinator.NewRegistry(hub,
		coordinator.WithFs(fsys),
		coordinator.WithLogger(log),
		coordinator.WithMetrics(m),
	)

	pr := prometheus.NewRegistry()
	pr.MustRegister(m.PrometheusCollectors()...)

	return &server{
		hub:     hub,
		reg:     reg,
		fs:      fsys,
		logger:  log,
		metrics: pr,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(cluster.PathRegister, s.handleRegister)
	mux.HandleFunc(cluster.PathDeregister, s.handleDeregister)
	mux.HandleFunc(cluster.PathCreate, s.handleCreate)
	mux.HandleFunc(cluster.PathAttach, s.handleAttach)
	mux.HandleFunc(cluster.PathUpdate, s.handleUpdate)
	mux.HandleFunc(cluster.PathDelete, s.handleRef(s.hub.Delete))
	mux.HandleFunc(cluster.PathDetach, s.handleRef(s.hub.Detach))
	mux.HandleFunc(cluster.PathLookup, s.handleLookup)
	mux.HandleFunc(cluster.PathData, s.handleData)
	mux.HandleFunc(cluster.PathSwitch, s.handleSwitch)
	mux.HandleFunc("/writers", s.handleWriters)
	mux.HandleFunc("/files", s.handleFiles)
	mux.HandleFunc("/nodes", s.handleListNodes)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	return mux
}

func (s *server) nodeList() []cluster.NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.nodes)
}

// dropNode closes everything nodeID had open and forgets the node.
func (s *server) dropNode(ctx context.Context, nodeID string) {
	s.mu.Lock()
	s.nodes = slices.DeleteFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == nodeID })
	s.mu.Unlock()

	if s.health != nil {
		s.health.Forget(nodeID)
	}
	if err := s.reg.NodeDisconnected(ctx, nodeID); err != nil {
		s.logger.Warn("Errors closing writers of node", zap.String("node_id", nodeID), zap.Error(err))
	}
}

func post(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !post(w, r) {
		return
	}
	var req cluster.RegisterRequest
	if err := cluster.ReadJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	if req.Node.ID == "" || req.Node.ID == coordinatorID || req.Node.Addr == "" {
		cluster.WriteError(w, errs.New(errs.EInvalid, "coordinator.register", "missing or reserved id/addr"))
		return
	}

	s.mu.Lock()
	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == req.Node.ID })
	if idx >= 0 {
		s.nodes[idx] = req.Node
	} else {
		s.nodes = append(s.nodes, req.Node)
	}
	s.mu.Unlock()

	s.hub.Register(req.Node.ID, cluster.NewRemoteNotifier(req.Node.Addr))
	s.logger.Info("Node registered", zap.String("node_id", req.Node.ID), zap.String("addr", req.Node.Addr))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if !post(w, r) {
		return
	}
	var req cluster.DeregisterRequest
	if err := cluster.ReadJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	s.dropNode(r.Context(), req.NodeID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !post(w, r) {
		return
	}
	var req cluster.CreateRequest
	if err := cluster.ReadJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	if err := s.hub.Create(r.Context(), req.NodeID, req.ID, req.Fields); err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAttach(w http.ResponseWriter, r *http.Request) {
	if !post(w, r) {
		return
	}
	var req cluster.RefRequest
	if err := cluster.ReadJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	f, err := s.hub.Attach(r.Context(), req.NodeID, req.ID)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.AttachResponse{Fields: f})
}

func (s *server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if !post(w, r) {
		return
	}
	var req cluster.UpdateRequest
	if err := cluster.ReadJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	if err := s.hub.Update(r.Context(), req.NodeID, req.ID, req.Update); err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRef(fn func(context.Context, string, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !post(w, r) {
			return
		}
		var req cluster.RefRequest
		if err := cluster.ReadJSON(r, &req); err != nil {
			cluster.WriteError(w, err)
			return
		}
		if err := fn(r.Context(), req.NodeID, req.ID); err != nil {
			cluster.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if !post(w, r) {
		return
	}
	var req cluster.LookupRequest
	if err := cluster.ReadJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	id, err := s.reg.Lookup(r.Context(), req.Name)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.LookupResponse{ID: id})
}

func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	if !post(w, r) {
		return
	}
	b, err := cluster.ReadBatch(r)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	if err := s.reg.HandleBatch(r.Context(), b.NodeID, b.Pathname, b.Data); err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	if !post(w, r) {
		return
	}
	var req cluster.SwitchRequest
	if err := cluster.ReadJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	if err := s.reg.Switch(r.Context(), req.Dirname); err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.SwitchRequest{Dirname: s.reg.Root()})
}

func (s *server) handleWriters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, struct {
		Root    string                   `json:"root"`
		Writers []coordinator.WriterInfo `json:"writers"`
	}{Root: s.reg.Root(), Writers: s.reg.Writers()})
}

// handleFiles returns the lines of a file under the active directory.
func (s *server) handleFiles(w http.ResponseWriter, r *http.Request) {
	const op = "coordinator.files"
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	root := s.reg.Root()
	if root == "" {
		cluster.WriteError(w, errs.New(errs.ENotActive, op, "no active directory"))
		return
	}
	p := filepath.Clean(r.URL.Query().Get("path"))
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	if rel, err := filepath.Rel(root, p); err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		cluster.WriteError(w, errs.New(errs.EPathEscape, op, "%q is not a file under %s", p, root))
		return
	}

	lines := []string{}
	err := reader.Lines(r.Context(), s.fs, p, func(line string) error {
		lines = append(lines, line)
		return nil
	})
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, struct {
		Path  string   `json:"path"`
		Lines []string `json:"lines"`
	}{Path: p, Lines: lines})
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	type node struct {
		cluster.NodeInfo
		Writers int    `json:"writers"`
		Status  string `json:"status,omitempty"`
	}
	nodes := s.nodeList()
	out := make([]node, 0, len(nodes))
	counts := make(map[string]int)
	for _, wi := range s.reg.Writers() {
		counts[wi.NodeID]++
	}
	for _, n := range nodes {
		entry := node{NodeInfo: n, Writers: counts[n.ID]}
		if s.health != nil {
			if h := s.health.GetNodeHealth(n.ID); h != nil {
				entry.Status = h.Status
			}
		}
		out = append(out, entry)
	}
	cluster.WriteJSON(w, http.StatusOK, struct {
		Nodes []node `json:"nodes"`
	}{Nodes: out})
}
