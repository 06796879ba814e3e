package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/logweave/internal/cluster"
)

// Node health states.
const (
	StatusUnknown      = "unknown"
	StatusHealthy      = "healthy"
	StatusDisconnected = "disconnected"
)

// NodeHealth tracks the health of a single node.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor polls the /health endpoint of every registered node. A node
// failing maxFailures checks in a row is reported as disconnected, which
// closes its writers and deletes the descriptors it owns.
// Thread-safe: all methods are safe for concurrent access.
type HealthMonitor struct {
	logger       *zap.Logger
	nodes        map[string]*NodeHealth
	httpClient   *http.Client
	checkFunc    func(ctx context.Context, addr string) error
	onDisconnect func(nodeID string)
	ctx          context.Context
	cancel       context.CancelFunc
	interval     time.Duration
	mu           sync.RWMutex
	wg           sync.WaitGroup
	maxFailures  int
}

// NewHealthMonitor creates a monitor checking every node once per interval.
// Nodes are reported disconnected after 3 consecutive failures.
//
// Example:
//
//	monitor := NewHealthMonitor(5 * time.Second)
//	monitor.OnDisconnect(func(id string) { reg.NodeDisconnected(ctx, id) })
//	go monitor.Start(ctx, nodes.List)
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		logger:      zap.NewNop(),
		interval:    interval,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		ctx:         ctx,
		cancel:      cancel,
	}
}

// WithLogger sets the logger for the monitor.
func (h *HealthMonitor) WithLogger(log *zap.Logger) {
	h.logger = log.With(zap.String("service", "health-monitor"))
}

// OnDisconnect sets the callback run, on its own goroutine, when a node
// crosses the failure threshold.
func (h *HealthMonitor) OnDisconnect(fn func(nodeID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = fn
}

// SetCheckFunction replaces the HTTP health check, mostly for tests.
func (h *HealthMonitor) SetCheckFunction(fn func(ctx context.Context, addr string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = fn
}

// SetMaxFailures sets how many consecutive failures disconnect a node.
func (h *HealthMonitor) SetMaxFailures(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxFailures = n
}

// Start checks the nodes returned by nodeProvider immediately and then once
// per interval. It blocks until ctx is canceled or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("Health monitor started", zap.Duration("interval", h.interval))
	h.checkAll(ctx, nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAll(ctx, nodeProvider())
		case <-ctx.Done():
			h.logger.Info("Health monitor stopping", zap.Error(ctx.Err()))
			return
		case <-h.ctx.Done():
			h.logger.Info("Health monitor stopping")
			return
		}
	}
}

// Stop cancels the monitor and waits for Start to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// Forget stops tracking nodeID, e.g. after it deregistered.
func (h *HealthMonitor) Forget(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.nodes, nodeID)
}

func (h *HealthMonitor) checkAll(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(ctx, node)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.nodes {
		if !current[id] {
			delete(h.nodes, id)
		}
	}
}

func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, ok := h.nodes[node.ID]
	if !ok {
		now := time.Now()
		health = &NodeHealth{NodeID: node.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.nodes[node.ID] = health
	}
	check := h.checkFunc
	if check == nil {
		check = h.httpCheck
	}
	h.mu.Unlock()

	err := check(ctx, node.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = time.Now()

	if err == nil {
		if health.Status == StatusDisconnected {
			h.logger.Info("Node recovered", zap.String("node_id", node.ID))
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		return
	}

	health.ConsecutiveFails++
	h.logger.Warn("Health check failed",
		zap.String("node_id", node.ID),
		zap.Int("attempt", health.ConsecutiveFails),
		zap.Int("max_failures", h.maxFailures),
		zap.Error(err))

	if health.ConsecutiveFails < h.maxFailures || health.Status == StatusDisconnected {
		return
	}
	health.Status = StatusDisconnected
	h.logger.Info("Node disconnected", zap.String("node_id", node.ID))
	if h.onDisconnect != nil {
		go h.onDisconnect(node.ID)
	}
}

func (h *HealthMonitor) httpCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	url = strings.TrimRight(url, "/") + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of the health record of nodeID, or nil.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	if !ok {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllNodeHealth returns a copy of every health record.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		cp := *health
		out[id] = &cp
	}
	return out
}

// IsHealthy reports whether nodeID passed its last check.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	return ok && health.Status == StatusHealthy
}
