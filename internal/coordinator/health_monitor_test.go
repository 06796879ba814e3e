package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/logweave/internal/cluster"
)

// TestNewHealthMonitor verifies the defaults of a fresh monitor.
func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5 * time.Second)
	defer monitor.Stop()

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.Empty(t, monitor.GetAllNodeHealth())
	assert.False(t, monitor.IsHealthy("node-1"))
	assert.Nil(t, monitor.GetNodeHealth("node-1"))
}

// TestHealthMonitorDisconnect verifies that a node is reported exactly once
// after crossing the failure threshold, and recovers on the next success.
func TestHealthMonitorDisconnect(t *testing.T) {
	ctx := context.Background()
	monitor := NewHealthMonitor(time.Hour)
	monitor.WithLogger(zaptest.NewLogger(t))
	defer monitor.Stop()

	var failing atomic.Bool
	monitor.SetCheckFunction(func(_ context.Context, addr string) error {
		if failing.Load() && addr == "http://n2" {
			return errors.New("connection refused")
		}
		return nil
	})

	disconnected := make(chan string, 4)
	monitor.OnDisconnect(func(id string) { disconnected <- id })

	nodes := []cluster.NodeInfo{{ID: "n1", Addr: "http://n1"}, {ID: "n2", Addr: "http://n2"}}
	monitor.checkAll(ctx, nodes)
	assert.True(t, monitor.IsHealthy("n1"))
	assert.True(t, monitor.IsHealthy("n2"))

	failing.Store(true)
	monitor.checkAll(ctx, nodes)
	monitor.checkAll(ctx, nodes)
	assert.Equal(t, 2, monitor.GetNodeHealth("n2").ConsecutiveFails)
	assert.Empty(t, disconnected)

	monitor.checkAll(ctx, nodes)
	monitor.checkAll(ctx, nodes)

	select {
	case id := <-disconnected:
		assert.Equal(t, "n2", id)
	case <-time.After(time.Second):
		t.Fatal("expected a disconnect")
	}
	assert.Equal(t, StatusDisconnected, monitor.GetNodeHealth("n2").Status)
	assert.True(t, monitor.IsHealthy("n1"))

	failing.Store(false)
	monitor.checkAll(ctx, nodes)
	assert.True(t, monitor.IsHealthy("n2"))
	assert.Len(t, disconnected, 0)
}

// TestHealthMonitorForgetsRemovedNodes verifies nodes missing from the
// provider are no longer tracked.
func TestHealthMonitorForgetsRemovedNodes(t *testing.T) {
	ctx := context.Background()
	monitor := NewHealthMonitor(time.Hour)
	defer monitor.Stop()
	monitor.SetCheckFunction(func(context.Context, string) error { return nil })

	monitor.checkAll(ctx, []cluster.NodeInfo{{ID: "a"}, {ID: "b"}})
	assert.Len(t, monitor.GetAllNodeHealth(), 2)

	monitor.checkAll(ctx, []cluster.NodeInfo{{ID: "a"}})
	assert.Len(t, monitor.GetAllNodeHealth(), 1)

	monitor.Forget("a")
	assert.Empty(t, monitor.GetAllNodeHealth())
}

// TestHealthMonitorHTTPCheck exercises the default check against a real
// server, with and without the scheme in the address.
func TestHealthMonitorHTTPCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	monitor := NewHealthMonitor(time.Hour)
	defer monitor.Stop()
	ctx := context.Background()

	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{"full url", healthy.URL, false},
		{"trailing slash", healthy.URL + "/", false},
		{"host and port", healthy.Listener.Addr().String(), false},
		{"bad status", broken.URL, true},
		{"unreachable", "http://127.0.0.1:1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := monitor.httpCheck(ctx, tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestHealthMonitorStartStop verifies the ticker loop checks nodes and that
// Stop returns once the loop exits.
func TestHealthMonitorStartStop(t *testing.T) {
	monitor := NewHealthMonitor(10 * time.Millisecond)

	var mu sync.Mutex
	calls := 0
	monitor.SetCheckFunction(func(context.Context, string) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	done := make(chan struct{})
	go func() {
		monitor.Start(context.Background(), func() []cluster.NodeInfo {
			return []cluster.NodeInfo{{ID: "n1", Addr: "n1"}}
		})
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, 2*time.Second, 5*time.Millisecond)

	monitor.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
