package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSystem is a coordinator and its nodes running as separate processes.
type TestSystem struct {
	t          *testing.T
	coord      *exec.Cmd
	nodes      []*exec.Cmd
	dir        string
	coordAddr  string
	nodeAddrs  []string
	httpClient *http.Client
}

// NewTestSystem creates a system writing its logs under a temp directory.
func NewTestSystem(t *testing.T) *TestSystem {
	return &TestSystem{
		t:         t,
		dir:       t.TempDir(),
		coordAddr: "http://127.0.0.1:18080", // high ports to avoid conflicts
		nodeAddrs: []string{
			"http://127.0.0.1:18081",
			"http://127.0.0.1:18082",
		},
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Start launches the coordinator and nodes.
func (ts *TestSystem) Start() error {
	ts.t.Log("Starting coordinator...")
	ts.coord = exec.Command("./bin/coordinator")
	ts.coord.Env = append(os.Environ(),
		"LOGWEAVE_COORDINATOR_HTTP_BIND_ADDRESS=:18080",
		"LOGWEAVE_COORDINATOR_DIRNAME="+ts.dir,
		"LOGWEAVE_COORDINATOR_HEALTH_INTERVAL=200ms",
	)
	ts.coord.Stdout = os.Stdout
	ts.coord.Stderr = os.Stderr
	if err := ts.coord.Start(); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	if err := ts.waitForService(ts.coordAddr + "/health"); err != nil {
		return fmt.Errorf("coordinator failed to start: %w", err)
	}

	for i, addr := range ts.nodeAddrs {
		ts.t.Logf("Starting node %d...", i+1)
		codec := "json"
		if i%2 == 1 {
			codec = "cbor"
		}
		node := exec.Command("./bin/node")
		node.Env = append(os.Environ(),
			fmt.Sprintf("LOGWEAVE_NODE_NODE_ID=n%d", i+1),
			fmt.Sprintf("LOGWEAVE_NODE_LISTEN=:1808%d", i+1),
			"LOGWEAVE_NODE_PUBLIC_ADDR="+addr,
			"LOGWEAVE_NODE_COORDINATOR_ADDR="+ts.coordAddr,
			"LOGWEAVE_NODE_CODEC="+codec,
		)
		node.Stdout = os.Stdout
		node.Stderr = os.Stderr
		if err := node.Start(); err != nil {
			return fmt.Errorf("failed to start node %d: %w", i+1, err)
		}
		ts.nodes = append(ts.nodes, node)
		if err := ts.waitForService(addr + "/health"); err != nil {
			return fmt.Errorf("node %d failed to start: %w", i+1, err)
		}
	}

	// registration happens after the node starts listening
	return ts.waitFor(func() bool {
		nodes, err := ts.GetNodes()
		return err == nil && len(nodes) == len(ts.nodeAddrs)
	})
}

// Stop shuts every process down.
func (ts *TestSystem) Stop() {
	for i, node := range ts.nodes {
		if node != nil && node.Process != nil {
			ts.t.Logf("Stopping node %d...", i+1)
			_ = node.Process.Kill()
			_ = node.Wait()
		}
	}
	if ts.coord != nil && ts.coord.Process != nil {
		ts.t.Log("Stopping coordinator...")
		_ = ts.coord.Process.Kill()
		_ = ts.coord.Wait()
	}
}

func (ts *TestSystem) waitForService(url string) error {
	return ts.waitFor(func() bool {
		resp, err := ts.httpClient.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
}

func (ts *TestSystem) waitFor(cond func() bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}

// Post sends body as JSON to url and returns the status code, decoding the
// response into out when given.
func (ts *TestSystem) Post(url string, body, out any) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	resp, err := ts.httpClient.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// GetNodes returns the registered nodes.
func (ts *TestSystem) GetNodes() ([]map[string]any, error) {
	var result struct {
		Nodes []map[string]any `json:"nodes"`
	}
	return result.Nodes, ts.get(ts.coordAddr+"/nodes", &result)
}

// Lines reads a log file back through the coordinator.
func (ts *TestSystem) Lines(path string) ([]string, error) {
	var result struct {
		Lines []string `json:"lines"`
	}
	return result.Lines, ts.get(ts.coordAddr+"/files?path="+path, &result)
}

func (ts *TestSystem) get(url string, out any) error {
	resp, err := ts.httpClient.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// TestSharedWriters runs end-to-end scenarios against real processes.
func TestSharedWriters(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if _, err := os.Stat("./bin/coordinator"); os.IsNotExist(err) {
		t.Skip("Skipping integration test: coordinator binary not found (run 'make build' first)")
	}
	if _, err := os.Stat("./bin/node"); os.IsNotExist(err) {
		t.Skip("Skipping integration test: node binary not found (run 'make build' first)")
	}

	ts := NewTestSystem(t)
	require.NoError(t, ts.Start())
	defer ts.Stop()

	t.Run("WriteAndReadBack", func(t *testing.T) { testWriteAndReadBack(t, ts) })
	t.Run("ConcurrentNodes", func(t *testing.T) { testConcurrentNodes(t, ts) })
	t.Run("Switch", func(t *testing.T) { testSwitch(t, ts) })
}

func testWriteAndReadBack(t *testing.T, ts *TestSystem) {
	node := ts.nodeAddrs[0]
	status, err := ts.Post(node+"/writers", map[string]any{"name": "readback", "use_prefix": false}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)

	status, err = ts.Post(node+"/writers/write", map[string]any{
		"name":   "readback",
		"values": []any{"hello", []int{1, 2, 3}, map[string]any{"k": "v"}},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, status)

	lines, err := ts.Lines("readback.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "[1,2,3]", `{"k":"v"}`}, lines)

	status, err = ts.Post(node+"/writers/close", map[string]any{"name": "readback"}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
}

func testConcurrentNodes(t *testing.T, ts *TestSystem) {
	const perNode = 50
	var wg sync.WaitGroup
	for i, node := range ts.nodeAddrs {
		wg.Add(1)
		go func(i int, node string) {
			defer wg.Done()
			name := fmt.Sprintf("node-%d", i+1)
			status, err := ts.Post(node+"/writers", map[string]any{"name": name, "use_prefix": false, "buffer_size": 8}, nil)
			if !assert.NoError(t, err) || !assert.Equal(t, http.StatusCreated, status) {
				return
			}
			for j := 0; j < perNode; j++ {
				_, err := ts.Post(node+"/writers/write", map[string]any{"name": name, "values": []any{j}}, nil)
				assert.NoError(t, err)
			}
			_, err = ts.Post(node+"/writers/close", map[string]any{"name": name}, nil)
			assert.NoError(t, err)
		}(i, node)
	}
	wg.Wait()

	for i := range ts.nodeAddrs {
		lines, err := ts.Lines(fmt.Sprintf("node-%d.txt", i+1))
		require.NoError(t, err)
		require.Len(t, lines, perNode)
		for j, line := range lines {
			assert.Equal(t, fmt.Sprint(j), line)
		}
	}
}

func testSwitch(t *testing.T, ts *TestSystem) {
	node := ts.nodeAddrs[1]
	status, err := ts.Post(node+"/writers", map[string]any{"name": "before", "use_prefix": false, "buffer_size": 10}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)
	_, err = ts.Post(node+"/writers/write", map[string]any{"name": "before", "values": []any{"pending"}}, nil)
	require.NoError(t, err)

	next := filepath.Join(ts.dir, "next")
	status, err = ts.Post(ts.coordAddr+"/switch", map[string]any{"dirname": next}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)

	b, err := os.ReadFile(filepath.Join(ts.dir, "before.txt"))
	require.NoError(t, err)
	assert.Equal(t, "pending\n", string(b))

	status, err = ts.Post(node+"/writers/write", map[string]any{"name": "before", "values": []any{"late"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)

	_, err = os.Stat(next)
	assert.NoError(t, err)
}
