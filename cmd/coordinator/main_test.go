package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/logweave/internal/cluster"
	"github.com/dreamware/logweave/internal/coordinator"
	"github.com/dreamware/logweave/internal/descriptor"
	"github.com/dreamware/logweave/internal/errs"
	"github.com/dreamware/logweave/internal/node"
)

func newTestServer(t *testing.T) (*server, *httptest.Server) {
	t.Helper()
	srv := newServer(afero.NewMemMapFs(), zaptest.NewLogger(t))
	require.NoError(t, srv.reg.Open(context.Background(), "/logs"))
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

// peer runs a node endpoint behind its own control server, registers it and
// returns a writer client talking to the coordinator over HTTP.
func peer(t *testing.T, coordinatorURL, nodeID string, opts ...cluster.LinkOption) *node.Client {
	t.Helper()
	link := cluster.NewRemoteLink(coordinatorURL, nodeID, opts...)
	ep := descriptor.NewEndpoint(nodeID, link)
	mux := http.NewServeMux()
	mux.Handle(cluster.PathControl, cluster.NewControlHandler(ep, zaptest.NewLogger(t)))
	ns := httptest.NewServer(mux)
	t.Cleanup(ns.Close)
	require.NoError(t, link.Register(context.Background(), ns.URL))

	c := node.NewClient(ep, link, link)
	c.WithLogger(zaptest.NewLogger(t))
	return c
}

func postBody(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, cluster.ContentTypeJSON, strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readFile(t *testing.T, srv *server, path string) string {
	t.Helper()
	b, err := afero.ReadFile(srv.fs, path)
	require.NoError(t, err)
	return string(b)
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleRegister(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"valid", `{"node":{"id":"n1","addr":"http://127.0.0.1:9001"}}`, http.StatusNoContent},
		{"re-register updates address", `{"node":{"id":"n1","addr":"http://127.0.0.1:9002"}}`, http.StatusNoContent},
		{"missing id", `{"node":{"addr":"http://127.0.0.1:9001"}}`, http.StatusBadRequest},
		{"missing addr", `{"node":{"id":"n2"}}`, http.StatusBadRequest},
		{"reserved id", `{"node":{"id":"coordinator","addr":"http://x"}}`, http.StatusBadRequest},
		{"malformed", `{"node":`, http.StatusBadRequest},
	}

	srv, ts := newTestServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postBody(t, ts.URL+cluster.PathRegister, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}

	assert.Equal(t, []cluster.NodeInfo{{ID: "n1", Addr: "http://127.0.0.1:9002"}}, srv.nodeList())
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t)
	for _, path := range []string{cluster.PathRegister, cluster.PathCreate, cluster.PathData, cluster.PathSwitch} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, path)
	}
	resp := postBody(t, ts.URL+"/writers", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandleSwitch(t *testing.T) {
	srv, ts := newTestServer(t)

	resp := postBody(t, ts.URL+cluster.PathSwitch, `{"dirname":"/other"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got cluster.SwitchRequest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "/other", got.Dirname)
	ok, err := afero.DirExists(srv.fs, "/other")
	require.NoError(t, err)
	assert.True(t, ok)

	resp = postBody(t, ts.URL+cluster.PathSwitch, `{"dirname":42}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "/other", srv.reg.Root())

	resp = postBody(t, ts.URL+cluster.PathSwitch, `null`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "", srv.reg.Root())
}

func TestHandleDataUnknownPathIsDropped(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postBody(t, ts.URL+cluster.PathData, `{"node_id":"n1","pathname":"/logs/nothing.txt","data":["x"]}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postBody(t, ts.URL+cluster.PathData, `{"data":["x"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	mresp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "logweave_registry_batches_dropped_total 1")
}

func TestHandleFiles(t *testing.T) {
	ctx := context.Background()
	srv, ts := newTestServer(t)

	s, err := srv.reg.CreateWriter(ctx, "run/events", coordinator.WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Write("started"))
	require.NoError(t, s.Write([]any{1, 2}))

	resp, err := http.Get(ts.URL + "/files?path=run/events.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Path  string   `json:"path"`
		Lines []string `json:"lines"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "/logs/run/events.txt", out.Path)
	assert.Equal(t, []string{"started", "[1,2]"}, out.Lines)

	tests := []struct {
		query string
		want  int
	}{
		{"path=../etc/passwd", http.StatusBadRequest},
		{"path=/etc/passwd", http.StatusBadRequest},
		{"path=", http.StatusBadRequest},
		{"path=missing.txt", http.StatusNotFound},
	}
	for _, tt := range tests {
		r, err := http.Get(ts.URL + "/files?" + tt.query)
		require.NoError(t, err)
		r.Body.Close()
		assert.Equal(t, tt.want, r.StatusCode, tt.query)
	}

	require.NoError(t, srv.reg.Switch(ctx, ""))
	r, err := http.Get(ts.URL + "/files?path=run/events.txt")
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, r.StatusCode)
}

func TestRemoteWriterOverHTTP(t *testing.T) {
	ctx := context.Background()
	for _, codec := range []cluster.Codec{cluster.JSON, cluster.CBOR} {
		t.Run(codec.ContentType(), func(t *testing.T) {
			srv, ts := newTestServer(t)
			client := peer(t, ts.URL, "n1", cluster.WithCodec(codec))

			w, err := client.CreateWriter(ctx, "events", node.WriterOptions{BufferSize: 2})
			require.NoError(t, err)
			assert.Equal(t, "/logs/events.txt", w.Pathname())
			assert.Equal(t, []string{"/logs/events.txt"}, srv.reg.Pathnames())
			assert.Equal(t, []string{"n1"}, srv.reg.NodeIDs())

			require.NoError(t, w.Write(ctx, "a"))
			require.NoError(t, w.Write(ctx, map[string]any{"k": "v"}))
			require.NoError(t, w.Write(ctx, []any{1, 2, 3}))
			require.NoError(t, w.Close(ctx))

			assert.Equal(t, "a\n{\"k\":\"v\"}\n[1,2,3]\n", readFile(t, srv, "/logs/events.txt"))
			assert.Empty(t, srv.reg.Writers())
			assert.Equal(t, 0, srv.hub.Len())
		})
	}
}

func TestRemoteWriterErrorsOverHTTP(t *testing.T) {
	ctx := context.Background()
	srv, ts := newTestServer(t)
	client := peer(t, ts.URL, "n1")

	_, err := client.CreateWriter(ctx, "../outside", node.DefaultWriterOptions())
	assert.ErrorIs(t, err, errs.ErrPathEscape)

	require.NoError(t, afero.WriteFile(srv.fs, "/logs/taken.txt", []byte("old\n"), 0o644))
	_, err = client.CreateWriter(ctx, "taken", node.WriterOptions{BufferSize: 1})
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)

	_, err = client.AttachWriter(ctx, "unknown", 1)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	assert.Empty(t, srv.reg.Writers())
	assert.Equal(t, 0, srv.hub.Len())
}

func TestAttachToCoordinatorWriterOverHTTP(t *testing.T) {
	ctx := context.Background()
	srv, ts := newTestServer(t)

	s, err := srv.reg.CreateWriter(ctx, "shared", coordinator.WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Write("from coordinator"))

	client := peer(t, ts.URL, "n1")
	w, err := client.AttachWriter(ctx, "shared", 1)
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, "from node"))
	require.NoError(t, w.Close(ctx))
	assert.False(t, s.Closed())

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, "from coordinator\nfrom node\n", readFile(t, srv, "/logs/shared.txt"))
}

func TestSwitchClosesRemoteWriters(t *testing.T) {
	ctx := context.Background()
	srv, ts := newTestServer(t)
	client := peer(t, ts.URL, "n1")

	w, err := client.CreateWriter(ctx, "events", node.WriterOptions{BufferSize: 10})
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, "pending"))

	resp := postBody(t, ts.URL+cluster.PathSwitch, `{"dirname":"/next"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.True(t, w.Closed())
	assert.Equal(t, 0, client.Writers())
	assert.Equal(t, "pending\n", readFile(t, srv, "/logs/events.txt"))
	assert.Empty(t, srv.reg.Writers())
	assert.Equal(t, "/next", srv.reg.Root())
}

func TestDeregisterClosesNodeWriters(t *testing.T) {
	ctx := context.Background()
	srv, ts := newTestServer(t)
	client := peer(t, ts.URL, "n1")

	w, err := client.CreateWriter(ctx, "events", node.WriterOptions{BufferSize: 1})
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, "one"))
	require.Len(t, srv.reg.Writers(), 1)

	resp := postBody(t, ts.URL+cluster.PathDeregister, `{"node_id":"n1"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Empty(t, srv.reg.Writers())
	assert.Empty(t, srv.nodeList())
	assert.Equal(t, 0, srv.hub.Len())
	assert.Equal(t, "one\n", readFile(t, srv, "/logs/events.txt"))
}

func TestHandleListNodesAndWriters(t *testing.T) {
	ctx := context.Background()
	_, ts := newTestServer(t)
	client := peer(t, ts.URL, "n1")
	_, err := client.CreateWriter(ctx, "a", node.WriterOptions{BufferSize: 1})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/nodes")
	require.NoError(t, err)
	defer resp.Body.Close()
	var nodes struct {
		Nodes []struct {
			ID      string `json:"id"`
			Writers int    `json:"writers"`
		} `json:"nodes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&nodes))
	require.Len(t, nodes.Nodes, 1)
	assert.Equal(t, "n1", nodes.Nodes[0].ID)
	assert.Equal(t, 1, nodes.Nodes[0].Writers)

	wresp, err := http.Get(ts.URL + "/writers")
	require.NoError(t, err)
	defer wresp.Body.Close()
	var writers struct {
		Root    string                   `json:"root"`
		Writers []coordinator.WriterInfo `json:"writers"`
	}
	require.NoError(t, json.NewDecoder(wresp.Body).Decode(&writers))
	assert.Equal(t, "/logs", writers.Root)
	require.Len(t, writers.Writers, 1)
	assert.Equal(t, "/logs/a.txt", writers.Writers[0].Pathname)
	assert.Equal(t, "n1", writers.Writers[0].NodeID)
}
