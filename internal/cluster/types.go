package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dreamware/logweave/internal/descriptor"
	"github.com/dreamware/logweave/internal/errs"
)

// NodeInfo identifies a node and the address its control endpoint listens on.
type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// RegisterRequest announces a node to the coordinator.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// DeregisterRequest tells the coordinator a node is leaving.
type DeregisterRequest struct {
	NodeID string `json:"node_id"`
}

// CreateRequest registers a descriptor created by NodeID.
type CreateRequest struct {
	NodeID string            `json:"node_id"`
	ID     string            `json:"id"`
	Fields descriptor.Fields `json:"fields"`
}

// RefRequest names a descriptor on behalf of a node. It is the body of the
// attach, delete and detach calls.
type RefRequest struct {
	NodeID string `json:"node_id"`
	ID     string `json:"id"`
}

// AttachResponse carries the fields of an attached descriptor.
type AttachResponse struct {
	Fields descriptor.Fields `json:"fields"`
}

// UpdateRequest publishes a descriptor update from a node.
type UpdateRequest struct {
	NodeID string            `json:"node_id"`
	ID     string            `json:"id"`
	Update descriptor.Update `json:"update"`
}

// LookupRequest asks for the descriptor id of a coordinator-created writer.
type LookupRequest struct {
	Name string `json:"name"`
}

// LookupResponse answers a LookupRequest.
type LookupResponse struct {
	ID string `json:"id"`
}

// Batch is a group of values a node pushes for one pathname.
type Batch struct {
	NodeID   string `json:"node_id" cbor:"node_id"`
	Pathname string `json:"pathname" cbor:"pathname"`
	Data     []any  `json:"data" cbor:"data"`
}

// SwitchRequest moves the coordinator to another directory. The body may be
// {"dirname": "..."}, {"dirname": null}, a bare JSON string or null; an
// empty Dirname leaves the coordinator idle.
type SwitchRequest struct {
	Dirname string
}

// UnmarshalJSON accepts the forms listed on SwitchRequest. Any other dirname
// fails with errs.EInvalid.
func (s *SwitchRequest) UnmarshalJSON(b []byte) error {
	const op = "cluster.SwitchRequest"

	raw := bytes.TrimSpace(b)
	if len(raw) > 0 && raw[0] == '{' {
		var obj struct {
			Dirname json.RawMessage `json:"dirname"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return errs.Wrap(err, errs.EInvalid, op, "malformed switch request")
		}
		raw = bytes.TrimSpace(obj.Dirname)
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		s.Dirname = ""
		return nil
	}
	var dirname string
	if err := json.Unmarshal(raw, &dirname); err != nil {
		return errs.New(errs.EInvalid, op, "dirname must be a string or null")
	}
	s.Dirname = dirname
	return nil
}

// MarshalJSON writes the object form, with null for an empty Dirname.
func (s SwitchRequest) MarshalJSON() ([]byte, error) {
	var d *string
	if s.Dirname != "" {
		d = &s.Dirname
	}
	return json.Marshal(struct {
		Dirname *string `json:"dirname"`
	}{d})
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON posts body as JSON to url and decodes the response into out,
// unless out is nil. An error response is returned as an *errs.Error with
// the code the server sent.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return post(ctx, httpClient, url, "application/json", reqBody, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return responseError(url, resp)
	}
	return decodeJSON(resp.Body, out)
}

func post(ctx context.Context, hc *http.Client, url, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return responseError(url, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return decodeJSON(resp.Body, out)
}

// responseError rebuilds the error a handler wrote with WriteError.
func responseError(url string, resp *http.Response) error {
	var e ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return &errs.Error{Code: e.Code, Msg: e.Message}
}

func decodeJSON(r io.Reader, out any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return dec.Decode(out)
}
