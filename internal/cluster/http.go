package cluster

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamware/logweave/internal/descriptor"
	"github.com/dreamware/logweave/internal/errs"
)

const maxBodyBytes = 32 << 20

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError writes err as an ErrorResponse with the status matching its
// code.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, errs.HTTPStatus(err), ErrorResponse{Code: errs.Code(err), Message: err.Error()})
}

// ReadJSON decodes a JSON request body into v. Malformed bodies fail with
// errs.EInvalid.
func ReadJSON(r *http.Request, v any) error {
	return read(r, JSON, v)
}

// ReadBatch decodes a data batch in whichever codec the request declares.
func ReadBatch(r *http.Request) (Batch, error) {
	var b Batch
	codec, err := CodecFor(r.Header.Get("Content-Type"))
	if err != nil {
		return b, err
	}
	if err := read(r, codec, &b); err != nil {
		return b, err
	}
	if b.Pathname == "" {
		return b, errs.New(errs.EInvalid, "cluster.ReadBatch", "batch has no pathname")
	}
	return b, nil
}

func read(r *http.Request, codec Codec, v any) error {
	const op = "cluster.read"
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errs.Wrap(err, errs.EInvalid, op, "cannot read request body")
	}
	if err := codec.Unmarshal(body, v); err != nil {
		if errs.Code(err) == errs.EInvalid {
			return err
		}
		return errs.Wrap(err, errs.EInvalid, op, "malformed request body")
	}
	return nil
}

// ControlHandler serves a node's control endpoint: every POST carries one
// hub event for the node's descriptor endpoint.
type ControlHandler struct {
	target descriptor.Notifier
	logger *zap.Logger
}

// NewControlHandler returns a handler dispatching events to target.
func NewControlHandler(target descriptor.Notifier, log *zap.Logger) *ControlHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ControlHandler{target: target, logger: log}
}

func (h *ControlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var ev descriptor.Event
	if err := ReadJSON(r, &ev); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.target.Notify(r.Context(), ev); err != nil {
		h.logger.Warn("Rejected control event",
			zap.String("id", ev.ID), zap.String("kind", string(ev.Kind)), zap.Error(err))
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
