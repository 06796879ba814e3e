package descriptor

import (
	"github.com/dreamware/logweave/internal/errs"
)

// Command is a control instruction the coordinator sends to a writer's owner.
type Command string

const (
	// CmdReady tells the creator that the backing file is open.
	CmdReady Command = "ready"
	// CmdClose asks the owner to close its writer, e.g. on directory switch.
	CmdClose Command = "close"
)

// Fields is the replicated record describing one writer.
type Fields struct {
	Name       string   `json:"name" cbor:"name"`
	Pathname   string   `json:"pathname" cbor:"pathname"`
	UsePrefix  bool     `json:"usePrefix" cbor:"usePrefix"`
	AllowReuse bool     `json:"allowReuse" cbor:"allowReuse"`
	Errored    *string  `json:"errored" cbor:"errored"`
	ErrorCode  string   `json:"errorCode,omitempty" cbor:"errorCode,omitempty"`
	Cmd        *Command `json:"cmd" cbor:"cmd"`
}

// Clone returns a deep copy of f.
func (f Fields) Clone() Fields {
	out := f
	if f.Errored != nil {
		msg := *f.Errored
		out.Errored = &msg
	}
	if f.Cmd != nil {
		cmd := *f.Cmd
		out.Cmd = &cmd
	}
	return out
}

// Err returns the error carried by the errored field, or nil.
func (f Fields) Err() error {
	if f.Errored == nil {
		return nil
	}
	code := f.ErrorCode
	if code == "" {
		code = errs.EInternal
	}
	return &errs.Error{Code: code, Msg: *f.Errored}
}

// Apply folds u into f. The pathname can only be set once.
func (f *Fields) Apply(u Update) error {
	switch u.Kind {
	case UpdateResolved:
		if f.Pathname != "" && f.Pathname != u.Pathname {
			return errs.New(errs.EInvalid, "descriptor.Apply",
				"pathname of writer %q is immutable", f.Name)
		}
		f.Pathname = u.Pathname
	case UpdateReady:
		cmd := CmdReady
		f.Cmd = &cmd
	case UpdateClose:
		cmd := CmdClose
		f.Cmd = &cmd
	case UpdateErrored:
		msg := u.Message
		f.Errored = &msg
		f.ErrorCode = u.Code
	default:
		return errs.New(errs.EInvalid, "descriptor.Apply", "unknown update kind %q", u.Kind)
	}
	return nil
}

// updates returns the updates that rebuild f from a blank record, in
// protocol order.
func (f Fields) updates() []Update {
	var out []Update
	if f.Pathname != "" {
		out = append(out, Resolved(f.Pathname))
	}
	if f.Errored != nil {
		out = append(out, Update{Kind: UpdateErrored, Message: *f.Errored, Code: f.ErrorCode})
	}
	if f.Cmd != nil {
		switch *f.Cmd {
		case CmdReady:
			out = append(out, Ready())
		case CmdClose:
			out = append(out, Close())
		}
	}
	return out
}

// UpdateKind tags an Update.
type UpdateKind string

const (
	UpdateResolved UpdateKind = "resolved"
	UpdateReady    UpdateKind = "ready"
	UpdateClose    UpdateKind = "close"
	UpdateErrored  UpdateKind = "errored"
)

// Update is a single change to a descriptor, sent by the coordinator.
type Update struct {
	Kind     UpdateKind `json:"kind" cbor:"kind"`
	Pathname string     `json:"pathname,omitempty" cbor:"pathname,omitempty"`
	Message  string     `json:"message,omitempty" cbor:"message,omitempty"`
	Code     string     `json:"code,omitempty" cbor:"code,omitempty"`
}

// Resolved publishes the writer's pathname.
func Resolved(pathname string) Update { return Update{Kind: UpdateResolved, Pathname: pathname} }

// Ready signals that the writer's file is open.
func Ready() Update { return Update{Kind: UpdateReady} }

// Close asks the owner to close the writer.
func Close() Update { return Update{Kind: UpdateClose} }

// Errored carries err to the writer's owner.
func Errored(err error) Update {
	return Update{Kind: UpdateErrored, Message: err.Error(), Code: errs.Code(err)}
}

// Err rebuilds the error carried by an errored update.
func (u Update) Err() error {
	if u.Kind != UpdateErrored {
		return nil
	}
	code := u.Code
	if code == "" {
		code = errs.EInternal
	}
	return &errs.Error{Code: code, Msg: u.Message}
}

// EventKind tags an Event.
type EventKind string

const (
	EventUpdate EventKind = "update"
	EventDetach EventKind = "detach"
)

// Event is what the hub pushes to a node about one descriptor.
type Event struct {
	ID     string    `json:"id" cbor:"id"`
	Kind   EventKind `json:"kind" cbor:"kind"`
	Update *Update   `json:"update,omitempty" cbor:"update,omitempty"`
}
