// Package descriptor replicates writer descriptors between the coordinator
// and the nodes of a logweave cluster.
//
// # Overview
//
// A descriptor is the small record that names one writer and carries its
// control channel: the resolved pathname, the creation options, an optional
// error and a command (ready or close). The coordinator keeps the canonical
// copy of every descriptor in a Hub; each node sees descriptors through an
// Endpoint that hands out node-local handles.
//
// # Ownership
//
// Ownership is part of the handle's type:
//
//	┌──────────────┐   Create   ┌──────────┐   Delete  ─► descriptor gone for all
//	│   Endpoint   │ ─────────► │ *Owned   │
//	│ (one / node) │   Attach   ├──────────┤
//	│              │ ─────────► │*Attached │   Detach  ─► only this node unlinks
//	└──────────────┘            └──────────┘
//
// Release dispatches on the handle type, so close-versus-detach is decided
// by the compiler rather than a runtime flag.
//
// # Messages
//
// The coordinator talks to the owner of a descriptor with tagged updates:
//
//   - resolved: the pathname was computed (immutable once set)
//   - ready:    the backing file is open, writes may start
//   - errored:  creation failed, the message and error code are carried over
//   - close:    the owner should close its writer (directory switch)
//
// A deletion reaches every other attached node as a detach event.
//
// # Transport
//
// Nodes reach the hub through a Link and receive events through a Notifier.
// The Hub implements Link itself, which is how the coordinator's own
// endpoint (Hub.Endpoint) and in-process nodes (Hub.Connect) work; remote
// nodes use the HTTP implementation in package cluster.
//
// # Concurrency
//
// Hub, Endpoint and handles are safe for concurrent use. None of them hold
// a lock while running observers, notifiers or callbacks, so callbacks may
// call back into the hub (a detach callback closing a writer that deletes
// another descriptor, for instance).
package descriptor
