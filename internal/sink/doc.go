// Package sink holds the coordinator-side open file behind one writer.
//
// A Sink is bound to a descriptor handle: the handle supplies the pathname
// and the reuse flag, and its type decides whether closing the Sink deletes
// the descriptor (*descriptor.Owned) or leaves it to its owner.
//
// # Lifecycle
//
//	idle ──Open──► open ──Close──► closed
//	  └─────────────Close──────────────┘
//
// Open creates missing parent directories. Without reuse an existing file
// fails with errs.EAlreadyExists; with reuse the file is appended to.
// Writes outside the open state are dropped. Close runs the BeforeClose hook
// first, then syncs and closes the file and fires OnClose callbacks once.
//
// # Line format
//
// Each value becomes one line through a FormatFunc, value.Format unless
// WithFormat says otherwise. Files are opened on an afero.Fs, so tests run
// against afero.NewMemMapFs.
package sink
