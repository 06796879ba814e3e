// Package coordinator implements the authority side of logweave: the table
// of open log writers, the routing of pushed batches into files and the
// teardown of writers when nodes leave or the log directory changes.
//
// # Overview
//
// Every writer in the cluster is backed by exactly one file on the
// coordinator. Whoever creates a writer, the coordinator itself or a node,
// the coordinator resolves its pathname, opens a Sink and tracks it twice:
// by pathname, for routing batches, and by the node that owns the writer,
// for disconnect cleanup.
//
// # Architecture
//
//	┌─────────────────────────────────────────────┐
//	│               COORDINATOR                   │
//	├─────────────────────────────────────────────┤
//	│                                             │
//	│  ┌───────────────────────────────────────┐  │
//	│  │   Registry                            │  │
//	│  │   - pathname → Sink                   │  │
//	│  │   - node id  → Sinks                  │  │
//	│  │   - name     → descriptor id (local)  │  │
//	│  └───────────────────────────────────────┘  │
//	│                                             │
//	│  ┌───────────────────────────────────────┐  │
//	│  │   descriptor.Hub                      │  │
//	│  │   - canonical writer descriptors      │  │
//	│  │   - per-node notifiers                │  │
//	│  └───────────────────────────────────────┘  │
//	│                                             │
//	│  ┌───────────────────────────────────────┐  │
//	│  │   HealthMonitor                       │  │
//	│  │   - polls node /health                │  │
//	│  │   - reports disconnects               │  │
//	│  └───────────────────────────────────────┘  │
//	└─────────────────────────────────────────────┘
//
// # Writer creation
//
// A node creates a descriptor carrying the writer name and its naming
// options. The hub runs the Registry's observer before the create call
// returns, and the Registry then:
//
//  1. attaches to the descriptor
//  2. resolves the pathname under the active directory and publishes it
//  3. opens the file and registers the Sink
//  4. publishes ready
//
// Any failure is published as an errored update carrying the error code and
// message, and the Registry detaches. Nothing stays registered.
//
// Writers created on the coordinator take the same path synchronously
// through CreateWriter and are also listed by name so nodes can attach to
// them with Lookup.
//
// # Routing
//
// HandleBatch writes each value of a batch, in order, to the Sink open on
// the batch's pathname. A batch for a pathname with no open writer is
// dropped and counted in batches_dropped_total. It is not an error: a node
// may flush after the coordinator has already closed the file.
//
// # Teardown
//
// A writer leaves the tables when its Sink closes, whatever triggered the
// close:
//
//   - its owner closed it, deleting the descriptor
//   - the owning node disconnected (NodeDisconnected)
//   - the directory switched (Switch), which closes coordinator writers and
//     sends a close command to node writers without waiting for them
//
// Teardown iterates snapshots, so the close hooks that prune the tables never
// race the iteration.
//
// # Concurrency
//
// The Registry's mutex guards its tables only. It is never held while a Sink
// closes, while the hub notifies a node or while an observer runs, so the
// synchronous chains between hub, endpoints and Sinks cannot deadlock.
//
// # Metrics
//
// Metrics are exposed under the logweave_registry namespace: writers_open
// (by origin), batches_routed_total, batches_dropped_total,
// lines_written_total and switches_total.
package coordinator
