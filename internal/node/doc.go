// Package node is the writer API of a logweave node.
//
// A Client creates writers through the coordinator, waits for the
// coordinator to open the backing file and hands back buffered writers that
// push batches to it:
//
//	Client.CreateWriter
//	    │ Endpoint.Create ───────────► coordinator resolves and opens file
//	    │ ◄──────────── ready | errored | close
//	    ▼
//	buffered.Writer ──Send──► coordinator Sink
//
// AttachWriter appends to a writer the coordinator created itself, looked
// up by name through a Directory. A created writer closes itself when the
// coordinator sends a close command, as it does on a directory switch.
//
// Client.Close closes every writer the Client handed out.
package node
