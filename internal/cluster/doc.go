// Package cluster carries logweave traffic between the coordinator and its
// nodes over HTTP: descriptor operations, writer lookups, data batches and
// the hub events the coordinator pushes back to nodes.
//
// # Topology
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │              │
//	              │ - Hub        │
//	              │ - Registry   │
//	              └──────┬───────┘
//	     /descriptors/*  │  /control
//	     /writers/lookup │
//	     /data           │
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐  ┌─────▼─────┐  ┌─────▼─────┐
//	│  Node 1   │  │  Node 2   │  │  Node 3   │
//	│ Endpoint  │  │ Endpoint  │  │ Endpoint  │
//	└───────────┘  └───────────┘  └───────────┘
//
// # Node to coordinator
//
// RemoteLink implements descriptor.Link for a node's Endpoint and also
// serves as the node's buffered.Sender and node.Directory. Every call is a
// JSON POST:
//
//	/register            RegisterRequest
//	/deregister          DeregisterRequest
//	/descriptors/create  CreateRequest
//	/descriptors/attach  RefRequest → AttachResponse
//	/descriptors/update  UpdateRequest
//	/descriptors/delete  RefRequest
//	/descriptors/detach  RefRequest
//	/writers/lookup      LookupRequest → LookupResponse
//	/data                Batch
//
// Batches use the link's Codec: JSON, which keeps numbers as json.Number so
// they reach the file exactly as sent, or CBOR (application/cbor) in core
// deterministic encoding.
//
// # Coordinator to node
//
// RemoteNotifier posts each descriptor.Event to the node's /control
// endpoint, where a ControlHandler hands it to the node's Endpoint. Delivery
// is synchronous: the coordinator's call returns after the node has applied
// the event and run its callbacks.
//
// # Errors
//
// Failed calls answer with an ErrorResponse {code, message} and the status
// matching the code. PostJSON, GetJSON and the link rebuild an *errs.Error
// from it, so errors.Is against the errs sentinels works across processes.
//
// # Directory switch
//
// SwitchRequest accepts {"dirname": "..."}, {"dirname": null}, a bare string
// or null. Any other dirname is rejected as invalid.
package cluster
