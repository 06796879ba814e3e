// Package buffered implements the client side of a writer: values are kept
// in a small ring buffer and pushed to the coordinator as batches.
//
// A Writer with buffer size one sends every value as it is written. Larger
// buffers send when they fill and on Flush or Close. Batches from one Writer
// leave one at a time in write order.
//
// Closing releases the descriptor handle: an owned descriptor is deleted,
// an attached one detached. When the descriptor disappears remotely the
// Writer closes itself and pending values are dropped.
package buffered
