// Package gateway implements the WebSocket ingestion endpoint.
//
// Each producer connection runs one read loop. Text and binary frames carry a
// JSON property record; binary frames must hold valid UTF-8. A frame that does
// not decode is logged with its payload (truncated) and skipped, and the loop
// continues. Decoded records are handed to a Forwarder in arrival order.
// Ping frames get a pong and count as activity for the idle timeout. A close frame, a read error or the idle timeout end
// the loop for that connection only.
//
// New(fwd, opts) creates a Gateway; it is an http.Handler.
// Run(ctx) blocks until ctx is cancelled, then sends going-away close frames.
// Wait(ctx) blocks until shutdown has begun and all connection loops have returned.
package gateway
