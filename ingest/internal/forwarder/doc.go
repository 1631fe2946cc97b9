// Package forwarder delivers decoded property records to the compute service.
//
// Forward is fire-and-forget: the caller learns only whether delivery started.
// The reply, a non-2xx status or a transport error is logged and counted, then
// dropped. There is no retry. At most MaxInflight forwards run at once, and
// callers block in arrival order while the pool is full.
package forwarder
