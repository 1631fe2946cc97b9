// Package api implements the HTTP surface of the compute service.
//
// New(store, metrics, opts) returns an http.Handler that serves:
//
//	POST /api/compute  decode a PropertyRecord, compute its tax, persist it
//	GET  /healthz      liveness check
//
// /api/compute answers 400 (413 for oversized bodies) when the record cannot
// be decoded, without touching the store. Once the tax has been computed the
// answer is always 200 with the same body shape, whether or not the insert
// succeeded; the persistence outcome is reported separately in the
// X-Record-Persisted response header, the store_writes_total metric and the
// error log. The insert is detached from client cancellation and bounded by
// Options.StoreTimeout.
//
// Wrong methods get 405. No external HTTP framework is used.
package api
