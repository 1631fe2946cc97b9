// Package stats keeps best-effort counters of ingest outcomes in Redis.
//
// Every outcome increments one field of a cumulative hash and one field of a
// per-minute hash:
//
//	<prefix>:total                   forwarded=N malformed=N ...
//	<prefix>:minute:200601021504     forwarded=N malformed=N ...
//
// Minute buckets expire after the configured TTL. Redis errors never reach the
// caller; the gateway behaves identically with stats disabled.
package stats
