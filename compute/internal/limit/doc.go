// Package limit provides admission control for the compute endpoint.
//
// Concurrency caps the number of requests being served at once (503 when no
// slot frees up within the acquire timeout). RateLimit applies a token bucket
// per client key (429 with Retry-After). Both are disabled by zero-valued
// settings and run before the request body is read.
package limit
