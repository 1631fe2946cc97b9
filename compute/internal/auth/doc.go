// Package auth provides API key authentication for the compute endpoint.
//
// APIKey(mode, header, key, onReject) returns HTTP middleware that compares
// the named request header with key. When mode != "apikey" or key == "", all
// requests pass through (local development with auth disabled). A missing or
// incorrect key is answered with 401 before the wrapped handler runs.
package auth
