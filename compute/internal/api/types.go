package api

// HeaderPersisted reports whether the record was written to the store.
const HeaderPersisted = "X-Record-Persisted"

// HeaderRequestID is set by the gateway on every forward and echoed in logs.
const HeaderRequestID = "X-Request-Id"

// RecordedMessage is the status message of every successful compute response.
const RecordedMessage = "Recorded property in DB with computed tax"

// HealthResponse is the payload for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}
