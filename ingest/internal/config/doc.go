// Package config loads the gateway configuration from the `ingest:` section of
// config.yaml (the `compute:` key is ignored by the ingest binary).
//
// Config fields:
//   - ListenAddr      WebSocket listen address (default 0.0.0.0:3000)
//   - ComputeURL      forward target (default http://compute:8080/api/compute)
//   - ForwardTimeout  per-forward deadline (default 10s)
//   - MaxInflight     cap on started, unfinished forwards (default 256)
//   - ReadLimit       largest accepted frame in bytes (default 1 MiB)
//   - IdleTimeout     per-connection read deadline (default none)
//   - ComputeAuth     API key attached to forwards
//   - Stats           optional Redis outcome counters
//   - LogLevel        debug | info | warn | error
//
// INGEST_LISTEN_ADDR, COMPUTE_URL and LOG_LEVEL override the file.
// Watch reloads the file on change and reports which changed fields need a
// restart; only LogLevel is applied live.
package config
