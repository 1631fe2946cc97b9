// Package config loads the compute configuration from the `compute:` section
// of config.yaml (the `ingest:` key is ignored by the compute binary).
//
// Load(path) applies defaults, then the file (if any), then the
// COMPUTE_LISTEN_ADDR, DATABASE_URL and LOG_LEVEL environment overrides, and
// finally validates.
package config
