// Package store is the append-only record store for processed property
// records. Open selects a backend from the DSN scheme:
//
//	postgres://, postgresql://  database/sql over pgx
//	oracle://                   database/sql over go-ora
//	bolt://<path>               embedded bbolt file
//
// Every backend assigns created_at at write time. Rows are never updated or
// deleted. EnsureSchema is idempotent and is run once at startup; Insert is
// safe for concurrent use and relies on the backend's own pool or
// transaction serialization.
package store
