package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/taxstream/taxstream/pkg/types"
)

// ErrUnsupportedDSN is returned by Open for an unknown DSN scheme.
var ErrUnsupportedDSN = errors.New("unsupported database url")

// Record is one stored row: the flattened property record, its computed tax
// and the store-assigned creation time.
type Record struct {
	ID              uint64    `json:"id"`
	PropertyID      string    `json:"property_id"`
	OwnerName       string    `json:"owner_name"`
	Street          string    `json:"street"`
	City            string    `json:"city"`
	State           string    `json:"state"`
	Zip             string    `json:"zip"`
	AssessedValue   float64   `json:"assessed_value"`
	LocationCode    string    `json:"location_code"`
	IsOverdue       bool      `json:"is_overdue"`
	LastPaymentUnix *int64    `json:"last_payment_unix"`
	ComputedTax     float64   `json:"computed_tax"`
	CreatedAt       time.Time `json:"created_at"`
}

// FromProperty flattens rec and its computed tax into a Record.
// ID and CreatedAt are left for the store to assign.
func FromProperty(rec *types.PropertyRecord, tax float64) *Record {
	return &Record{
		PropertyID:      rec.PropertyID,
		OwnerName:       rec.OwnerName,
		Street:          rec.Address.Street,
		City:            rec.Address.City,
		State:           rec.Address.State,
		Zip:             rec.Address.Zip,
		AssessedValue:   rec.AssessedValue,
		LocationCode:    rec.LocationCode,
		IsOverdue:       rec.IsOverdue,
		LastPaymentUnix: rec.LastPaymentUnix,
		ComputedTax:     tax,
	}
}

// Store is implemented by every backend.
type Store interface {
	// EnsureSchema creates the records table (or bucket) if it does not exist.
	EnsureSchema(ctx context.Context) error

	// Insert appends r. r is not modified.
	Insert(ctx context.Context, r *Record) error

	Close() error
}

// Options tune the SQL backends. Zero values select defaults.
type Options struct {
	// MaxConns caps the connection pool (default 5).
	MaxConns int
}

// DefaultMaxConns is the SQL pool size used when Options.MaxConns is zero.
const DefaultMaxConns = 5

// Open returns the backend for dsn. SQL backends connect lazily; the first
// round trip happens in EnsureSchema.
func Open(dsn string, opts Options) (Store, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse database url: %w", err)
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultMaxConns
	}

	var d dialect
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		d = postgres
	case "oracle":
		d = oracle
	case "bolt":
		const prefix = "bolt://"
		if len(dsn) < len(prefix) || !strings.EqualFold(dsn[:len(prefix)], prefix) {
			return nil, fmt.Errorf("store: bolt url %q must start with %s", dsn, prefix)
		}
		path := dsn[len(prefix):]
		if path == "" {
			return nil, fmt.Errorf("store: bolt url %q has no path", dsn)
		}
		st, err := OpenBolt(path)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("store: %w: scheme %q", ErrUnsupportedDSN, u.Scheme)
	}

	st, err := openSQL(d, dsn, opts)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Redact returns dsn with any password replaced, for logging.
func Redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}
