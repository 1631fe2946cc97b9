package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/sijms/go-ora/v2"     // registers the "oracle" driver
)

// dialect carries the driver name and the statements that differ per database.
type dialect struct {
	name        string
	driver      string
	createTable string
	insert      string

	// boolArg converts a Go bool to the driver's bind value.
	boolArg func(bool) interface{}
}

var postgres = dialect{
	name:   "postgres",
	driver: "pgx",
	createTable: `
		CREATE TABLE IF NOT EXISTS property_records (
		  id SERIAL PRIMARY KEY,
		  property_id VARCHAR NOT NULL,
		  owner_name VARCHAR NOT NULL,
		  street VARCHAR NOT NULL,
		  city VARCHAR NOT NULL,
		  state VARCHAR NOT NULL,
		  zip VARCHAR NOT NULL,
		  assessed_value FLOAT NOT NULL,
		  location_code VARCHAR NOT NULL,
		  is_overdue BOOLEAN NOT NULL,
		  last_payment_unix BIGINT,
		  computed_tax FLOAT NOT NULL,
		  created_at TIMESTAMP NOT NULL
		)`,
	insert: `
		INSERT INTO property_records
		(property_id, owner_name, street, city, state, zip,
		 assessed_value, location_code, is_overdue, last_payment_unix, computed_tax, created_at)
		VALUES
		($1, $2, $3, $4, $5, $6,
		 $7, $8, $9, $10, $11, NOW())`,
	boolArg: func(b bool) interface{} { return b },
}

// Oracle has no CREATE TABLE IF NOT EXISTS before 23ai; ORA-00955 ("name is
// already used by an existing object") is swallowed instead.
var oracle = dialect{
	name:   "oracle",
	driver: "oracle",
	createTable: `
		BEGIN
		  EXECUTE IMMEDIATE 'CREATE TABLE property_records (
		    id NUMBER GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
		    property_id VARCHAR2(255) NOT NULL,
		    owner_name VARCHAR2(255) NOT NULL,
		    street VARCHAR2(255) NOT NULL,
		    city VARCHAR2(255) NOT NULL,
		    state VARCHAR2(64) NOT NULL,
		    zip VARCHAR2(32) NOT NULL,
		    assessed_value BINARY_DOUBLE NOT NULL,
		    location_code VARCHAR2(64) NOT NULL,
		    is_overdue NUMBER(1) NOT NULL,
		    last_payment_unix NUMBER(19),
		    computed_tax BINARY_DOUBLE NOT NULL,
		    created_at TIMESTAMP NOT NULL
		  )';
		EXCEPTION
		  WHEN OTHERS THEN
		    IF SQLCODE != -955 THEN RAISE; END IF;
		END;`,
	insert: `
		INSERT INTO property_records
		(property_id, owner_name, street, city, state, zip,
		 assessed_value, location_code, is_overdue, last_payment_unix, computed_tax, created_at)
		VALUES
		(:1, :2, :3, :4, :5, :6,
		 :7, :8, :9, :10, :11, SYSTIMESTAMP)`,
	boolArg: func(b bool) interface{} {
		if b {
			return 1
		}
		return 0
	},
}

// SQLStore writes records through a database/sql connection pool shared by
// all request goroutines.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

func openSQL(d dialect, dsn string, opts Options) (*SQLStore, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", d.name, err)
	}
	db.SetMaxOpenConns(opts.MaxConns)
	db.SetMaxIdleConns(opts.MaxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &SQLStore{db: db, d: d}, nil
}

// Dialect returns the database flavour, e.g. "postgres".
func (s *SQLStore) Dialect() string { return s.d.name }

// EnsureSchema pings the database and creates property_records if missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping %s: %w", s.d.name, err)
	}
	if _, err := s.db.ExecContext(ctx, s.d.createTable); err != nil {
		return fmt.Errorf("store: create property_records: %w", err)
	}
	return nil
}

// Insert appends r; created_at is set by the database clock.
func (s *SQLStore) Insert(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx, s.d.insert, s.args(r)...)
	if err != nil {
		return fmt.Errorf("store: insert %q: %w", r.PropertyID, err)
	}
	return nil
}

// args returns the bind values for the insert statement, in column order.
func (s *SQLStore) args(r *Record) []interface{} {
	var lastPayment sql.NullInt64
	if r.LastPaymentUnix != nil {
		lastPayment = sql.NullInt64{Int64: *r.LastPaymentUnix, Valid: true}
	}
	return []interface{}{
		r.PropertyID,
		r.OwnerName,
		r.Street,
		r.City,
		r.State,
		r.Zip,
		r.AssessedValue,
		r.LocationCode,
		s.d.boolArg(r.IsOverdue),
		lastPayment,
		r.ComputedTax,
	}
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
