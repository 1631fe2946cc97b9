package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketName = "property_records"

// BoltStore keeps records in a single bbolt file, keyed by a big-endian
// sequence number so iteration follows insertion order. bbolt serializes
// writers, so Insert is safe from many goroutines.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time // injectable for deterministic tests
}

// OpenBolt opens (or creates) the bbolt file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bolt %q: %w", path, err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// EnsureSchema creates the records bucket if it does not yet exist.
func (s *BoltStore) EnsureSchema(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
}

// Insert appends a copy of r with ID and CreatedAt assigned.
func (s *BoltStore) Insert(ctx context.Context, r *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket %q missing: schema not ensured", bucketName)
		}
		id, err := b.NextSequence()
		if err != nil {
			return err
		}

		row := *r
		row.ID = id
		row.CreatedAt = s.now().UTC()
		data, err := json.Marshal(&row)
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
	if err != nil {
		return fmt.Errorf("store: insert %q: %w", r.PropertyID, err)
	}
	return nil
}

// List returns all stored rows in insertion order.
func (s *BoltStore) List() ([]Record, error) {
	out := []Record{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return out, nil
}

// Count returns the number of stored rows.
func (s *BoltStore) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(bucketName)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Close releases the file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
