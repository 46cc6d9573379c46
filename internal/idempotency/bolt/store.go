// Package bolt keeps idempotency records in an embedded BoltDB file, for single-node
// deployments that run without the shared database.
package bolt

import (
	"context"
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/frahmantamala/restaurant-pos/internal/idempotency"
)

const bucketName = "idempotency"

type Store struct {
	db  *bolt.DB
	now func() time.Time
}

var _ idempotency.Store = (*Store)(nil)

// New opens (or creates) the database file and makes sure the bucket exists.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func readRecord(b *bolt.Bucket, key string) (*idempotency.Record, error) {
	v := b.Get([]byte(key))
	if v == nil {
		return nil, nil
	}
	var rec idempotency.Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func writeRecord(b *bolt.Bucket, rec *idempotency.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.Key), data)
}

func (s *Store) Lookup(_ context.Context, key string) (*idempotency.Record, error) {
	var rec *idempotency.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = readRecord(tx.Bucket([]byte(bucketName)), key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Expired(s.now()) {
		return nil, idempotency.ErrNotFound
	}
	return rec, nil
}

// Claim does the check and the put inside one write transaction. Bolt serializes writers,
// so two callers can never both see the key as free.
func (s *Store) Claim(_ context.Context, rec idempotency.Record) (*idempotency.Record, bool, error) {
	var (
		result  idempotency.Record
		claimed bool
	)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		existing, err := readRecord(b, rec.Key)
		if err != nil {
			return err
		}
		if existing != nil && !existing.Expired(s.now()) {
			result = *existing
			return nil
		}

		rec.State = idempotency.StateInFlight
		rec.Response = nil
		result = rec
		claimed = true
		return writeRecord(b, &rec)
	})
	if err != nil {
		return nil, false, err
	}

	return &result, claimed, nil
}

func (s *Store) Complete(_ context.Context, key, transactionID string, response []byte, expiresAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		existing, err := readRecord(b, key)
		if err != nil {
			return err
		}

		rec := &idempotency.Record{Key: key, TransactionID: transactionID}
		if existing != nil && !existing.Expired(s.now()) {
			if existing.TransactionID != transactionID {
				return idempotency.ErrNotOwner
			}
			if existing.State == idempotency.StateCompleted {
				return nil
			}
			rec = existing
		}

		rec.State = idempotency.StateCompleted
		rec.Response = response
		rec.ExpiresAt = expiresAt
		return writeRecord(b, rec)
	})
}

func (s *Store) Release(_ context.Context, key, transactionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		existing, err := readRecord(b, key)
		if err != nil || existing == nil {
			return err
		}
		if existing.TransactionID != transactionID || existing.State != idempotency.StateInFlight {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *Store) PurgeExpired(_ context.Context) (int64, error) {
	var purged int64
	now := s.now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec idempotency.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})

	return purged, err
}
