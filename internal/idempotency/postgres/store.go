package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/frahmantamala/restaurant-pos/internal/idempotency"
)

// Store keeps idempotency records in the idempotency_records table. Queries are written
// with ? placeholders and rebound for the driver, so the same store runs on pgx and sqlite.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ idempotency.Store = (*Store)(nil)

type recordRow struct {
	Key           string         `db:"idempotency_key"`
	Fingerprint   string         `db:"fingerprint"`
	State         string         `db:"state"`
	TransactionID string         `db:"transaction_id"`
	Response      sql.NullString `db:"response"`
	ExpiresAt     int64          `db:"expires_at"`
}

func (r recordRow) toRecord() *idempotency.Record {
	rec := &idempotency.Record{
		Key:           r.Key,
		Fingerprint:   r.Fingerprint,
		State:         idempotency.State(r.State),
		TransactionID: r.TransactionID,
		ExpiresAt:     time.UnixMilli(r.ExpiresAt).UTC(),
	}
	if r.Response.Valid {
		rec.Response = []byte(r.Response.String)
	}
	return rec
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

const selectRecord = `SELECT idempotency_key, fingerprint, state, transaction_id, response, expires_at
FROM idempotency_records WHERE idempotency_key = ?`

func (s *Store) Lookup(ctx context.Context, key string) (*idempotency.Record, error) {
	rec, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.now()) {
		return nil, idempotency.ErrNotFound
	}
	return rec, nil
}

func (s *Store) get(ctx context.Context, key string) (*idempotency.Record, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(selectRecord), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	return row.toRecord(), nil
}

// claimRecord only overwrites an existing key when its record has expired.
const claimRecord = `INSERT INTO idempotency_records
    (idempotency_key, fingerprint, state, transaction_id, response, expires_at, updated_at)
VALUES (?, ?, ?, ?, NULL, ?, ?)
ON CONFLICT (idempotency_key) DO UPDATE SET
    fingerprint = excluded.fingerprint,
    state = excluded.state,
    transaction_id = excluded.transaction_id,
    response = NULL,
    expires_at = excluded.expires_at,
    updated_at = excluded.updated_at
WHERE idempotency_records.expires_at <= ?`

func (s *Store) Claim(ctx context.Context, rec idempotency.Record) (*idempotency.Record, bool, error) {
	// the holder can expire or be released between the insert and the read
	for attempt := 0; attempt < 3; attempt++ {
		now := s.now()
		res, err := s.db.ExecContext(ctx, s.db.Rebind(claimRecord),
			rec.Key, rec.Fingerprint, string(idempotency.StateInFlight), rec.TransactionID,
			rec.ExpiresAt.UnixMilli(), now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return nil, false, fmt.Errorf("idempotency claim: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, false, fmt.Errorf("idempotency claim: %w", err)
		}
		if affected > 0 {
			claimed := rec
			claimed.State = idempotency.StateInFlight
			claimed.Response = nil
			return &claimed, true, nil
		}

		holder, err := s.Lookup(ctx, rec.Key)
		if errors.Is(err, idempotency.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return holder, false, nil
	}
	return nil, false, errors.New("idempotency claim: key kept changing hands")
}

const completeInFlight = `UPDATE idempotency_records
SET state = ?, response = ?, expires_at = ?, updated_at = ?
WHERE idempotency_key = ? AND transaction_id = ? AND state = ?`

const completeFree = `INSERT INTO idempotency_records
    (idempotency_key, fingerprint, state, transaction_id, response, expires_at, updated_at)
VALUES (?, '', ?, ?, ?, ?, ?)
ON CONFLICT (idempotency_key) DO UPDATE SET
    state = excluded.state,
    transaction_id = excluded.transaction_id,
    response = excluded.response,
    expires_at = excluded.expires_at,
    updated_at = excluded.updated_at
WHERE idempotency_records.expires_at <= ?`

func (s *Store) Complete(ctx context.Context, key, transactionID string, response []byte, expiresAt time.Time) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(completeInFlight),
		string(idempotency.StateCompleted), string(response), expiresAt.UnixMilli(), now.UnixMilli(),
		key, transactionID, string(idempotency.StateInFlight))
	if err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}

	current, err := s.Lookup(ctx, key)
	switch {
	case errors.Is(err, idempotency.ErrNotFound):
		res, err := s.db.ExecContext(ctx, s.db.Rebind(completeFree),
			key, string(idempotency.StateCompleted), transactionID, string(response),
			expiresAt.UnixMilli(), now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("idempotency complete: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return idempotency.ErrNotOwner
		}
		return nil
	case err != nil:
		return err
	case current.TransactionID == transactionID && current.State == idempotency.StateCompleted:
		return nil
	default:
		return idempotency.ErrNotOwner
	}
}

const releaseInFlight = `DELETE FROM idempotency_records
WHERE idempotency_key = ? AND transaction_id = ? AND state = ?`

func (s *Store) Release(ctx context.Context, key, transactionID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(releaseInFlight), key, transactionID, string(idempotency.StateInFlight))
	if err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM idempotency_records WHERE expires_at <= ?`), s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("idempotency purge: %w", err)
	}
	return res.RowsAffected()
}
