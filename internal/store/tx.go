package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/casesync/internal/mutation"
)

// Tx is a local write transaction. An entity change and the mutation record
// describing it are written through the same Tx and commit together.
type Tx struct {
	tx    *sql.Tx
	store *Store
}

// WithTx runs fn inside one SQLite transaction. If fn returns an error, or the
// commit fails, every write made through the Tx is rolled back.
//
// Begin and commit failures are returned as *mutation.PersistenceError. Errors
// returned by fn are passed through unchanged.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mutation.NewPersistenceError("begin transaction", err)
	}
	defer sqlTx.Rollback() // No-op if committed

	if err := fn(&Tx{tx: sqlTx, store: s}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mutation.NewPersistenceError("commit transaction", err)
	}
	return nil
}

// Append persists a new Pending record for d and returns its sequence number.
//
// The record is due immediately. If the entity already has a remote id
// mapping, it is copied onto the record. A storage failure is returned as a
// *mutation.PersistenceError and must abort the enclosing transaction.
func (t *Tx) Append(ctx context.Context, d mutation.Draft) (int64, error) {
	if err := d.Validate(); err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}

	payloadJSON, err := marshalPayload(d.Payload)
	if err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}

	remoteID, err := lookupMapping(ctx, t.tx, d.Entity)
	if err != nil {
		return 0, mutation.NewPersistenceError("append: lookup mapping", err)
	}

	var depType sql.NullString
	var depLocalID sql.NullInt64
	if d.DependsOn != nil {
		depType = sql.NullString{String: d.DependsOn.Type.String(), Valid: true}
		depLocalID = sql.NullInt64{Int64: d.DependsOn.LocalID, Valid: true}
	}

	now := toMillis(t.store.now())
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO mutations
		(entity_type, entity_local_id, entity_remote_id, action, payload,
		 depends_on_type, depends_on_local_id, idempotency_key,
		 created_at, next_attempt_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'Pending')
	`,
		d.Entity.Type.String(),
		d.Entity.LocalID,
		remoteID,
		d.Action.String(),
		payloadJSON,
		depType,
		depLocalID,
		t.store.keys.Generate(),
		now,
		now,
	)
	if err != nil {
		return 0, mutation.NewPersistenceError("append", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, mutation.NewPersistenceError("append: last insert id", err)
	}
	return id, nil
}

// PendingCountForEntity is the transactional form of Store.PendingCountForEntity.
func (t *Tx) PendingCountForEntity(ctx context.Context, ref mutation.EntityRef) (int, error) {
	return pendingCountForEntity(ctx, t.tx, ref)
}

// RemoteID returns the entity's remote id inside the transaction, or "" when
// the entity has not been synced.
func (t *Tx) RemoteID(ctx context.Context, ref mutation.EntityRef) (string, error) {
	id, err := lookupMapping(ctx, t.tx, ref)
	if err != nil {
		return "", mutation.NewPersistenceError("lookup mapping", err)
	}
	return id, nil
}

// errNoRows reports whether err is sql.ErrNoRows.
func errNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
