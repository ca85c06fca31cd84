package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/casesync/internal/mutation"
	"github.com/roach88/casesync/internal/payload"
)

// Entity is a local case-management row.
type Entity struct {
	Ref       mutation.EntityRef `json:"ref"`
	Body      payload.Object     `json:"body"`
	Deleted   bool               `json:"deleted"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// InsertEntity stores a new entity of type typ and returns its local id.
// Local ids are assigned per type, starting at 1, and are never reused.
func (t *Tx) InsertEntity(ctx context.Context, typ mutation.EntityType, body payload.Object) (int64, error) {
	bodyJSON, err := marshalPayload(body)
	if err != nil {
		return 0, fmt.Errorf("insert entity: %w", err)
	}

	var localID int64
	err = t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(local_id), 0) + 1 FROM entities WHERE entity_type = ?
	`, typ.String()).Scan(&localID)
	if err != nil {
		return 0, mutation.NewPersistenceError("insert entity: next local id", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO entities (entity_type, local_id, body, deleted, updated_at)
		VALUES (?, ?, ?, 0, ?)
	`, typ.String(), localID, bodyJSON, toMillis(t.store.now()))
	if err != nil {
		return 0, mutation.NewPersistenceError("insert entity", err)
	}
	return localID, nil
}

// UpdateEntity replaces the body of a live entity.
func (t *Tx) UpdateEntity(ctx context.Context, ref mutation.EntityRef, body payload.Object) error {
	bodyJSON, err := marshalPayload(body)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE entities SET body = ?, updated_at = ?
		WHERE entity_type = ? AND local_id = ? AND deleted = 0
	`, bodyJSON, toMillis(t.store.now()), ref.Type.String(), ref.LocalID)
	if err != nil {
		return mutation.NewPersistenceError("update entity", err)
	}
	return requireEntityRow(res, "update entity", ref)
}

// DeleteEntity marks a live entity deleted.
func (t *Tx) DeleteEntity(ctx context.Context, ref mutation.EntityRef) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE entities SET deleted = 1, updated_at = ?
		WHERE entity_type = ? AND local_id = ? AND deleted = 0
	`, toMillis(t.store.now()), ref.Type.String(), ref.LocalID)
	if err != nil {
		return mutation.NewPersistenceError("delete entity", err)
	}
	return requireEntityRow(res, "delete entity", ref)
}

// GetEntity reads an entity inside the transaction.
func (t *Tx) GetEntity(ctx context.Context, ref mutation.EntityRef) (Entity, error) {
	return getEntity(ctx, t.tx, ref)
}

// GetEntity reads an entity, including soft-deleted ones.
func (s *Store) GetEntity(ctx context.Context, ref mutation.EntityRef) (Entity, error) {
	return getEntity(ctx, s.db, ref)
}

func getEntity(ctx context.Context, q querier, ref mutation.EntityRef) (Entity, error) {
	var (
		bodyJSON  string
		deleted   int
		updatedAt int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT body, deleted, updated_at FROM entities WHERE entity_type = ? AND local_id = ?
	`, ref.Type.String(), ref.LocalID).Scan(&bodyJSON, &deleted, &updatedAt)
	if errNoRows(err) {
		return Entity{}, fmt.Errorf("entity %s: %w", ref, mutation.ErrNotFound)
	}
	if err != nil {
		return Entity{}, mutation.NewPersistenceError("get entity", err)
	}
	body, err := unmarshalPayload(bodyJSON)
	if err != nil {
		return Entity{}, fmt.Errorf("entity %s: %w", ref, err)
	}
	return Entity{
		Ref:       ref,
		Body:      body,
		Deleted:   deleted != 0,
		UpdatedAt: fromMillis(updatedAt),
	}, nil
}

func requireEntityRow(res sql.Result, op string, ref mutation.EntityRef) error {
	n, err := res.RowsAffected()
	if err != nil {
		return mutation.NewPersistenceError(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %s: %w", op, ref, mutation.ErrNotFound)
	}
	return nil
}
