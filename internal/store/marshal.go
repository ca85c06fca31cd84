package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/casesync/internal/mutation"
	"github.com/roach88/casesync/internal/payload"
)

// querier is the subset of *sql.DB and *sql.Tx used by shared helpers.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// marshalPayload converts a payload to canonical JSON TEXT for storage.
func marshalPayload(obj payload.Object) (string, error) {
	if obj == nil {
		return "{}", nil
	}
	data, err := payload.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses canonical JSON TEXT back into a payload.
func unmarshalPayload(data string) (payload.Object, error) {
	if data == "" || data == "{}" {
		return payload.Object{}, nil
	}
	obj, err := payload.Parse([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return obj, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

const recordColumns = `id, entity_type, entity_local_id, entity_remote_id, action, payload,
	depends_on_type, depends_on_local_id, idempotency_key, created_at,
	attempt_count, last_error, next_attempt_at, state`

// scanRecord reads one mutations row selected with recordColumns.
func scanRecord(row scanner) (mutation.Record, error) {
	var (
		rec                    mutation.Record
		entityType, action, st string
		payloadJSON            string
		depType                sql.NullString
		depLocalID             sql.NullInt64
		createdAt, nextAttempt int64
	)
	err := row.Scan(
		&rec.ID,
		&entityType,
		&rec.EntityLocalID,
		&rec.EntityRemoteID,
		&action,
		&payloadJSON,
		&depType,
		&depLocalID,
		&rec.IdempotencyKey,
		&createdAt,
		&rec.AttemptCount,
		&rec.LastError,
		&nextAttempt,
		&st,
	)
	if err != nil {
		return mutation.Record{}, err
	}

	if rec.EntityType, err = mutation.ParseEntityType(entityType); err != nil {
		return mutation.Record{}, fmt.Errorf("record %d: %w", rec.ID, err)
	}
	if rec.Action, err = mutation.ParseAction(action); err != nil {
		return mutation.Record{}, fmt.Errorf("record %d: %w", rec.ID, err)
	}
	if rec.State, err = mutation.ParseState(st); err != nil {
		return mutation.Record{}, fmt.Errorf("record %d: %w", rec.ID, err)
	}
	if rec.Payload, err = unmarshalPayload(payloadJSON); err != nil {
		return mutation.Record{}, fmt.Errorf("record %d: %w", rec.ID, err)
	}
	if depType.Valid && depLocalID.Valid {
		t, err := mutation.ParseEntityType(depType.String)
		if err != nil {
			return mutation.Record{}, fmt.Errorf("record %d depends on: %w", rec.ID, err)
		}
		rec.DependsOn = &mutation.EntityRef{Type: t, LocalID: depLocalID.Int64}
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.NextAttemptAt = fromMillis(nextAttempt)
	return rec, nil
}

// scanRecords drains rows into a slice. Returns an empty slice, not nil.
func scanRecords(rows *sql.Rows) ([]mutation.Record, error) {
	defer rows.Close()

	records := []mutation.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}
