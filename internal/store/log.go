package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/casesync/internal/mutation"
)

// Stats summarises the mutation log.
type Stats struct {
	Pending      int `json:"pending"`
	InFlight     int `json:"in_flight"`
	DeadLettered int `json:"dead_lettered"`
	Due          int `json:"due"`
	Mappings     int `json:"mappings"`
}

// NextDueBatch returns up to max Pending records whose next attempt is due,
// ordered by id.
//
// Only the head of each entity's queue is eligible: a record is excluded when
// an earlier record of the same entity is still Pending or InFlight, whether
// or not that earlier record is itself due. So at most one record per entity
// is returned.
func (s *Store) NextDueBatch(ctx context.Context, max int) ([]mutation.Record, error) {
	if max <= 0 {
		return []mutation.Record{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM mutations m
		WHERE m.state = 'Pending'
		  AND m.next_attempt_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM mutations e
			WHERE e.entity_type = m.entity_type
			  AND e.entity_local_id = m.entity_local_id
			  AND e.id < m.id
			  AND e.state IN ('Pending', 'InFlight')
		  )
		ORDER BY m.id ASC
		LIMIT ?
	`, toMillis(s.now()), max)
	if err != nil {
		return nil, mutation.NewPersistenceError("next due batch", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, mutation.NewPersistenceError("next due batch", err)
	}
	return records, nil
}

// MarkInFlight records an attempt and moves a Pending record to InFlight.
// It must be called before the remote call so that a crash mid-call still
// counts the attempt.
func (s *Store) MarkInFlight(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mutations
		SET state = 'InFlight', attempt_count = attempt_count + 1
		WHERE id = ? AND state = 'Pending'
	`, id)
	if err != nil {
		return mutation.NewPersistenceError("mark in flight", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mutation.NewPersistenceError("mark in flight", err)
	}
	if n == 0 {
		return fmt.Errorf("mark in flight: record %d is not pending: %w", id, mutation.ErrNotFound)
	}
	return nil
}

// MarkCompleted purges an InFlight record after the remote accepted it.
//
// When remoteID is non-empty it is written to every later record of the same
// entity that does not have one yet. Returns false if the record no longer
// exists, so a duplicate completion is a no-op.
func (s *Store) MarkCompleted(ctx context.Context, id int64, remoteID string) (bool, error) {
	return s.complete(ctx, "mark completed", id, remoteID, mutation.StateInFlight)
}

// CompleteMapped purges a Create whose entity is already mapped to remoteID,
// without a remote call. Unlike MarkCompleted it accepts a Pending record:
// a crash between recording the mapping and MarkCompleted leaves one behind
// after RecoverInFlight.
func (s *Store) CompleteMapped(ctx context.Context, id int64, remoteID string) (bool, error) {
	return s.complete(ctx, "complete mapped", id, remoteID, mutation.StatePending, mutation.StateInFlight)
}

func (s *Store) complete(ctx context.Context, op string, id int64, remoteID string, from ...mutation.State) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, mutation.NewPersistenceError(op, err)
	}
	defer tx.Rollback()

	var entityType, state string
	var localID int64
	err = tx.QueryRowContext(ctx, `
		SELECT entity_type, entity_local_id, state FROM mutations WHERE id = ?
	`, id).Scan(&entityType, &localID, &state)
	if errNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, mutation.NewPersistenceError(op, err)
	}
	if !slices.ContainsFunc(from, func(st mutation.State) bool { return st.String() == state }) {
		return false, fmt.Errorf("%s: record %d is %s, not %s", op, id, state, joinStates(from))
	}

	if remoteID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE mutations SET entity_remote_id = ?
			WHERE entity_type = ? AND entity_local_id = ? AND id > ? AND entity_remote_id = ''
		`, remoteID, entityType, localID, id)
		if err != nil {
			return false, mutation.NewPersistenceError(op+": propagate remote id", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
		return false, mutation.NewPersistenceError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return false, mutation.NewPersistenceError(op, err)
	}
	return true, nil
}

func joinStates(states []mutation.State) string {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = st.String()
	}
	return strings.Join(names, " or ")
}

// MarkFailed records a failed attempt of an InFlight record and returns the
// state it moved to.
//
// A retryable failure below the attempt ceiling returns the record to Pending
// with a backoff delay (or the remote's Retry-After if longer, see
// mutation.RetryAfter). Anything else dead-letters the record.
func (s *Store) MarkFailed(ctx context.Context, id int64, cause error, retryable bool) (mutation.State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, mutation.NewPersistenceError("mark failed", err)
	}
	defer tx.Rollback()

	var attempts int
	var state string
	err = tx.QueryRowContext(ctx, `
		SELECT attempt_count, state FROM mutations WHERE id = ?
	`, id).Scan(&attempts, &state)
	if errNoRows(err) {
		return 0, fmt.Errorf("mark failed: record %d: %w", id, mutation.ErrNotFound)
	}
	if err != nil {
		return 0, mutation.NewPersistenceError("mark failed", err)
	}
	if state != mutation.StateInFlight.String() {
		return 0, fmt.Errorf("mark failed: record %d is %s, not InFlight", id, state)
	}

	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	next := mutation.StateDeadLettered
	now := s.now()
	nextAttempt := now
	if retryable && s.sched.ShouldRetry(attempts) {
		next = mutation.StatePending
		// attempts already includes the failed one; the first retry waits BaseDelay.
		nextAttempt = s.sched.NextAttempt(now, attempts-1, mutation.RetryAfter(cause))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE mutations
		SET state = ?, last_error = ?, next_attempt_at = ?
		WHERE id = ?
	`, next.String(), lastError, toMillis(nextAttempt), id)
	if err != nil {
		return 0, mutation.NewPersistenceError("mark failed", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, mutation.NewPersistenceError("mark failed", err)
	}
	return next, nil
}

// RecoverInFlight resolves records left InFlight by a previous process.
//
// Their outcome is unknown, so they are retried: each returns to Pending and
// is due immediately, keeping its attempt count and idempotency key. A record
// that has already used its last attempt is dead-lettered instead. Returns
// the number of records recovered.
func (s *Store) RecoverInFlight(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, mutation.NewPersistenceError("recover in flight", err)
	}
	defer tx.Rollback()

	now := toMillis(s.now())
	maxAttempts := s.sched.MaxAttempts()

	dead, err := tx.ExecContext(ctx, `
		UPDATE mutations
		SET state = 'DeadLettered',
		    last_error = CASE WHEN last_error = '' THEN 'outcome unknown after restart' ELSE last_error END
		WHERE state = 'InFlight' AND attempt_count >= ?
	`, maxAttempts)
	if err != nil {
		return 0, mutation.NewPersistenceError("recover in flight", err)
	}
	retried, err := tx.ExecContext(ctx, `
		UPDATE mutations SET state = 'Pending', next_attempt_at = ?
		WHERE state = 'InFlight'
	`, now)
	if err != nil {
		return 0, mutation.NewPersistenceError("recover in flight", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, mutation.NewPersistenceError("recover in flight", err)
	}

	n1, _ := dead.RowsAffected()
	n2, _ := retried.RowsAffected()
	return int(n1 + n2), nil
}

// PendingCountForEntity counts the Pending and InFlight records of an entity.
// Dead-lettered records are not counted.
func (s *Store) PendingCountForEntity(ctx context.Context, ref mutation.EntityRef) (int, error) {
	return pendingCountForEntity(ctx, s.db, ref)
}

func pendingCountForEntity(ctx context.Context, q querier, ref mutation.EntityRef) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mutations
		WHERE entity_type = ? AND entity_local_id = ? AND state IN ('Pending', 'InFlight')
	`, ref.Type.String(), ref.LocalID).Scan(&n)
	if err != nil {
		return 0, mutation.NewPersistenceError("pending count", err)
	}
	return n, nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id int64) (mutation.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM mutations WHERE id = ?`, id))
	if errNoRows(err) {
		return mutation.Record{}, fmt.Errorf("record %d: %w", id, mutation.ErrNotFound)
	}
	if err != nil {
		return mutation.Record{}, mutation.NewPersistenceError("get record", err)
	}
	return rec, nil
}

// List returns records in the given state ordered by id. limit <= 0 means no
// limit.
func (s *Store) List(ctx context.Context, state mutation.State, limit int) ([]mutation.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM mutations
		WHERE state = ?
		ORDER BY id ASC
		LIMIT ?
	`, state.String(), limit)
	if err != nil {
		return nil, mutation.NewPersistenceError("list records", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, mutation.NewPersistenceError("list records", err)
	}
	return records, nil
}

// ListForEntity returns every record of an entity, in any state, ordered by id.
func (s *Store) ListForEntity(ctx context.Context, ref mutation.EntityRef) ([]mutation.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM mutations
		WHERE entity_type = ? AND entity_local_id = ?
		ORDER BY id ASC
	`, ref.Type.String(), ref.LocalID)
	if err != nil {
		return nil, mutation.NewPersistenceError("list entity records", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, mutation.NewPersistenceError("list entity records", err)
	}
	return records, nil
}

// DeadLettered returns every dead-lettered record for operator review.
func (s *Store) DeadLettered(ctx context.Context) ([]mutation.Record, error) {
	return s.List(ctx, mutation.StateDeadLettered, 0)
}

// Requeue returns a dead-lettered record to Pending with a fresh retry budget.
func (s *Store) Requeue(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mutations
		SET state = 'Pending', attempt_count = 0, last_error = '', next_attempt_at = ?
		WHERE id = ? AND state = 'DeadLettered'
	`, toMillis(s.now()), id)
	if err != nil {
		return mutation.NewPersistenceError("requeue", err)
	}
	return requireOneRow(res, "requeue", id)
}

// Discard deletes a dead-lettered record. The local entity is left as is.
func (s *Store) Discard(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM mutations WHERE id = ? AND state = 'DeadLettered'
	`, id)
	if err != nil {
		return mutation.NewPersistenceError("discard", err)
	}
	return requireOneRow(res, "discard", id)
}

// Stats returns record counts per state.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(state = 'Pending'), 0),
			COALESCE(SUM(state = 'InFlight'), 0),
			COALESCE(SUM(state = 'DeadLettered'), 0),
			COALESCE(SUM(state = 'Pending' AND next_attempt_at <= ?), 0),
			(SELECT COUNT(*) FROM id_mappings)
		FROM mutations
	`, toMillis(s.now())).Scan(&st.Pending, &st.InFlight, &st.DeadLettered, &st.Due, &st.Mappings)
	if err != nil {
		return Stats{}, mutation.NewPersistenceError("stats", err)
	}
	return st, nil
}

// NextWakeup returns the earliest next_attempt_at among Pending records, or
// the zero time when nothing is pending.
func (s *Store) NextWakeup(ctx context.Context) (time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(next_attempt_at) FROM mutations WHERE state = 'Pending'
	`).Scan(&ms)
	if err != nil {
		return time.Time{}, mutation.NewPersistenceError("next wakeup", err)
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return fromMillis(ms.Int64), nil
}

// NextAttemptAfter returns the earliest next_attempt_at after t among Pending
// records, or the zero time when none is scheduled later than t.
func (s *Store) NextAttemptAfter(ctx context.Context, t time.Time) (time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(next_attempt_at) FROM mutations
		WHERE state = 'Pending' AND next_attempt_at > ?
	`, toMillis(t)).Scan(&ms)
	if err != nil {
		return time.Time{}, mutation.NewPersistenceError("next attempt after", err)
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return fromMillis(ms.Int64), nil
}

func requireOneRow(res sql.Result, op string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return mutation.NewPersistenceError(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: no dead-lettered record %d: %w", op, id, mutation.ErrNotFound)
	}
	return nil
}
