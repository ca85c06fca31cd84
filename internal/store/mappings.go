package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/casesync/internal/mutation"
)

// Mapping associates a local entity with its remote canonical id.
type Mapping struct {
	Entity   mutation.EntityRef `json:"entity"`
	RemoteID string             `json:"remote_id"`
	MappedAt time.Time          `json:"mapped_at"`
}

// LookupMapping returns the remote id of an entity, or "" when it has none.
func (s *Store) LookupMapping(ctx context.Context, ref mutation.EntityRef) (string, error) {
	id, err := lookupMapping(ctx, s.db, ref)
	if err != nil {
		return "", mutation.NewPersistenceError("lookup mapping", err)
	}
	return id, nil
}

func lookupMapping(ctx context.Context, q querier, ref mutation.EntityRef) (string, error) {
	var remoteID string
	err := q.QueryRowContext(ctx, `
		SELECT remote_id FROM id_mappings WHERE entity_type = ? AND local_id = ?
	`, ref.Type.String(), ref.LocalID).Scan(&remoteID)
	if errNoRows(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return remoteID, nil
}

// InsertMapping stores ref -> remoteID unless the entity is already mapped.
// Returns the remote id held after the call and whether a new row was
// inserted. Existing mappings are never overwritten, so a caller can detect a
// conflicting id by comparing the returned id with its own.
func (s *Store) InsertMapping(ctx context.Context, ref mutation.EntityRef, remoteID string) (stored string, inserted bool, err error) {
	if remoteID == "" {
		return "", false, fmt.Errorf("insert mapping %s: empty remote id", ref)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, mutation.NewPersistenceError("insert mapping", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO id_mappings (entity_type, local_id, remote_id, mapped_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, local_id) DO NOTHING
	`, ref.Type.String(), ref.LocalID, remoteID, toMillis(s.now()))
	if err != nil {
		return "", false, mutation.NewPersistenceError("insert mapping", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, mutation.NewPersistenceError("insert mapping", err)
	}

	if n > 0 {
		stored, inserted = remoteID, true
	} else {
		stored, err = lookupMapping(ctx, tx, ref)
		if err != nil {
			return "", false, mutation.NewPersistenceError("insert mapping: select existing", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", false, mutation.NewPersistenceError("insert mapping", err)
	}
	return stored, inserted, nil
}

// ListMappings returns every mapping ordered by entity type and local id.
func (s *Store) ListMappings(ctx context.Context) ([]Mapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, local_id, remote_id, mapped_at
		FROM id_mappings
		ORDER BY entity_type ASC, local_id ASC
	`)
	if err != nil {
		return nil, mutation.NewPersistenceError("list mappings", err)
	}
	defer rows.Close()

	mappings := []Mapping{}
	for rows.Next() {
		var (
			m        Mapping
			typ      string
			mappedAt int64
		)
		if err := rows.Scan(&typ, &m.Entity.LocalID, &m.RemoteID, &mappedAt); err != nil {
			return nil, mutation.NewPersistenceError("list mappings", err)
		}
		if m.Entity.Type, err = mutation.ParseEntityType(typ); err != nil {
			return nil, fmt.Errorf("list mappings: %w", err)
		}
		m.MappedAt = fromMillis(mappedAt)
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mutation.NewPersistenceError("list mappings", err)
	}
	return mappings, nil
}
