// Package idmap translates local entity ids to remote canonical ids.
//
// Entities are created locally with integer ids; the remote assigns its own
// ids when their Create mutations sync. Dependent records (evidence that
// references its report) cannot be submitted until every local reference in
// their payload has a remote id.
package idmap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/casesync/internal/mutation"
	"github.com/roach88/casesync/internal/payload"
	"github.com/roach88/casesync/internal/store"
)

// ErrNotYetSynced is returned by Resolve when an entity has no remote id.
var ErrNotYetSynced = errors.New("entity not yet synced")

// ErrMappingConflict is returned when an entity already mapped to one remote
// id is reported with a different one. Remote ids never change.
var ErrMappingConflict = errors.New("conflicting remote id for mapped entity")

// MappingStore persists mappings. *store.Store implements it.
type MappingStore interface {
	LookupMapping(ctx context.Context, ref mutation.EntityRef) (string, error)
	InsertMapping(ctx context.Context, ref mutation.EntityRef, remoteID string) (string, bool, error)
	ListMappings(ctx context.Context) ([]store.Mapping, error)
}

// Translator resolves and records id mappings with a read-through cache.
//
// Thread-safety: Translator is safe for concurrent use.
type Translator struct {
	store MappingStore

	mu    sync.RWMutex
	cache map[mutation.EntityRef]string
}

// New creates a translator backed by s.
func New(s MappingStore) *Translator {
	return &Translator{
		store: s,
		cache: make(map[mutation.EntityRef]string),
	}
}

// RecordMapping stores ref -> remoteID. Recording the same mapping again is a
// no-op; a different remote id for a mapped entity fails with
// ErrMappingConflict and leaves the original mapping in place.
func (t *Translator) RecordMapping(ctx context.Context, ref mutation.EntityRef, remoteID string) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("record mapping: %w", err)
	}
	if remoteID == "" {
		return fmt.Errorf("record mapping %s: empty remote id", ref)
	}

	if cached, ok := t.cached(ref); ok {
		if cached != remoteID {
			return fmt.Errorf("record mapping %s -> %s: already %s: %w", ref, remoteID, cached, ErrMappingConflict)
		}
		return nil
	}

	stored, _, err := t.store.InsertMapping(ctx, ref, remoteID)
	if err != nil {
		return fmt.Errorf("record mapping %s: %w", ref, err)
	}
	t.remember(ref, stored)
	if stored != remoteID {
		return fmt.Errorf("record mapping %s -> %s: already %s: %w", ref, remoteID, stored, ErrMappingConflict)
	}
	return nil
}

// Resolve returns the remote id of ref, or ErrNotYetSynced.
func (t *Translator) Resolve(ctx context.Context, ref mutation.EntityRef) (string, error) {
	if id, ok := t.cached(ref); ok {
		return id, nil
	}
	id, err := t.store.LookupMapping(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	if id == "" {
		return "", fmt.Errorf("resolve %s: %w", ref, ErrNotYetSynced)
	}
	t.remember(ref, id)
	return id, nil
}

// RewritePayload returns a copy of rec's payload with every entity reference
// replaced by the referenced entity's remote id.
//
// If rec.DependsOn or any reference is unmapped, it returns a
// *mutation.DependencyBlocked naming the first missing entity (DependsOn
// first, then payload references in key order). The record should stay
// Pending.
func (t *Translator) RewritePayload(ctx context.Context, rec mutation.Record) (payload.Object, error) {
	if rec.DependsOn != nil {
		if _, err := t.resolveForRecord(ctx, rec.ID, *rec.DependsOn); err != nil {
			return nil, err
		}
	}

	return rec.Payload.Rewrite(func(r payload.Ref) (payload.Value, error) {
		ref, err := mutation.RefFromPayload(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: bad reference %s: %w", rec.ID, r, err)
		}
		id, err := t.resolveForRecord(ctx, rec.ID, ref)
		if err != nil {
			return nil, err
		}
		return payload.String(id), nil
	})
}

func (t *Translator) resolveForRecord(ctx context.Context, recordID int64, ref mutation.EntityRef) (string, error) {
	id, err := t.Resolve(ctx, ref)
	if errors.Is(err, ErrNotYetSynced) {
		return "", &mutation.DependencyBlocked{RecordID: recordID, Missing: ref}
	}
	return id, err
}

// Mappings lists every recorded mapping.
func (t *Translator) Mappings(ctx context.Context) ([]store.Mapping, error) {
	return t.store.ListMappings(ctx)
}

func (t *Translator) cached(ref mutation.EntityRef) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.cache[ref]
	return id, ok
}

func (t *Translator) remember(ref mutation.EntityRef, remoteID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache[ref] = remoteID
}
