// Package casefile is the local write API for case-management entities.
//
// Every write commits the entity row and its mutation record in one
// transaction, so a local change always carries its intent to sync.
package casefile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/casesync/internal/mutation"
	"github.com/roach88/casesync/internal/payload"
	"github.com/roach88/casesync/internal/store"
)

// Notifier is woken after each committed write. *syncer.Worker implements it.
type Notifier interface {
	Notify(reason string)
}

// Change is the result of a local write.
type Change struct {
	Entity   mutation.EntityRef `json:"entity"`
	RecordID int64              `json:"record_id"`
}

// Repository writes entities and enqueues their mutations.
type Repository struct {
	store    *store.Store
	notifier Notifier
	logger   *slog.Logger
}

// Option configures a Repository.
type Option func(*Repository)

// WithNotifier wakes n after every commit.
func WithNotifier(n Notifier) Option {
	return func(r *Repository) {
		r.notifier = n
	}
}

// WithLogger sets the repository's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) {
		r.logger = l
	}
}

// New creates a repository over s.
func New(s *store.Store, opts ...Option) *Repository {
	r := &Repository{store: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create inserts a new entity of type typ and enqueues its Create.
//
// dependsOn names a parent that must sync first (evidence on its report).
// The parent and every entity referenced from body must exist locally.
func (r *Repository) Create(ctx context.Context, typ mutation.EntityType, body payload.Object, dependsOn *mutation.EntityRef) (Change, error) {
	if !typ.Valid() {
		return Change{}, fmt.Errorf("create: invalid entity type %d", int(typ))
	}
	if body == nil {
		body = payload.Object{}
	}

	var ch Change
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := checkReferences(ctx, tx, body, dependsOn); err != nil {
			return err
		}
		localID, err := tx.InsertEntity(ctx, typ, body)
		if err != nil {
			return err
		}
		ch.Entity = mutation.EntityRef{Type: typ, LocalID: localID}
		ch.RecordID, err = tx.Append(ctx, mutation.Draft{
			Entity:    ch.Entity,
			Action:    mutation.ActionCreate,
			Payload:   body,
			DependsOn: dependsOn,
		})
		return err
	})
	if err != nil {
		return Change{}, fmt.Errorf("create %s: %w", typ, err)
	}

	r.committed(ch, mutation.ActionCreate)
	return ch, nil
}

// Update replaces an entity's body and enqueues the full snapshot.
func (r *Repository) Update(ctx context.Context, ref mutation.EntityRef, body payload.Object) (Change, error) {
	if body == nil {
		return Change{}, fmt.Errorf("update %s: body is required", ref)
	}

	ch := Change{Entity: ref}
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := checkReferences(ctx, tx, body, nil); err != nil {
			return err
		}
		if err := tx.UpdateEntity(ctx, ref, body); err != nil {
			return err
		}
		var err error
		ch.RecordID, err = tx.Append(ctx, mutation.Draft{
			Entity:  ref,
			Action:  mutation.ActionUpdate,
			Payload: body,
		})
		return err
	})
	if err != nil {
		return Change{}, fmt.Errorf("update %s: %w", ref, err)
	}

	r.committed(ch, mutation.ActionUpdate)
	return ch, nil
}

// Delete marks an entity deleted and enqueues its Delete.
func (r *Repository) Delete(ctx context.Context, ref mutation.EntityRef) (Change, error) {
	ch := Change{Entity: ref}
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.DeleteEntity(ctx, ref); err != nil {
			return err
		}
		var err error
		ch.RecordID, err = tx.Append(ctx, mutation.Draft{
			Entity: ref,
			Action: mutation.ActionDelete,
		})
		return err
	})
	if err != nil {
		return Change{}, fmt.Errorf("delete %s: %w", ref, err)
	}

	r.committed(ch, mutation.ActionDelete)
	return ch, nil
}

// Get reads an entity, including soft-deleted ones.
func (r *Repository) Get(ctx context.Context, ref mutation.EntityRef) (store.Entity, error) {
	return r.store.GetEntity(ctx, ref)
}

// Unsynced reports how many of ref's mutations have not reached the remote.
func (r *Repository) Unsynced(ctx context.Context, ref mutation.EntityRef) (int, error) {
	return r.store.PendingCountForEntity(ctx, ref)
}

func (r *Repository) committed(ch Change, action mutation.Action) {
	r.logger.Debug("local write committed",
		"entity", ch.Entity.String(),
		"action", action.String(),
		"record_id", ch.RecordID,
	)
	if r.notifier != nil {
		r.notifier.Notify("local write")
	}
}

// checkReferences requires every referenced entity to exist and be live.
func checkReferences(ctx context.Context, tx *store.Tx, body payload.Object, dependsOn *mutation.EntityRef) error {
	var refs []mutation.EntityRef
	if dependsOn != nil {
		refs = append(refs, *dependsOn)
	}
	for _, pr := range body.Refs() {
		ref, err := mutation.RefFromPayload(pr)
		if err != nil {
			return fmt.Errorf("reference %s: %w", pr, err)
		}
		refs = append(refs, ref)
	}

	for _, ref := range refs {
		ent, err := tx.GetEntity(ctx, ref)
		if err != nil {
			return fmt.Errorf("reference: %w", err)
		}
		if ent.Deleted {
			return fmt.Errorf("reference %s: entity is deleted", ref)
		}
	}
	return nil
}
