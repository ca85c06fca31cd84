package idmap

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/casesync/internal/mutation"
	"github.com/roach88/casesync/internal/payload"
	"github.com/roach88/casesync/internal/store"
)

func newTestTranslator(t *testing.T) (*Translator, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "idmap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

var (
	report1   = mutation.EntityRef{Type: mutation.EntityReport, LocalID: 1}
	report2   = mutation.EntityRef{Type: mutation.EntityReport, LocalID: 2}
	evidence1 = mutation.EntityRef{Type: mutation.EntityEvidence, LocalID: 1}
)

func TestResolve_NotYetSynced(t *testing.T) {
	tr, _ := newTestTranslator(t)

	_, err := tr.Resolve(context.Background(), report1)
	assert.ErrorIs(t, err, ErrNotYetSynced)
}

func TestRecordMapping_ThenResolve(t *testing.T) {
	tr, s := newTestTranslator(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordMapping(ctx, report1, "R-100"))

	id, err := tr.Resolve(ctx, report1)
	require.NoError(t, err)
	assert.Equal(t, "R-100", id)

	// Persisted, not only cached.
	fresh := New(s)
	id, err = fresh.Resolve(ctx, report1)
	require.NoError(t, err)
	assert.Equal(t, "R-100", id)
}

func TestRecordMapping_IdempotentAndImmutable(t *testing.T) {
	tr, s := newTestTranslator(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordMapping(ctx, report1, "R-100"))
	require.NoError(t, tr.RecordMapping(ctx, report1, "R-100"))

	err := tr.RecordMapping(ctx, report1, "R-200")
	assert.ErrorIs(t, err, ErrMappingConflict)

	// A translator with a cold cache detects the conflict through the store.
	err = New(s).RecordMapping(ctx, report1, "R-300")
	assert.ErrorIs(t, err, ErrMappingConflict)

	mappings, err := tr.Mappings(ctx)
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, "R-100", mappings[0].RemoteID)
}

func TestRecordMapping_RejectsInvalid(t *testing.T) {
	tr, _ := newTestTranslator(t)
	ctx := context.Background()

	assert.Error(t, tr.RecordMapping(ctx, report1, ""))
	assert.Error(t, tr.RecordMapping(ctx, mutation.EntityRef{Type: mutation.EntityReport}, "R-1"))
}

func TestRewritePayload_ResolvesReferences(t *testing.T) {
	tr, _ := newTestTranslator(t)
	ctx := context.Background()
	require.NoError(t, tr.RecordMapping(ctx, report1, "R-100"))

	rec := mutation.Record{
		ID:            2,
		EntityType:    mutation.EntityEvidence,
		EntityLocalID: 1,
		Action:        mutation.ActionCreate,
		Payload: payload.Object{
			"kind":   payload.String("photo"),
			"report": report1.PayloadRef(),
			"links":  payload.Array{report1.PayloadRef()},
		},
		DependsOn: &report1,
	}

	out, err := tr.RewritePayload(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, payload.Object{
		"kind":   payload.String("photo"),
		"report": payload.String("R-100"),
		"links":  payload.Array{payload.String("R-100")},
	}, out)

	// The stored record is not modified.
	assert.Equal(t, report1.PayloadRef(), rec.Payload["report"])
}

func TestRewritePayload_BlockedOnDependsOn(t *testing.T) {
	tr, _ := newTestTranslator(t)

	rec := mutation.Record{
		ID:        7,
		Payload:   payload.Object{"title": payload.String("no refs")},
		DependsOn: &report2,
	}

	_, err := tr.RewritePayload(context.Background(), rec)
	require.True(t, mutation.IsBlocked(err))

	var blocked *mutation.DependencyBlocked
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, int64(7), blocked.RecordID)
	assert.Equal(t, report2, blocked.Missing)
}

func TestRewritePayload_BlockedOnPayloadReference(t *testing.T) {
	tr, _ := newTestTranslator(t)
	ctx := context.Background()
	require.NoError(t, tr.RecordMapping(ctx, report1, "R-100"))

	rec := mutation.Record{
		ID: 9,
		Payload: payload.Object{
			"report":   report1.PayloadRef(),
			"evidence": evidence1.PayloadRef(),
		},
	}

	_, err := tr.RewritePayload(ctx, rec)
	var blocked *mutation.DependencyBlocked
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, evidence1, blocked.Missing)
}

func TestRewritePayload_NoReferences(t *testing.T) {
	tr, _ := newTestTranslator(t)

	out, err := tr.RewritePayload(context.Background(), mutation.Record{Payload: payload.Object{"title": payload.String("x")}})
	require.NoError(t, err)
	assert.Equal(t, payload.Object{"title": payload.String("x")}, out)
}
