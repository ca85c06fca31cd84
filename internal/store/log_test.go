package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/casesync/internal/mutation"
	"github.com/roach88/casesync/internal/payload"
	"github.com/roach88/casesync/internal/testutil"
)

func TestAppend_AssignsIncreasingIDs(t *testing.T) {
	s := createTestStore(t)

	id1 := appendDraft(t, s, createDraft(ref(mutation.EntityReport, 1), "a"))
	id2 := appendDraft(t, s, createDraft(ref(mutation.EntityReport, 2), "b"))
	id3 := appendDraft(t, s, createDraft(ref(mutation.EntityForm, 1), "c"))

	assert.Less(t, id1, id2)
	assert.Less(t, id2, id3)
}

func TestAppend_PersistsRecord(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	parent := ref(mutation.EntityReport, 1)

	id := appendDraft(t, s, mutation.Draft{
		Entity:    ref(mutation.EntityEvidence, 4),
		Action:    mutation.ActionCreate,
		Payload:   payload.Object{"kind": payload.String("photo"), "report": parent.PayloadRef()},
		DependsOn: &parent,
	})

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, mutation.EntityEvidence, rec.EntityType)
	assert.Equal(t, int64(4), rec.EntityLocalID)
	assert.Equal(t, "", rec.EntityRemoteID)
	assert.Equal(t, mutation.ActionCreate, rec.Action)
	assert.Equal(t, payload.Object{"kind": payload.String("photo"), "report": parent.PayloadRef()}, rec.Payload)
	require.NotNil(t, rec.DependsOn)
	assert.Equal(t, parent, *rec.DependsOn)
	assert.Equal(t, "idem-1", rec.IdempotencyKey)
	assert.Equal(t, testutil.Epoch, rec.CreatedAt)
	assert.Equal(t, testutil.Epoch, rec.NextAttemptAt)
	assert.Equal(t, 0, rec.AttemptCount)
	assert.Equal(t, mutation.StatePending, rec.State)
}

func TestAppend_DeleteWithoutPayload(t *testing.T) {
	s := createTestStore(t)

	id := appendDraft(t, s, mutation.Draft{Entity: ref(mutation.EntityHearing, 1), Action: mutation.ActionDelete})

	rec, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, payload.Object{}, rec.Payload)
}

func TestAppend_RollsBackWithEntityWrite(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	boom := errors.New("entity validation failed")

	err := s.WithTx(ctx, func(tx *Tx) error {
		localID, err := tx.InsertEntity(ctx, mutation.EntityReport, payload.Object{"title": payload.String("x")})
		if err != nil {
			return err
		}
		if _, err := tx.Append(ctx, createDraft(ref(mutation.EntityReport, localID), "x")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)

	_, err = s.GetEntity(ctx, ref(mutation.EntityReport, 1))
	assert.ErrorIs(t, err, mutation.ErrNotFound)
}

func TestAppend_FailureAbortsTransaction(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertEntity(ctx, mutation.EntityReport, payload.Object{}); err != nil {
			return err
		}
		// Make the append's INSERT fail inside the same transaction.
		if _, err := tx.tx.ExecContext(ctx, "DROP TABLE mutations"); err != nil {
			return err
		}
		_, err := tx.Append(ctx, createDraft(ref(mutation.EntityReport, 1), "x"))
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, mutation.ErrPersistence)

	// Both the entity row and the DROP were rolled back.
	_, err = s.GetEntity(ctx, ref(mutation.EntityReport, 1))
	assert.ErrorIs(t, err, mutation.ErrNotFound)
	_, err = s.Stats(ctx)
	assert.NoError(t, err)
}

func TestAppend_RejectsInvalidDraft(t *testing.T) {
	s := createTestStore(t)

	err := s.WithTx(context.Background(), func(tx *Tx) error {
		_, err := tx.Append(context.Background(), mutation.Draft{Entity: ref(mutation.EntityReport, 1), Action: mutation.ActionUpdate})
		return err
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, mutation.ErrPersistence)
}

func TestAppend_CopiesKnownRemoteID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	report := ref(mutation.EntityReport, 1)

	_, _, err := s.InsertMapping(ctx, report, "R-100")
	require.NoError(t, err)

	id := appendDraft(t, s, mutation.Draft{Entity: report, Action: mutation.ActionUpdate, Payload: payload.Object{}})
	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "R-100", rec.EntityRemoteID)
}

func TestNextDueBatch_PerEntityFIFO(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	report1 := ref(mutation.EntityReport, 1)

	r1 := appendDraft(t, s, createDraft(report1, "v1"))
	r2 := appendDraft(t, s, mutation.Draft{Entity: report1, Action: mutation.ActionUpdate, Payload: payload.Object{"title": payload.String("v2")}})
	r3 := appendDraft(t, s, createDraft(ref(mutation.EntityReport, 2), "other"))

	batch, err := s.NextDueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{r1, r3}, batchIDs(batch))

	// An InFlight head still holds back the later record.
	attempt(t, s, r1)
	batch, err = s.NextDueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{r3}, batchIDs(batch))

	ok, err := s.MarkCompleted(ctx, r1, "R-100")
	require.NoError(t, err)
	require.True(t, ok)

	batch, err = s.NextDueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{r2, r3}, batchIDs(batch))
	assert.Equal(t, "R-100", batch[0].EntityRemoteID)
}

func TestNextDueBatch_NotDueHeadBlocksLaterRecords(t *testing.T) {
	s, clock := createTestStoreWithClock(t)
	ctx := context.Background()
	report := ref(mutation.EntityReport, 1)

	r1 := appendDraft(t, s, createDraft(report, "v1"))
	appendDraft(t, s, mutation.Draft{Entity: report, Action: mutation.ActionDelete})

	attempt(t, s, r1)
	_, err := s.MarkFailed(ctx, r1, &mutation.RetryableRemoteError{Reason: "503"}, true)
	require.NoError(t, err)

	batch, err := s.NextDueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	clock.Advance(time.Second)
	batch, err = s.NextDueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{r1}, batchIDs(batch))
}

func TestNextDueBatch_DeadLetterDoesNotBlock(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	report := ref(mutation.EntityReport, 1)

	r1 := appendDraft(t, s, createDraft(report, "v1"))
	r2 := appendDraft(t, s, mutation.Draft{Entity: report, Action: mutation.ActionUpdate, Payload: payload.Object{}})

	attempt(t, s, r1)
	state, err := s.MarkFailed(ctx, r1, &mutation.PermanentRemoteError{Reason: "422"}, false)
	require.NoError(t, err)
	require.Equal(t, mutation.StateDeadLettered, state)

	batch, err := s.NextDueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{r2}, batchIDs(batch))
}

func TestNextDueBatch_RespectsMax(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		appendDraft(t, s, createDraft(ref(mutation.EntityForm, i), "f"))
	}

	batch, err := s.NextDueBatch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, batchIDs(batch))

	batch, err = s.NextDueBatch(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestMarkInFlight_CountsAttempt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	id := appendDraft(t, s, createDraft(ref(mutation.EntityReport, 1), "x"))

	attempt(t, s, id)
	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, mutation.StateInFlight, rec.State)
	assert.Equal(t, 1, rec.AttemptCount)

	// Only Pending records can be taken.
	assert.ErrorIs(t, s.MarkInFlight(ctx, id), mutation.ErrNotFound)
}

func TestMarkCompleted_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	report := ref(mutation.EntityReport, 1)

	r1 := appendDraft(t, s, createDraft(report, "v1"))
	r2 := appendDraft(t, s, mutation.Draft{Entity: report, Action: mutation.ActionUpdate, Payload: payload.Object{}})
	attempt(t, s, r1)

	ok, err := s.MarkCompleted(ctx, r1, "R-100")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkCompleted(ctx, r1, "R-999")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, r1)
	assert.ErrorIs(t, err, mutation.ErrNotFound)

	rec, err := s.Get(ctx, r2)
	require.NoError(t, err)
	assert.Equal(t, "R-100", rec.EntityRemoteID)
}

func TestMarkCompleted_RequiresInFlight(t *testing.T) {
	s := createTestStore(t)
	id := appendDraft(t, s, createDraft(ref(mutation.EntityReport, 1), "x"))

	_, err := s.MarkCompleted(context.Background(), id, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record 1 is Pending, not InFlight")
}

func TestCompleteMapped_AcceptsRecoveredRecord(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	report := ref(mutation.EntityReport, 1)

	r1 := appendDraft(t, s, createDraft(report, "v1"))
	r2 := appendDraft(t, s, mutation.Draft{Entity: report, Action: mutation.ActionUpdate, Payload: payload.Object{}})
	attempt(t, s, r1)
	n, err := s.RecoverInFlight(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ok, err := s.CompleteMapped(ctx, r1, "R-7")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Get(ctx, r1)
	assert.ErrorIs(t, err, mutation.ErrNotFound)
	rec, err := s.Get(ctx, r2)
	require.NoError(t, err)
	assert.Equal(t, "R-7", rec.EntityRemoteID)

	ok, err = s.CompleteMapped(ctx, r1, "R-7")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteMapped_RejectsDeadLettered(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	id := appendDraft(t, s, createDraft(ref(mutation.EntityReport, 1), "x"))
	attempt(t, s, id)
	_, err := s.MarkFailed(ctx, id, &mutation.PermanentRemoteError{Reason: "422"}, false)
	require.NoError(t, err)

	_, err = s.CompleteMapped(ctx, id, "R-7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is DeadLettered, not Pending or InFlight")
}

func TestMarkFailed_RetryCeiling(t *testing.T) {
	s, clock := createTestStoreWithClock(t)
	ctx := context.Background()
	id := appendDraft(t, s, createDraft(ref(mutation.EntityReport, 1), "x"))
	cause := &mutation.RetryableRemoteError{Reason: "offline"}

	wantDelays := []time.Duration{time.Second, 2 * time.Second}
	for i, delay := range wantDelays {
		attempt(t, s, id)
		state, err := s.MarkFailed(ctx, id, cause, true)
		require.NoError(t, err)
		require.Equal(t, mutation.StatePending, state, "attempt %d", i+1)

		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, clock.Now().Add(delay), rec.NextAttemptAt)
		assert.Equal(t, i+1, rec.AttemptCount)
		assert.Equal(t, cause.Error(), rec.LastError)
		clock.Advance(delay)
	}

	attempt(t, s, id)
	state, err := s.MarkFailed(ctx, id, cause, true)
	require.NoError(t, err)
	assert.Equal(t, mutation.StateDeadLettered, state)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, testMaxAttempts, rec.AttemptCount)
}

func TestMarkFailed_RetryAfterWins(t *testing.T) {
	s, clock := createTestStoreWithClock(t)
	ctx := context.Background()
	id := appendDraft(t, s, createDraft(ref(mutation.EntityReport, 1), "x"))

	attempt(t, s, id)
	_, err := s.MarkFailed(ctx, id, &mutation.RetryableRemoteError{Reason: "429", RetryAfter: 45 * time.Second}, true)
	require.NoError(t, err)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(45*time.Second), rec.NextAttemptAt)
}

func TestMarkFailed_PermanentDeadLettersImmediately(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	id := appendDraft(t, s, createDraft(ref(mutation.EntityReport, 1), "x"))

	attempt(t, s, id)
	state, err := s.MarkFailed(ctx, id, &mutation.PermanentRemoteError{Reason: "422 title required"}, false)
	require.NoError(t, err)
	assert.Equal(t, mutation.StateDeadLettered, state)

	dead, err := s.DeadLettered(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 1, dead[0].AttemptCount)
	assert.Contains(t, dead[0].LastError, "422 title required")
}

func TestMarkFailed_UnknownRecord(t *testing.T) {
	s := createTestStore(t)
	_, err := s.MarkFailed(context.Background(), 42, errors.New("x"), true)
	assert.ErrorIs(t, err, mutation.ErrNotFound)
}

func TestRecoverInFlight(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	fresh := appendDraft(t, s, createDraft(ref(mutation.EntityReport, 1), "a"))
	exhausted := appendDraft(t, s, createDraft(ref(mutation.EntityReport, 2), "b"))
	untouched := appendDraft(t, s, createDraft(ref(mutation.EntityReport, 3), "c"))

	attempt(t, s, fresh)
	// Drive the second record to its last attempt and leave it InFlight.
	for i := 0; i < testMaxAttempts-1; i++ {
		attempt(t, s, exhausted)
		_, err := s.MarkFailed(ctx, exhausted, &mutation.RetryableRemoteError{Reason: "503"}, true)
		require.NoError(t, err)
	}
	attempt(t, s, exhausted)

	n, err := s.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := s.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, mutation.StatePending, rec.State)
	assert.Equal(t, 1, rec.AttemptCount)

	rec, err = s.Get(ctx, exhausted)
	require.NoError(t, err)
	assert.Equal(t, mutation.StateDeadLettered, rec.State)

	rec, err = s.Get(ctx, untouched)
	require.NoError(t, err)
	assert.Equal(t, mutation.StatePending, rec.State)
	assert.Equal(t, 0, rec.AttemptCount)
}

func TestRecoverInFlight_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.db")
	ctx := context.Background()

	s1, err := Open(path, WithKeyGenerator(mutation.NewSequenceGenerator("k")))
	require.NoError(t, err)
	id := appendDraft(t, s1, createDraft(ref(mutation.EntityReport, 1), "x"))
	require.NoError(t, s1.MarkInFlight(ctx, id))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	n, err := s2.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	batch, err := s2.NextDueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, id, batch[0].ID)
	assert.Equal(t, "k-1", batch[0].IdempotencyKey)
	assert.Equal(t, 1, batch[0].AttemptCount)
}

func TestPendingCountForEntity(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	report := ref(mutation.EntityReport, 1)

	r1 := appendDraft(t, s, createDraft(report, "v1"))
	appendDraft(t, s, mutation.Draft{Entity: report, Action: mutation.ActionUpdate, Payload: payload.Object{}})
	appendDraft(t, s, createDraft(ref(mutation.EntityReport, 2), "other"))

	n, err := s.PendingCountForEntity(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	attempt(t, s, r1)
	n, err = s.PendingCountForEntity(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.MarkFailed(ctx, r1, &mutation.PermanentRemoteError{Reason: "409"}, false)
	require.NoError(t, err)
	n, err = s.PendingCountForEntity(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRequeueAndDiscard(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a := appendDraft(t, s, createDraft(ref(mutation.EntityReport, 1), "a"))
	b := appendDraft(t, s, createDraft(ref(mutation.EntityReport, 2), "b"))
	for _, id := range []int64{a, b} {
		attempt(t, s, id)
		_, err := s.MarkFailed(ctx, id, &mutation.PermanentRemoteError{Reason: "422"}, false)
		require.NoError(t, err)
	}

	require.NoError(t, s.Requeue(ctx, a))
	rec, err := s.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, mutation.StatePending, rec.State)
	assert.Zero(t, rec.AttemptCount)
	assert.Empty(t, rec.LastError)

	require.NoError(t, s.Discard(ctx, b))
	_, err = s.Get(ctx, b)
	assert.ErrorIs(t, err, mutation.ErrNotFound)

	// Only dead-lettered records can be requeued or discarded.
	assert.ErrorIs(t, s.Requeue(ctx, a), mutation.ErrNotFound)
	assert.ErrorIs(t, s.Discard(ctx, a), mutation.ErrNotFound)
}

func TestStatsAndNextWakeup(t *testing.T) {
	s, clock := createTestStoreWithClock(t)
	ctx := context.Background()

	wake, err := s.NextWakeup(ctx)
	require.NoError(t, err)
	assert.True(t, wake.IsZero())

	a := appendDraft(t, s, createDraft(ref(mutation.EntityReport, 1), "a"))
	b := appendDraft(t, s, createDraft(ref(mutation.EntityReport, 2), "b"))
	c := appendDraft(t, s, createDraft(ref(mutation.EntityReport, 3), "c"))

	attempt(t, s, a)
	_, err = s.MarkFailed(ctx, a, &mutation.RetryableRemoteError{Reason: "503"}, true)
	require.NoError(t, err)
	attempt(t, s, b)
	attempt(t, s, c)
	_, err = s.MarkFailed(ctx, c, &mutation.PermanentRemoteError{Reason: "422"}, false)
	require.NoError(t, err)
	_, _, err = s.InsertMapping(ctx, ref(mutation.EntityForm, 1), "F-1")
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, InFlight: 1, DeadLettered: 1, Due: 0, Mappings: 1}, stats)

	wake, err = s.NextWakeup(ctx)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Second), wake)
}

func TestNextAttemptAfter_SkipsRecordsAlreadyDue(t *testing.T) {
	s, clock := createTestStoreWithClock(t)
	ctx := context.Background()

	next, err := s.NextAttemptAfter(ctx, clock.Now())
	require.NoError(t, err)
	assert.True(t, next.IsZero())

	a := appendDraft(t, s, createDraft(ref(mutation.EntityReport, 1), "a"))
	appendDraft(t, s, mutation.Draft{Entity: ref(mutation.EntityReport, 1), Action: mutation.ActionUpdate, Payload: payload.Object{}})
	attempt(t, s, a)
	_, err = s.MarkFailed(ctx, a, &mutation.RetryableRemoteError{Reason: "503"}, true)
	require.NoError(t, err)

	// The update queued behind the create is due now; only the retry lies ahead.
	wake, err := s.NextWakeup(ctx)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), wake)

	next, err = s.NextAttemptAfter(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Second), next)

	clock.Advance(time.Second)
	next, err = s.NextAttemptAfter(ctx, clock.Now())
	require.NoError(t, err)
	assert.True(t, next.IsZero())
}
