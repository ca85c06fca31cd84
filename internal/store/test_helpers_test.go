package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/casesync/internal/mutation"
	"github.com/roach88/casesync/internal/payload"
	"github.com/roach88/casesync/internal/retry"
	"github.com/roach88/casesync/internal/testutil"
)

// testMaxAttempts is the retry ceiling of stores built by createTestStore.
const testMaxAttempts = 3

// createTestStore creates a store in a temp dir with a fake clock,
// deterministic idempotency keys and jitter-free backoff (1s base, 1m cap).
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, _ := createTestStoreWithClock(t, opts...)
	return s
}

func createTestStoreWithClock(t *testing.T, opts ...Option) (*Store, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	sched, err := retry.NewScheduler(retry.Config{
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		MaxAttempts: testMaxAttempts,
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "test.db")
	all := append([]Option{
		WithClock(clock),
		WithScheduler(sched),
		WithKeyGenerator(mutation.NewSequenceGenerator("idem")),
	}, opts...)
	s, err := Open(path, all...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func ref(t mutation.EntityType, id int64) mutation.EntityRef {
	return mutation.EntityRef{Type: t, LocalID: id}
}

func createDraft(r mutation.EntityRef, title string) mutation.Draft {
	return mutation.Draft{
		Entity:  r,
		Action:  mutation.ActionCreate,
		Payload: payload.Object{"title": payload.String(title)},
	}
}

// appendDraft appends d in its own transaction.
func appendDraft(t *testing.T, s *Store, d mutation.Draft) int64 {
	t.Helper()
	var id int64
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		var err error
		id, err = tx.Append(context.Background(), d)
		return err
	})
	require.NoError(t, err)
	return id
}

// attempt moves a due record to InFlight as the worker would.
func attempt(t *testing.T, s *Store, id int64) {
	t.Helper()
	require.NoError(t, s.MarkInFlight(context.Background(), id))
}

func batchIDs(recs []mutation.Record) []int64 {
	ids := make([]int64, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}
