package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// common surface of both backends, the whole suite runs against each
type queueStore interface {
	Submit(ctx context.Context) (int, error)
	Claim(ctx context.Context) (*Job, error)
	Complete(ctx context.Context, id int) error
	Fail(ctx context.Context, id int) error
	Requeue(ctx context.Context, id int) error
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)
	Load(ctx context.Context) ([]Job, error)
	Get(ctx context.Context, id int) (Job, error)
	Close() error
}

func testStores() map[string]func(t *testing.T) queueStore {
	return map[string]func(t *testing.T) queueStore{
		"file": func(t *testing.T) queueStore {
			st := NewFileStore(filepath.Join(t.TempDir(), "queue.csv"))
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
		"sqlite": func(t *testing.T) queueStore {
			st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func TestStore_SubmitAssignsSequentialIDs(t *testing.T) {
	for name, maker := range testStores() {
		t.Run(name, func(t *testing.T) {
			st := maker(t)
			ctx := context.Background()

			for i := 1; i <= 3; i++ {
				id, err := st.Submit(ctx)
				require.NoError(t, err)
				assert.Equal(t, i, id)
			}

			jobs, err := st.Load(ctx)
			require.NoError(t, err)
			require.Len(t, jobs, 3)
			for i, job := range jobs {
				assert.Equal(t, i+1, job.ID)
				assert.Equal(t, StatusPending, job.Status)
				assert.NotEmpty(t, job.CreatedAt)
				assert.Empty(t, job.UpdatedAt, "updated_at must stay empty until the first transition")
				_, err := time.Parse(time.RFC3339Nano, job.CreatedAt)
				assert.NoError(t, err)
			}
		})
	}
}

func TestStore_JobLifecycle(t *testing.T) {
	for name, maker := range testStores() {
		t.Run(name, func(t *testing.T) {
			st := maker(t)
			ctx := context.Background()

			id, err := st.Submit(ctx)
			require.NoError(t, err)

			claimed, err := st.Claim(ctx)
			require.NoError(t, err)
			require.NotNil(t, claimed)
			assert.Equal(t, id, claimed.ID)
			assert.Equal(t, StatusInProgress, claimed.Status)
			assert.NotEmpty(t, claimed.UpdatedAt)

			got, err := st.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StatusInProgress, got.Status)

			require.NoError(t, st.Complete(ctx, id))
			got, err = st.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StatusDone, got.Status)
			assert.GreaterOrEqual(t, got.UpdatedAt, claimed.UpdatedAt)

			// done job is gone from the pending pool
			next, err := st.Claim(ctx)
			require.NoError(t, err)
			assert.Nil(t, next)
		})
	}
}

func TestStore_ClaimEmptyQueue(t *testing.T) {
	for name, maker := range testStores() {
		t.Run(name, func(t *testing.T) {
			st := maker(t)
			ctx := context.Background()

			job, err := st.Claim(ctx)
			require.NoError(t, err)
			assert.Nil(t, job, "empty queue must claim nothing, not fail")

			jobs, err := st.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, jobs)
		})
	}
}

func TestStore_ClaimsOldestFirst(t *testing.T) {
	for name, maker := range testStores() {
		t.Run(name, func(t *testing.T) {
			st := maker(t)
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				_, err := st.Submit(ctx)
				require.NoError(t, err)
			}

			for want := 1; want <= 5; want++ {
				job, err := st.Claim(ctx)
				require.NoError(t, err)
				require.NotNil(t, job)
				assert.Equal(t, want, job.ID, "jobs must drain in submission order")
				require.NoError(t, st.Complete(ctx, job.ID))
			}

			job, err := st.Claim(ctx)
			require.NoError(t, err)
			assert.Nil(t, job)
		})
	}
}

func TestStore_TransitionGuards(t *testing.T) {
	for name, maker := range testStores() {
		t.Run(name, func(t *testing.T) {
			st := maker(t)
			ctx := context.Background()

			id, err := st.Submit(ctx)
			require.NoError(t, err)

			// pending can't be completed, failed or requeued
			assert.ErrorIs(t, st.Complete(ctx, id), ErrInvalidTransition)
			assert.ErrorIs(t, st.Fail(ctx, id), ErrInvalidTransition)
			assert.ErrorIs(t, st.Requeue(ctx, id), ErrInvalidTransition)

			_, err = st.Claim(ctx)
			require.NoError(t, err)
			require.NoError(t, st.Complete(ctx, id))

			// done is terminal
			assert.ErrorIs(t, st.Complete(ctx, id), ErrInvalidTransition)
			assert.ErrorIs(t, st.Requeue(ctx, id), ErrInvalidTransition)

			// unknown ids
			assert.ErrorIs(t, st.Complete(ctx, 9999), ErrNotFound)
			_, err = st.Get(ctx, 9999)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ConcurrentClaims(t *testing.T) {
	for name, maker := range testStores() {
		t.Run(name, func(t *testing.T) {
			st := maker(t)
			ctx := context.Background()

			const total = 20
			for i := 0; i < total; i++ {
				_, err := st.Submit(ctx)
				require.NoError(t, err)
			}

			var mu sync.Mutex
			var claimed []int
			var wg sync.WaitGroup
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						job, err := st.Claim(ctx)
						if !assert.NoError(t, err) {
							return
						}
						if job == nil {
							return
						}
						mu.Lock()
						claimed = append(claimed, job.ID)
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			require.Len(t, claimed, total)
			seen := map[int]bool{}
			for _, id := range claimed {
				assert.False(t, seen[id], "job %d claimed more than once", id)
				seen[id] = true
			}
		})
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	prepare := func(t *testing.T, st queueStore) []Job {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := st.Submit(ctx)
			require.NoError(t, err)
		}
		job, err := st.Claim(ctx)
		require.NoError(t, err)
		require.NoError(t, st.Complete(ctx, job.ID))
		_, err = st.Claim(ctx) // leave one in_progress
		require.NoError(t, err)

		jobs, err := st.Load(ctx)
		require.NoError(t, err)
		require.NoError(t, st.Close())
		return jobs
	}

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queue.csv")
		before := prepare(t, NewFileStore(path))

		st := NewFileStore(path)
		defer st.Close()
		after, err := st.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queue.db")
		st, err := NewSQLiteStore(path)
		require.NoError(t, err)
		before := prepare(t, st)

		reopened, err := NewSQLiteStore(path)
		require.NoError(t, err)
		defer reopened.Close()
		after, err := reopened.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}

func TestStore_FailAndRequeue(t *testing.T) {
	for name, maker := range testStores() {
		t.Run(name, func(t *testing.T) {
			st := maker(t)
			ctx := context.Background()

			id, err := st.Submit(ctx)
			require.NoError(t, err)
			_, err = st.Claim(ctx)
			require.NoError(t, err)

			require.NoError(t, st.Fail(ctx, id))
			got, err := st.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, got.Status)

			// failed job is out of the queue for good
			job, err := st.Claim(ctx)
			require.NoError(t, err)
			assert.Nil(t, job)

			// requeued job becomes claimable again
			id2, err := st.Submit(ctx)
			require.NoError(t, err)
			_, err = st.Claim(ctx)
			require.NoError(t, err)
			require.NoError(t, st.Requeue(ctx, id2))

			job, err = st.Claim(ctx)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, id2, job.ID)
		})
	}
}

func TestStore_ReclaimStale(t *testing.T) {
	for name, maker := range testStores() {
		t.Run(name, func(t *testing.T) {
			st := maker(t)
			ctx := context.Background()

			// first job claimed long enough ago to go stale
			stale, err := st.Submit(ctx)
			require.NoError(t, err)
			_, err = st.Claim(ctx)
			require.NoError(t, err)
			time.Sleep(200 * time.Millisecond)

			// second job claimed just now, stays put
			fresh, err := st.Submit(ctx)
			require.NoError(t, err)
			_, err = st.Claim(ctx)
			require.NoError(t, err)

			n, err := st.ReclaimStale(ctx, 100*time.Millisecond)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err := st.Get(ctx, stale)
			require.NoError(t, err)
			assert.Equal(t, StatusPending, got.Status)
			got, err = st.Get(ctx, fresh)
			require.NoError(t, err)
			assert.Equal(t, StatusInProgress, got.Status)

			// nothing is old enough on the second pass
			n, err = st.ReclaimStale(ctx, time.Hour)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestCanTransition(t *testing.T) {
	tbl := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusInProgress, StatusDone, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusPending, true},
		{StatusPending, StatusDone, false},
		{StatusDone, StatusPending, false},
		{StatusDone, StatusInProgress, false},
		{StatusFailed, StatusPending, false},
		{StatusPending, StatusPending, false},
	}
	for _, tt := range tbl {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"pending", "in_progress", "done", "failed"} {
		got, err := ParseStatus(s)
		require.NoError(t, err)
		assert.Equal(t, Status(s), got)
	}
	_, err := ParseStatus("blah")
	assert.Error(t, err)
}
