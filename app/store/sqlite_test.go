package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
		require.NoError(t, err)
		assert.NotNil(t, st)
		require.NoError(t, st.Close())
	})

	t.Run("invalid path", func(t *testing.T) {
		st, err := NewSQLiteStore("/invalid/path/that/does/not/exist/queue.db")
		assert.Error(t, err)
		assert.Nil(t, st)
	})
}

func TestSQLiteStore_SchemaCreated(t *testing.T) {
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer st.Close()

	var count int
	err = st.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='jobs'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var ddl string
	err = st.db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name='jobs'").Scan(&ddl)
	require.NoError(t, err)
	assert.Contains(t, ddl, "AUTOINCREMENT")
}

func TestSQLiteStore_WALMode(t *testing.T) {
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer st.Close()

	var mode string
	err = st.db.QueryRow("PRAGMA journal_mode").Scan(&mode)
	require.NoError(t, err)
	assert.Equal(t, "wal", mode)
}

func TestSQLiteStore_NullUpdatedAt(t *testing.T) {
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	id, err := st.Submit(ctx)
	require.NoError(t, err)

	// stored as NULL, not as an empty string
	var count int
	err = st.db.QueryRow("SELECT COUNT(*) FROM jobs WHERE id = ? AND updated_at IS NULL", id).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = st.Claim(ctx)
	require.NoError(t, err)
	err = st.db.QueryRow("SELECT COUNT(*) FROM jobs WHERE id = ? AND updated_at IS NOT NULL", id).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteStore_TwoHandlesSameFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	// two connections to one database, like producer and consumer processes
	producer, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer producer.Close()
	consumer, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer consumer.Close()

	ctx := context.Background()
	const perStore = 10
	var wg sync.WaitGroup
	for _, st := range []*SQLiteStore{producer, consumer} {
		wg.Add(1)
		go func(st *SQLiteStore) {
			defer wg.Done()
			for i := 0; i < perStore; i++ {
				_, err := st.Submit(ctx)
				assert.NoError(t, err)
			}
		}(st)
	}
	wg.Wait()

	jobs, err := consumer.Load(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2*perStore)

	job, err := consumer.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.ID)

	// the claim is visible through the other handle
	got, err := producer.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
}

func TestSQLiteStore_LoadError(t *testing.T) {
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer st.Close()

	_, err = st.db.Exec("DROP TABLE jobs")
	require.NoError(t, err)

	jobs, err := st.Load(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load jobs")
	assert.Nil(t, jobs)
}
