package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_WritesHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.csv")
	st := NewFileStore(path)
	defer st.Close()
	ctx := context.Background()

	id, err := st.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "id,status,created_at,updated_at", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "1,pending,"), "row: %s", lines[1])
	assert.True(t, strings.HasSuffix(lines[1], ","), "updated_at field must be empty: %s", lines[1])
}

func TestFileStore_MissingFileReadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.csv")
	st := NewFileStore(path)
	defer st.Close()

	jobs, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)

	job, err := st.Claim(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)

	// reads never create the queue file, only the sidecar lock
	assert.NoFileExists(t, path)
	assert.FileExists(t, path+".lock")
}

func TestFileStore_PadsShortRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.csv")
	data := "id,status,created_at,updated_at\n7,pending\n8,pending,2026-01-02T03:04:05Z\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	st := NewFileStore(path)
	defer st.Close()

	jobs, err := st.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, Job{ID: 7, Status: StatusPending}, jobs[0])
	assert.Equal(t, Job{ID: 8, Status: StatusPending, CreatedAt: "2026-01-02T03:04:05Z"}, jobs[1])

	// claiming rewrites the file with all four fields in place
	job, err := st.Claim(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 7, job.ID)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "7,in_progress,,"), "row: %s", lines[1])
}

func TestFileStore_BadIDFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.csv")
	data := "id,status,created_at,updated_at\nabc,pending,,\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	st := NewFileStore(path)
	defer st.Close()

	_, err := st.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse id")
}

func TestFileStore_IDIsCountPlusOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.csv")
	data := "id,status,created_at,updated_at\n1,done,2026-01-01T00:00:00Z,2026-01-01T00:01:00Z\n2,pending,2026-01-01T00:02:00Z,\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	st := NewFileStore(path)
	defer st.Close()

	id, err := st.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, id)
}

func TestFileStore_InstancesShareLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.csv")

	// separate instances hold separate lock fds, like separate processes would
	st1 := NewFileStore(path)
	defer st1.Close()
	st2 := NewFileStore(path)
	defer st2.Close()

	ctx := context.Background()
	const perStore = 10
	var wg sync.WaitGroup
	for _, st := range []*FileStore{st1, st2} {
		wg.Add(1)
		go func(st *FileStore) {
			defer wg.Done()
			for i := 0; i < perStore; i++ {
				_, err := st.Submit(ctx)
				assert.NoError(t, err)
			}
		}(st)
	}
	wg.Wait()

	jobs, err := st1.Load(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2*perStore)
	for i, job := range jobs {
		assert.Equal(t, i+1, job.ID, "ids must be unique and sequential")
	}
}

func TestFileStore_TimestampsRoundTrip(t *testing.T) {
	// sub-second precision timestamps must survive the csv rewrite cycle
	path := filepath.Join(t.TempDir(), "queue.csv")
	st := NewFileStore(path)
	defer st.Close()
	ctx := context.Background()

	_, err := st.Submit(ctx)
	require.NoError(t, err)
	job, err := st.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, st.Complete(ctx, job.ID))

	got, err := st.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.NotEmpty(t, got.CreatedAt)
	assert.NotEmpty(t, got.UpdatedAt)
}
