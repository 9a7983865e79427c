package allocator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqilab/beamline/internal/database"
	"github.com/mqilab/beamline/internal/model"
	"github.com/mqilab/beamline/internal/mqierr"
	"github.com/mqilab/beamline/internal/repository"
)

func newTestPool(t *testing.T, acquireTimeout time.Duration, gpus int) *Pool {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "beamline.db"), 5000)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = database.Shutdown(db) })

	var seed []model.Resource
	for i := 0; i < gpus; i++ {
		seed = append(seed, model.Resource{
			ID:            string(rune('a' + i)),
			Name:          "GPU",
			MemoryTotalMB: 24000,
			MemoryFreeMB:  24000,
		})
	}
	repo := repository.NewResourceRepository(db)
	require.NoError(t, repo.Upsert(seed))
	return NewPool(repo, acquireTimeout, 5*time.Millisecond)
}

func TestAcquireReturnsFreeResource(t *testing.T) {
	pool := newTestPool(t, time.Second, 1)

	res, err := pool.Acquire(context.Background(), "c1_b1")
	require.NoError(t, err)
	assert.Equal(t, model.ResourceAllocated, res.Status)
	require.NotNil(t, res.AssignedBeamID)
	assert.Equal(t, "c1_b1", *res.AssignedBeamID)
}

func TestAcquireTimesOutWhenPoolSaturated(t *testing.T) {
	pool := newTestPool(t, 30*time.Millisecond, 1)

	_, err := pool.Acquire(context.Background(), "c1_b1")
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background(), "c1_b2")
	require.Error(t, err)

	var resErr *mqierr.ResourceError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "c1_b2", resErr.BeamID)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	pool := newTestPool(t, 2*time.Second, 1)

	res, err := pool.Acquire(context.Background(), "c1_b1")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = pool.Release(res.ID)
	}()

	got, err := pool.Acquire(context.Background(), "c1_b2")
	require.NoError(t, err)
	assert.Equal(t, res.ID, got.ID)
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	pool := newTestPool(t, time.Minute, 1)

	_, err := pool.Acquire(context.Background(), "c1_b1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, "c1_b2")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
