package discovery_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/crdtstore/discovery"
)

func TestBoltCheckpointSaveLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discovery.db")
	cp, err := discovery.OpenBoltCheckpoint(path)
	require.NoError(t, err)
	defer cp.Close()

	empty, rev, err := cp.Load()
	require.NoError(t, err)
	assert.Nil(t, empty)
	assert.Equal(t, discovery.Revision(0), rev)

	scheme := discovery.Scheme{Current: map[string]string{"p0": "addr0", "p1": "addr1"}}
	require.NoError(t, cp.Save(scheme, 7))

	got, gotRev, err := cp.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, scheme, *got)
	assert.Equal(t, discovery.Revision(7), gotRev)
}

func TestBoltCheckpointSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discovery.db")
	cp, err := discovery.OpenBoltCheckpoint(path)
	require.NoError(t, err)
	scheme := discovery.Scheme{Current: map[string]string{"p0": "addr0"}}
	require.NoError(t, cp.Save(scheme, 3))
	require.NoError(t, cp.Close())

	reopened, err := discovery.OpenBoltCheckpoint(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, rev, err := reopened.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, scheme, *got)
	assert.Equal(t, discovery.Revision(3), rev)
}

func TestCheckpointingWatcherSeedsPrevFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discovery.db")
	cp, err := discovery.OpenBoltCheckpoint(path)
	require.NoError(t, err)
	defer cp.Close()

	first := discovery.Scheme{Current: map[string]string{"p0": "addr0"}}
	require.NoError(t, cp.Save(first, 1))

	var gotPrev *discovery.Scheme
	inner := watcherFunc(func(ctx context.Context, prev *discovery.Scheme) (discovery.Scheme, discovery.Revision, error) {
		gotPrev = prev
		return discovery.Scheme{Current: map[string]string{"p0": "addr0", "p1": "addr1"}}, 2, nil
	})
	w := &discovery.CheckpointingWatcher{Inner: inner, Checkpoint: cp}

	scheme, rev, err := w.Watch(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, gotPrev, "checkpointed scheme should seed prev when the caller passes nil")
	assert.Equal(t, first, *gotPrev)
	assert.Equal(t, discovery.Revision(2), rev)

	saved, savedRev, err := cp.Load()
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, scheme, *saved)
	assert.Equal(t, discovery.Revision(2), savedRev)
}

type watcherFunc func(ctx context.Context, prev *discovery.Scheme) (discovery.Scheme, discovery.Revision, error)

func (f watcherFunc) Watch(ctx context.Context, prev *discovery.Scheme) (discovery.Scheme, discovery.Revision, error) {
	return f(ctx, prev)
}
