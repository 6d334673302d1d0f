package storage_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/crdtstore/codec"
	"github.com/dreamsxin/crdtstore/crdt"
	"github.com/dreamsxin/crdtstore/storage"
)

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func newIntStore(t *testing.T) *storage.Store[int, crdt.LWW[int]] {
	t.Helper()
	st, err := storage.New(storage.Config[int, crdt.LWW[int]]{
		Less:  func(a, b int) bool { return a < b },
		Merge: crdt.LWWFunc(maxInt),
		Tombstone: func(ts int64) crdt.LWW[int] {
			return crdt.LWW[int]{TS: ts, Tombstone: true}
		},
	})
	require.NoError(t, err)
	return st
}

func collectKeys(src storage.Source[int, crdt.LWW[int]]) []int {
	var out []int
	for {
		rec, ok := src.Next()
		if !ok {
			break
		}
		out = append(out, rec.Key)
	}
	return out
}

func TestUploadIsAtomicAndMergesPerKey(t *testing.T) {
	st := newIntStore(t)

	sink := st.Upload()
	require.NoError(t, sink.Put(codec.Record[int, crdt.LWW[int]]{Key: 1, State: crdt.LWW[int]{Value: 5, TS: 1}}))
	require.NoError(t, sink.Put(codec.Record[int, crdt.LWW[int]]{Key: 1, State: crdt.LWW[int]{Value: 9, TS: 1}}))
	require.NoError(t, sink.Put(codec.Record[int, crdt.LWW[int]]{Key: 2, State: crdt.LWW[int]{Value: 1, TS: 1}}))

	// Not yet visible: Close has not been called.
	assert.Equal(t, 0, st.Size())

	require.NoError(t, sink.Close())
	assert.Equal(t, 2, st.Size())

	src := st.Download(nil)
	keys := collectKeys(src)
	sort.Ints(keys)
	assert.Equal(t, []int{1, 2}, keys)
}

func TestDownloadSnapshotIsFixedAtCallTime(t *testing.T) {
	st := newIntStore(t)

	sink := st.Upload()
	require.NoError(t, sink.Put(codec.Record[int, crdt.LWW[int]]{Key: 1, State: crdt.LWW[int]{Value: 1, TS: 1}}))
	require.NoError(t, sink.Close())

	src := st.Download(nil)

	sink2 := st.Upload()
	require.NoError(t, sink2.Put(codec.Record[int, crdt.LWW[int]]{Key: 2, State: crdt.LWW[int]{Value: 2, TS: 2}}))
	require.NoError(t, sink2.Close())

	keys := collectKeys(src)
	assert.Equal(t, []int{1}, keys, "a Source returned before a later Upload must not observe it")
}

func TestDownloadOrdersByKey(t *testing.T) {
	st := newIntStore(t)

	sink := st.Upload()
	for _, k := range []int{5, 1, 3, 2, 4} {
		require.NoError(t, sink.Put(codec.Record[int, crdt.LWW[int]]{Key: k, State: crdt.LWW[int]{Value: k, TS: int64(k)}}))
	}
	require.NoError(t, sink.Close())

	assert.Equal(t, []int{1, 2, 3, 4, 5}, collectKeys(st.Download(nil)))
}

func TestRemoveTombstonesBelowCutoffAreHidden(t *testing.T) {
	st := newIntStore(t)

	sink := st.Upload()
	require.NoError(t, sink.Put(codec.Record[int, crdt.LWW[int]]{Key: 1, State: crdt.LWW[int]{Value: 1, TS: 1}}))
	require.NoError(t, sink.Close())

	rm := st.Remove(10)
	require.NoError(t, rm.Put(1))
	require.NoError(t, rm.Close())

	// At a cutoff after the tombstone's TS, the key must not extract.
	src := st.Download(int64Ptr(20))
	rec, ok := src.Next()
	if ok {
		t.Fatalf("expected key 1 to be tombstoned away, got %+v", rec)
	}

	// At a cutoff before the tombstone's TS, the key is still visible (the
	// deletion hasn't taken effect yet).
	src2 := st.Download(int64Ptr(5))
	_, ok2 := src2.Next()
	assert.True(t, ok2, "tombstone with TS in the future of the cutoff should still be visible")
}

func int64Ptr(v int64) *int64 { return &v }
