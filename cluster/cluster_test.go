package cluster_test

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	crdtstore "github.com/dreamsxin/crdtstore"
	"github.com/dreamsxin/crdtstore/cluster"
	"github.com/dreamsxin/crdtstore/codec"
	"github.com/dreamsxin/crdtstore/crdt"
	"github.com/dreamsxin/crdtstore/shard"
)

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// memStorage is an in-memory stand-in for a partition's storage.Store,
// usable as a fake transport peer without pulling in package storage or a
// real network.
type memStorage struct {
	dead  bool
	data  map[int]crdt.LWW[int]
}

func newMemStorage() *memStorage { return &memStorage{data: make(map[int]crdt.LWW[int])} }

func (m *memStorage) Upload() cluster.UploadSink[int, crdt.LWW[int]] {
	return &memSink{m: m}
}

func (m *memStorage) Download(ts *int64) cluster.Source[int, crdt.LWW[int]] {
	var recs []codec.Record[int, crdt.LWW[int]]
	for k, v := range m.data {
		recs = append(recs, codec.Record[int, crdt.LWW[int]]{Key: k, State: v})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
	return &sliceSource{recs: recs}
}

func (m *memStorage) Remove(ts int64) cluster.KeySink[int] { return &memRemoveSink{m: m, ts: ts} }

type memSink struct {
	m *memStorage
}

func (s *memSink) Put(rec codec.Record[int, crdt.LWW[int]]) error {
	if s.m.dead {
		return errors.New("memStorage: killed")
	}
	merge := crdt.LWWFunc(maxInt)
	if existing, ok := s.m.data[rec.Key]; ok {
		s.m.data[rec.Key] = merge.Merge(existing, rec.State)
	} else {
		s.m.data[rec.Key] = rec.State
	}
	return nil
}

func (s *memSink) Close() error {
	if s.m.dead {
		return errors.New("memStorage: killed")
	}
	return nil
}

type memRemoveSink struct {
	m  *memStorage
	ts int64
}

func (s *memRemoveSink) Put(key int) error {
	if s.m.dead {
		return errors.New("memStorage: killed")
	}
	return nil
}
func (s *memRemoveSink) Close() error {
	if s.m.dead {
		return errors.New("memStorage: killed")
	}
	return nil
}

type sliceSource struct {
	recs []codec.Record[int, crdt.LWW[int]]
	i    int
}

func (s *sliceSource) Next() (codec.Record[int, crdt.LWW[int]], bool) {
	if s.i >= len(s.recs) {
		return codec.Record[int, crdt.LWW[int]]{}, false
	}
	r := s.recs[s.i]
	s.i++
	return r, true
}

func newTestCluster(t *testing.T, partitions map[string]*memStorage, r, w int) *cluster.ClusterStore[int, crdt.LWW[int]] {
	t.Helper()
	ids := make([]string, 0, len(partitions))
	storages := make(map[string]cluster.PartitionStorage[int, crdt.LWW[int]], len(partitions))
	for id, m := range partitions {
		ids = append(ids, id)
		storages[id] = m
	}
	cs, err := cluster.New(cluster.Config[int, crdt.LWW[int]]{
		Partitions: storages,
		Sharder:    shard.New(ids),
		R:          r,
		W:          w,
		KeyString:  func(k int) string { return fmt.Sprintf("%d", k) },
		Merge:      crdt.LWWFunc(maxInt),
		Less:       func(a, b int) bool { return a < b },
	})
	require.NoError(t, err)
	return cs
}

func TestQuorumHelpers(t *testing.T) {
	assert.Equal(t, 3, cluster.QuorumStrict(3))
	assert.Equal(t, 2, cluster.QuorumMajority(3))
	assert.Equal(t, 3, cluster.QuorumMajority(4))
}

// TestQuorumWriteTwoOfThree is scenario 5 from spec.md §8 (first half): R=3,
// W=2; with one of three peers already dead when the upload starts, the
// upload still reaches quorum.
func TestQuorumWriteTwoOfThree(t *testing.T) {
	partitions := map[string]*memStorage{"p0": newMemStorage(), "p1": newMemStorage(), "p2": newMemStorage()}
	cs := newTestCluster(t, partitions, 3, 2)

	partitions["p0"].dead = true

	sink := cs.Upload()
	require.NoError(t, sink.Put(codec.Record[int, crdt.LWW[int]]{Key: 1, State: crdt.LWW[int]{Value: 7, TS: 1}}))
	err := sink.Close()
	assert.NoError(t, err, "losing 1 of 3 replicas should still reach a W=2 quorum")
}

// TestQuorumWriteFailsBelowQuorum is scenario 5's second half: killing a
// second peer drops acks below W and the upload fails with ErrExhausted,
// naming the dead partitions.
func TestQuorumWriteFailsBelowQuorum(t *testing.T) {
	partitions := map[string]*memStorage{"p0": newMemStorage(), "p1": newMemStorage(), "p2": newMemStorage()}
	cs := newTestCluster(t, partitions, 3, 2)

	partitions["p0"].dead = true
	partitions["p1"].dead = true

	sink := cs.Upload()
	require.NoError(t, sink.Put(codec.Record[int, crdt.LWW[int]]{Key: 1, State: crdt.LWW[int]{Value: 7, TS: 1}}))
	err := sink.Close()
	require.Error(t, err)
	assert.True(t, errors.Is(err, crdtstore.ErrExhausted))

	var partErr *crdtstore.PartitionErrors
	require.True(t, errors.As(err, &partErr))
	assert.Len(t, partErr.Attempt, 2, "both dead partitions should be named in the exhausted error")
}

func TestDownloadMergesAcrossPartitions(t *testing.T) {
	p0 := newMemStorage()
	p1 := newMemStorage()
	p0.data[1] = crdt.LWW[int]{Value: 1, TS: 1}
	p1.data[1] = crdt.LWW[int]{Value: 2, TS: 2}
	p1.data[2] = crdt.LWW[int]{Value: 5, TS: 1}

	cs := newTestCluster(t, map[string]*memStorage{"p0": p0, "p1": p1}, 2, 2)

	src, err := cs.Download(nil)
	require.NoError(t, err)

	seen := map[int]crdt.LWW[int]{}
	for {
		rec, ok := src.Next()
		if !ok {
			break
		}
		seen[rec.Key] = rec.State
	}

	assert.Equal(t, crdt.LWW[int]{Value: 2, TS: 2}, seen[1], "key 1 should merge to the larger-timestamp register")
	assert.Equal(t, crdt.LWW[int]{Value: 5, TS: 1}, seen[2])
}
