package transport_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/crdtstore/codec"
	"github.com/dreamsxin/crdtstore/crdt"
	"github.com/dreamsxin/crdtstore/transport"
)

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// lwwCodec is a fixed binary-layout codec for Record[int, crdt.LWW[int]],
// in the style of wal's test intSetCodec.
type lwwCodec struct{}

func (lwwCodec) Encode(rec codec.Record[int, crdt.LWW[int]]) ([]byte, error) {
	var buf [33]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(rec.Key))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(rec.Timestamp))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(rec.State.Value))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(rec.State.TS))
	if rec.State.Tombstone {
		buf[32] = 1
	}
	return buf[:], nil
}

func (lwwCodec) Decode(data []byte) (codec.Record[int, crdt.LWW[int]], error) {
	var rec codec.Record[int, crdt.LWW[int]]
	if len(data) < 33 {
		return rec, codec.ErrMalformed
	}
	rec.Key = int(binary.LittleEndian.Uint64(data[0:8]))
	rec.Timestamp = int64(binary.LittleEndian.Uint64(data[8:16]))
	rec.State.Value = int(binary.LittleEndian.Uint64(data[16:24]))
	rec.State.TS = int64(binary.LittleEndian.Uint64(data[24:32]))
	rec.State.Tombstone = data[32] == 1
	return rec, nil
}

type intKeyCodec struct{}

func (intKeyCodec) EncodeKey(k int) ([]byte, error) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(k))
	return b[:], nil
}

func (intKeyCodec) DecodeKey(data []byte) (int, error) {
	if len(data) < 8 {
		return 0, codec.ErrMalformed
	}
	return int(binary.LittleEndian.Uint64(data)), nil
}

// memStore is a minimal transport.LocalStorage[int, crdt.LWW[int]] the
// test server dispatches into.
type memStore struct {
	data map[int]crdt.LWW[int]
}

func newMemStore() *memStore { return &memStore{data: make(map[int]crdt.LWW[int])} }

func (m *memStore) Upload() transport.LocalUploadSink[int, crdt.LWW[int]] {
	return &memUploadSink{m: m, pending: make(map[int]crdt.LWW[int])}
}

func (m *memStore) Download(ts *int64) transport.LocalSource[int, crdt.LWW[int]] {
	var recs []codec.Record[int, crdt.LWW[int]]
	for k, v := range m.data {
		recs = append(recs, codec.Record[int, crdt.LWW[int]]{Key: k, State: v, Timestamp: v.TS})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
	return &sliceSource{recs: recs}
}

func (m *memStore) Remove(ts int64) transport.LocalKeySink[int] {
	return &memRemoveSink{m: m, cutoff: ts}
}

type memUploadSink struct {
	m       *memStore
	pending map[int]crdt.LWW[int]
}

func (s *memUploadSink) Put(rec codec.Record[int, crdt.LWW[int]]) error {
	merge := crdt.LWWFunc(maxInt)
	if existing, ok := s.pending[rec.Key]; ok {
		s.pending[rec.Key] = merge.Merge(existing, rec.State)
	} else {
		s.pending[rec.Key] = rec.State
	}
	return nil
}

func (s *memUploadSink) Close() error {
	merge := crdt.LWWFunc(maxInt)
	for k, v := range s.pending {
		if existing, ok := s.m.data[k]; ok {
			s.m.data[k] = merge.Merge(existing, v)
		} else {
			s.m.data[k] = v
		}
	}
	return nil
}

type memRemoveSink struct {
	m      *memStore
	cutoff int64
	keys   []int
}

func (s *memRemoveSink) Put(k int) error {
	s.keys = append(s.keys, k)
	return nil
}

func (s *memRemoveSink) Close() error {
	for _, k := range s.keys {
		delete(s.m.data, k)
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

func startServer(t *testing.T, local *memStore) (*transport.Server[int, crdt.LWW[int]], string) {
	t.Helper()
	srv := transport.NewServer[int, crdt.LWW[int]](
		transport.ServerConfig{Addr: "127.0.0.1:0", ReadWriteTimeout: 5 * time.Second},
		local, lwwCodec{}, intKeyCodec{},
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	var addr string
	require.Eventually(t, func() bool {
		a := srv.Addr()
		if a == nil {
			return false
		}
		addr = a.String()
		return true
	}, time.Second, time.Millisecond)

	t.Cleanup(func() {
		cancel()
		srv.Stop()
		<-done
	})
	return srv, addr
}

func TestUploadThenDownloadRoundTrips(t *testing.T) {
	store := newMemStore()
	_, addr := startServer(t, store)

	client := transport.NewClient[int, crdt.LWW[int]](
		transport.ClientConfig{Addr: addr, RequestTimeout: 5 * time.Second},
		lwwCodec{}, intKeyCodec{},
	)
	defer client.Close(context.Background())

	sink := client.Upload()
	require.NoError(t, sink.Put(codec.Record[int, crdt.LWW[int]]{Key: 1, State: crdt.LWW[int]{Value: 5, TS: 1}}))
	require.NoError(t, sink.Put(codec.Record[int, crdt.LWW[int]]{Key: 2, State: crdt.LWW[int]{Value: 9, TS: 1}}))
	require.NoError(t, sink.Close())

	src := client.Download(nil)
	var got []codec.Record[int, crdt.LWW[int]]
	for {
		rec, ok := src.Next()
		if !ok {
			break
		}
		got = append(got, rec)
	}
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Key)
	assert.Equal(t, 5, got[0].State.Value)
	assert.Equal(t, 2, got[1].Key)
	assert.Equal(t, 9, got[1].State.Value)
}

func TestRemoveDropsKeys(t *testing.T) {
	store := newMemStore()
	store.data[1] = crdt.LWW[int]{Value: 1, TS: 1}
	store.data[2] = crdt.LWW[int]{Value: 2, TS: 1}
	_, addr := startServer(t, store)

	client := transport.NewClient[int, crdt.LWW[int]](
		transport.ClientConfig{Addr: addr, RequestTimeout: 5 * time.Second},
		lwwCodec{}, intKeyCodec{},
	)
	defer client.Close(context.Background())

	sink := client.Remove(100)
	require.NoError(t, sink.Put(1))
	require.NoError(t, sink.Close())

	src := client.Download(nil)
	var got []codec.Record[int, crdt.LWW[int]]
	for {
		rec, ok := src.Next()
		if !ok {
			break
		}
		got = append(got, rec)
	}
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Key)
}

func TestClientReusesPooledConnection(t *testing.T) {
	store := newMemStore()
	_, addr := startServer(t, store)

	client := transport.NewClient[int, crdt.LWW[int]](
		transport.ClientConfig{Addr: addr, RequestTimeout: 5 * time.Second},
		lwwCodec{}, intKeyCodec{},
	)
	defer client.Close(context.Background())

	for i := 0; i < 3; i++ {
		sink := client.Upload()
		require.NoError(t, sink.Put(codec.Record[int, crdt.LWW[int]]{Key: i, State: crdt.LWW[int]{Value: i, TS: int64(i)}}))
		require.NoError(t, sink.Close())
	}
	assert.Equal(t, 0, client.PoolInUse())
	assert.Equal(t, 1, client.PoolIdle())
}

func TestLWWCodecRejectsEmptyPayload(t *testing.T) {
	// The test codec refuses an empty payload instead of decoding it to a
	// zero-valued record.
	var buf bytes.Buffer
	_, err := lwwCodec{}.Decode(buf.Bytes())
	assert.Error(t, err)
}
