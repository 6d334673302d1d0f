package cluster

import (
	"container/heap"

	"github.com/dreamsxin/crdtstore/codec"
	"github.com/dreamsxin/crdtstore/crdt"
)

// mergeSource implements an R-way K-ordered merge across per-partition
// Sources, resolving same-key collisions with f.Merge (spec.md §4.6's
// "materialize them as an R-way K-ordered merge that feeds records through
// merge on collision"). Each input Source is assumed already K-sorted —
// true of storage.Store.Download, which sorts its snapshot's keys before
// returning.
type mergeSource[K comparable, S any] struct {
	less func(a, b K) bool
	f    crdt.Func[S]
	h    *sourceHeap[K, S]
}

func newMergeSource[K comparable, S any](srcs []Source[K, S], less func(a, b K) bool, f crdt.Func[S]) *mergeSource[K, S] {
	h := &sourceHeap[K, S]{less: less}
	for _, s := range srcs {
		if rec, ok := s.Next(); ok {
			heap.Push(h, sourceItem[K, S]{src: s, rec: rec})
		}
	}
	heap.Init(h)
	return &mergeSource[K, S]{less: less, f: f, h: h}
}

// Next returns the next Record in K order, merging every input record that
// shares the winning key.
func (m *mergeSource[K, S]) Next() (codec.Record[K, S], bool) {
	if m.h.Len() == 0 {
		return codec.Record[K, S]{}, false
	}
	top := heap.Pop(m.h).(sourceItem[K, S])
	acc := top.rec
	m.advance(top.src)

	for m.h.Len() > 0 && !m.less(acc.Key, m.h.peek().rec.Key) && !m.less(m.h.peek().rec.Key, acc.Key) {
		next := heap.Pop(m.h).(sourceItem[K, S])
		acc.State = m.f.Merge(acc.State, next.rec.State)
		if next.rec.Timestamp > acc.Timestamp {
			acc.Timestamp = next.rec.Timestamp
		}
		m.advance(next.src)
	}
	return acc, true
}

func (m *mergeSource[K, S]) advance(src Source[K, S]) {
	if rec, ok := src.Next(); ok {
		heap.Push(m.h, sourceItem[K, S]{src: src, rec: rec})
	}
}

type sourceItem[K any, S any] struct {
	src Source[K, S]
	rec codec.Record[K, S]
}

// sourceHeap is a min-heap over sourceItem by record key, per `less`.
type sourceHeap[K any, S any] struct {
	less func(a, b K) bool
	data []sourceItem[K, S]
}

func (h *sourceHeap[K, S]) Len() int { return len(h.data) }
func (h *sourceHeap[K, S]) Less(i, j int) bool {
	return h.less(h.data[i].rec.Key, h.data[j].rec.Key)
}
func (h *sourceHeap[K, S]) Swap(i, j int) { h.data[i], h.data[j] = h.data[j], h.data[i] }
func (h *sourceHeap[K, S]) Push(x any)    { h.data = append(h.data, x.(sourceItem[K, S])) }
func (h *sourceHeap[K, S]) Pop() any {
	old := h.data
	n := len(old)
	item := old[n-1]
	h.data = old[:n-1]
	return item
}

// indexing helper so Next can peek the heap's current minimum without
// popping.
func (h *sourceHeap[K, S]) peek() sourceItem[K, S] { return h.data[0] }
