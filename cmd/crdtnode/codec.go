package main

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dreamsxin/crdtstore/codec"
	"github.com/dreamsxin/crdtstore/crdt"
)

// blobCodec encodes Record[string, crdt.LWW[[]byte]] as a flat binary
// layout (key length, key, timestamp, register TS, tombstone flag, value
// length, value), in the style of wal's test intSetCodec — this is the
// one caller-supplied Codec the process host needs since the library
// itself never assumes a concrete K/S (spec.md §9's codec-trait
// redesign). It also satisfies codec.KeyCodec[string] for the remove
// path, encoding just the key.
type blobCodec struct{}

func (blobCodec) Encode(rec codec.Record[string, crdt.LWW[[]byte]]) ([]byte, error) {
	key := []byte(rec.Key)
	val := rec.State.Value
	buf := make([]byte, 0, 4+len(key)+8+8+1+4+len(val))

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(key)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, key...)

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(rec.Timestamp))
	buf = append(buf, tsBuf[:]...)
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(rec.State.TS))
	buf = append(buf, tsBuf[:]...)

	if rec.State.Tombstone {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(val)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, val...)
	return buf, nil
}

func (blobCodec) Decode(data []byte) (codec.Record[string, crdt.LWW[[]byte]], error) {
	var rec codec.Record[string, crdt.LWW[[]byte]]
	if len(data) < 4 {
		return rec, fmt.Errorf("%w: blob record header", codec.ErrMalformed)
	}
	keyLen := int(binary.LittleEndian.Uint32(data[0:4]))
	off := 4
	if len(data) < off+keyLen+8+8+1+4 {
		return rec, fmt.Errorf("%w: blob record truncated", codec.ErrMalformed)
	}
	rec.Key = string(data[off : off+keyLen])
	off += keyLen

	rec.Timestamp = int64(binary.LittleEndian.Uint64(data[off : off+8]))
	off += 8
	rec.State.TS = int64(binary.LittleEndian.Uint64(data[off : off+8]))
	off += 8
	rec.State.Tombstone = data[off] == 1
	off++

	valLen := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if len(data) < off+valLen {
		return rec, fmt.Errorf("%w: blob record value truncated", codec.ErrMalformed)
	}
	rec.State.Value = append([]byte(nil), data[off:off+valLen]...)
	return rec, nil
}

func (blobCodec) EncodeKey(key string) ([]byte, error) {
	return []byte(key), nil
}

func (blobCodec) DecodeKey(data []byte) (string, error) {
	return string(data), nil
}

// maxBytes breaks a same-timestamp LWW tie deterministically: the
// lexicographically greater byte slice wins, matching crdt.LWWFunc's
// requirement that the tiebreak be commutative, associative and
// idempotent (byte-slice max satisfies all three).
func maxBytes(a, b []byte) []byte {
	if bytes.Compare(a, b) >= 0 {
		return a
	}
	return b
}

// crdtLWW is the concrete state type this process host stores: an LWW
// register over opaque byte values, the natural choice for a node whose
// wire codec (blobCodec) doesn't otherwise know anything about K or S.
type crdtLWW = crdt.LWW[[]byte]

func lwwMerge() crdt.Func[crdtLWW] {
	return crdt.LWWFunc(maxBytes)
}
