// Package types holds the value types and sentinel errors shared between
// the wal and wal/segment packages, mirroring the split the teacher
// (github.com/dreamsxin/wal, a retrieved slice of HashiCorp's raft-wal)
// uses to keep its segment-file abstraction independent of the WAL's
// in-memory bookkeeping.
package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors, matching the teacher's types.ErrNotFound / ErrCorrupt /
// ErrSealed / ErrClosed split.
var (
	ErrNotFound = errors.New("wal: segment not found")
	ErrCorrupt  = errors.New("wal: segment is corrupt")
	ErrSealed   = errors.New("wal: segment is sealed")
	ErrClosed   = errors.New("wal: wal is closed")
)

const (
	openSuffix   = ".wal"
	sealedSuffix = ".wal.final"
)

// SegmentInfo describes one WAL segment file, named "<node-id>_<sequence>"
// on disk per spec.md §6. A zero SealTime means the segment is still open
// (the one currently being appended to).
type SegmentInfo struct {
	NodeID     string
	Sequence   uint64
	SizeLimit  int64
	CreateTime time.Time
	SealTime   time.Time
}

// Sealed reports whether this segment has been sealed (renamed to its
// terminal suffix and made immutable).
func (si SegmentInfo) Sealed() bool {
	return !si.SealTime.IsZero()
}

// FileName returns the on-disk file name for this segment in its current
// state (open or sealed).
func (si SegmentInfo) FileName() string {
	base := fmt.Sprintf("%s_%d", si.NodeID, si.Sequence)
	if si.Sealed() {
		return base + sealedSuffix
	}
	return base + openSuffix
}

// WithSealed builds a copy of si as a sealed segment, sealed at t.
func (si SegmentInfo) WithSealed(t time.Time) SegmentInfo {
	si.SealTime = t
	return si
}

// ParseSegmentFileName recognizes "<node-id>_<sequence>.wal" and
// "<node-id>_<sequence>.wal.final" names, returning the parsed SegmentInfo
// (SealTime set to a non-zero sentinel for sealed files; callers that need
// the exact seal time fall back to the file's mtime) and false if name does
// not match the expected shape.
func ParseSegmentFileName(name string) (SegmentInfo, bool) {
	sealed := false
	base := name
	switch {
	case strings.HasSuffix(name, sealedSuffix):
		base = strings.TrimSuffix(name, sealedSuffix)
		sealed = true
	case strings.HasSuffix(name, openSuffix):
		base = strings.TrimSuffix(name, openSuffix)
	default:
		return SegmentInfo{}, false
	}

	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return SegmentInfo{}, false
	}
	nodeID := base[:idx]
	seqStr := base[idx+1:]
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return SegmentInfo{}, false
	}

	si := SegmentInfo{NodeID: nodeID, Sequence: seq}
	if sealed {
		si.SealTime = time.Unix(1, 0) // non-zero sentinel; refined from file mtime by the filer
	}
	return si, true
}
