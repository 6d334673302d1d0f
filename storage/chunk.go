package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/dreamsxin/crdtstore/codec"
)

// chunkFileName renders a dense chunk id as the fixed-width decimal file
// name used under a Store's Dir, so a directory listing already sorts
// chunks in id (and therefore write) order.
func chunkFileName(id uint64) string {
	return fmt.Sprintf("%020d.chunk", id)
}

// chunkFiler manages chunk files under one storage root, the on-disk
// counterpart to the in-memory index: each chunk is an immutable, framed
// run of Records (SPEC_FULL.md §4.3's "sorted run of Records on stable
// media"), written once and later superseded by compaction rather than
// mutated in place — the same append-then-supersede shape
// wal/segment.Filer uses for WAL segments, adapted from a mutable
// open-segment/sealed-segment pair to a write-once chunk. It deals only
// in already-encoded payload bytes; the generic Store[K,S] runs each
// Record through its caller-supplied codec.Codec before handing payloads
// here, and decodes payloads read back.
type chunkFiler struct {
	dir    string
	nextID uint64 // next id to allocate; callers hold Store.mu
}

// newChunkFiler scans dir for existing chunk files and seeds the id
// generator one past the highest id found — a dense counter in the style
// of launix-de-memcp/storage/fast_uuid.go's atomic.AddUint64 counter,
// producing plain dense integers instead of that file's UUID bytes per
// spec.md §6's "chunk ids are dense integers".
func newChunkFiler(dir string) (*chunkFiler, []uint64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("storage: create chunk dir %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: list chunk dir %s: %w", dir, err)
	}
	var ids []uint64
	var maxID uint64
	seenAny := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".chunk"
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		id, perr := strconv.ParseUint(name[:len(name)-len(suffix)], 10, 64)
		if perr != nil {
			continue
		}
		ids = append(ids, id)
		if !seenAny || id > maxID {
			maxID = id
			seenAny = true
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	next := uint64(0)
	if seenAny {
		next = maxID + 1
	}
	return &chunkFiler{dir: dir, nextID: next}, ids, nil
}

// allocID returns the next dense chunk id. Callers must hold Store.mu,
// the same single-writer lock that serializes chunk file creation, so no
// additional synchronization is needed here.
func (f *chunkFiler) allocID() uint64 {
	id := f.nextID
	f.nextID++
	return id
}

// write frames payloads (each already produced by the caller's
// codec.Codec.Encode) into one new chunk file for id, using the same
// uvarint frame format (terminated by the zero-length end-of-stream
// sentinel) wal/segment uses for WAL segments, so both on-disk formats
// share one framing implementation (codec.FrameWriter/FrameReader).
func (f *chunkFiler) write(id uint64, payloads [][]byte) error {
	path := filepath.Join(f.dir, chunkFileName(id))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("storage: create chunk %s: %w", path, err)
	}
	defer file.Close()

	fw := codec.NewFrameWriter(file)
	for _, payload := range payloads {
		if err := fw.WriteFrame(payload); err != nil {
			return fmt.Errorf("storage: write chunk frame: %w", err)
		}
	}
	if err := fw.WriteEndOfStream(); err != nil {
		return fmt.Errorf("storage: write chunk sentinel: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("storage: fsync chunk %s: %w", path, err)
	}
	return nil
}

// read returns every payload out of chunk id, in file order, undecoded.
func (f *chunkFiler) read(id uint64) ([][]byte, error) {
	path := filepath.Join(f.dir, chunkFileName(id))
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storage: open chunk %s: %w", path, err)
	}
	defer file.Close()

	fr := codec.NewFrameReader(file)
	var out [][]byte
	err = fr.ReadAll(func(payload []byte) error {
		out = append(out, append([]byte(nil), payload...))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: read chunk %s: %w", path, err)
	}
	return out, nil
}

// remove deletes a chunk file. Missing files are not an error: compaction
// may race a process restart that already cleaned up.
func (f *chunkFiler) remove(id uint64) error {
	path := filepath.Join(f.dir, chunkFileName(id))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove chunk %s: %w", path, err)
	}
	return nil
}
