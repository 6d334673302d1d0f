package discovery

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var checkpointBucket = []byte("discovery")

const (
	checkpointSchemeKey   = "scheme"
	checkpointRevisionKey = "revision"
)

// BoltCheckpoint durably persists the last scheme a Watcher delivered, so a
// restarting process can hand Watch a non-nil prev instead of treating every
// restart as a fresh scheme (spec.md §4.7 leaves "does a restart redeliver
// the current scheme" to the embedder; this is that durable store). It is
// the one place in this package that depends on anything beyond the
// standard library.
type BoltCheckpoint struct {
	db *bbolt.DB
}

// OpenBoltCheckpoint opens (creating if necessary) a single-file bbolt
// database at path for checkpointing scheme revisions.
func OpenBoltCheckpoint(path string) (*BoltCheckpoint, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: open checkpoint db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("discovery: init checkpoint bucket: %w", err)
	}
	return &BoltCheckpoint{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (c *BoltCheckpoint) Close() error {
	return c.db.Close()
}

// Load returns the last-saved scheme and revision, or (nil, 0, nil) if
// nothing has ever been saved.
func (c *BoltCheckpoint) Load() (*Scheme, Revision, error) {
	var scheme *Scheme
	var revision Revision

	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		raw := b.Get([]byte(checkpointSchemeKey))
		if raw == nil {
			return nil
		}
		var s Scheme
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("decode checkpointed scheme: %w", err)
		}
		revBytes := b.Get([]byte(checkpointRevisionKey))
		if len(revBytes) == 8 {
			revision = Revision(binary.BigEndian.Uint64(revBytes))
		}
		scheme = &s
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("discovery: load checkpoint: %w", err)
	}
	return scheme, revision, nil
}

// Save persists scheme and revision in one transaction.
func (c *BoltCheckpoint) Save(scheme Scheme, revision Revision) error {
	raw, err := json.Marshal(scheme)
	if err != nil {
		return fmt.Errorf("discovery: encode scheme: %w", err)
	}
	var revBytes [8]byte
	binary.BigEndian.PutUint64(revBytes[:], uint64(revision))

	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		if err := b.Put([]byte(checkpointSchemeKey), raw); err != nil {
			return err
		}
		return b.Put([]byte(checkpointRevisionKey), revBytes[:])
	})
}

// CheckpointingWatcher wraps an inner Watcher, saving every scheme it
// delivers to a BoltCheckpoint and seeding the very first call's prev from
// whatever was last checkpointed (instead of nil), so a process restart
// resumes from the last delivered scheme rather than redelivering it.
type CheckpointingWatcher struct {
	Inner      Watcher
	Checkpoint *BoltCheckpoint

	seeded bool
}

func (w *CheckpointingWatcher) Watch(ctx context.Context, prev *Scheme) (Scheme, Revision, error) {
	if !w.seeded {
		w.seeded = true
		if prev == nil {
			if saved, _, err := w.Checkpoint.Load(); err == nil && saved != nil {
				prev = saved
			}
		}
	}

	scheme, revision, err := w.Inner.Watch(ctx, prev)
	if err != nil {
		return scheme, revision, err
	}
	if err := w.Checkpoint.Save(scheme, revision); err != nil {
		return scheme, revision, fmt.Errorf("discovery: checkpoint save: %w", err)
	}
	return scheme, revision, nil
}
