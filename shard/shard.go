// Package shard implements the rendezvous sharder (SPEC_FULL.md §4.5): given
// a set of partition identifiers and a replication factor R, it deterministically
// ranks every partition for a key so the top R can be used as that key's
// replica set.
//
// The ranking itself is delegated to github.com/dgryski/go-rendezvous, the
// same highest-random-weight algorithm referenced across the retrieval pack's
// sharding-adjacent code (torua's shard_registry.go picks a single owner the
// same way; this generalizes it to an ordered top-R). Keys and partition
// identifiers are hashed with github.com/cespare/xxhash/v2, matching the
// non-cryptographic high-quality hash spec.md §4.5 calls for.
package shard

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
)

// Sharder ranks a fixed partition set P for any key K, returning the top-R
// partitions by rendezvous weight. It is immutable once built; a topology
// change (partition added or removed) requires building a new Sharder via
// New — this mirrors go-rendezvous's own design (its New/Lookup pair has no
// in-place mutation either, beyond Add/Remove for single-member changes).
type Sharder struct {
	partitions []string // sorted copy of the partitions passed to New
	rv         *rendezvous.Rendezvous
}

// hashString64 adapts xxhash to the uint64-returning signature
// rendezvous.New requires.
func hashString64(s string) uint64 {
	return xxhash.Sum64String(s)
}

// New builds a Sharder over partitions. Partitions must be non-empty and
// duplicate-free. New keeps a sorted copy, so the order they are passed in
// affects neither the ranking (rendezvous weight is a pure function of
// (key, partition)) nor the iteration or tie-break order.
func New(partitions []string) *Sharder {
	cp := make([]string, len(partitions))
	copy(cp, partitions)
	sort.Strings(cp)

	return &Sharder{
		partitions: cp,
		rv:         rendezvous.New(cp, hashString64),
	}
}

// Partitions returns the sharder's partition set in sorted order.
func (s *Sharder) Partitions() []string {
	out := make([]string, len(s.partitions))
	copy(out, s.partitions)
	return out
}

// Top returns the top-R partitions for key, ordered by descending rendezvous
// weight with ties (effectively impossible with a 64-bit hash, but handled
// for determinism) broken by partition natural order. If R exceeds the
// number of partitions, the full partition count is returned.
func (s *Sharder) Top(key string, r int) []string {
	if r <= 0 || len(s.partitions) == 0 {
		return nil
	}
	if r > len(s.partitions) {
		r = len(s.partitions)
	}

	type weighted struct {
		partition string
		weight    uint64
	}
	h := xxhash.Sum64String(key)
	weights := make([]weighted, len(s.partitions))
	for i, p := range s.partitions {
		weights[i] = weighted{partition: p, weight: combine(h, xxhash.Sum64String(p))}
	}
	sort.Slice(weights, func(i, j int) bool {
		if weights[i].weight != weights[j].weight {
			return weights[i].weight > weights[j].weight
		}
		return weights[i].partition < weights[j].partition
	})

	out := make([]string, r)
	for i := 0; i < r; i++ {
		out[i] = weights[i].partition
	}
	return out
}

// Owner returns the single top-ranked partition for key, delegating
// directly to go-rendezvous' Lookup — a convenience for non-replicated
// callers that avoids building the full per-partition ranking Top needs.
func (s *Sharder) Owner(key string) string {
	if len(s.partitions) == 0 {
		return ""
	}
	return s.rv.Lookup(key)
}

// combine reproduces go-rendezvous' own xorshiftMult64 weight finalizer
// (unexported in that package) so that Top's full ranking and Owner's
// direct Lookup call agree on a winner. Top needs the full ranking, which
// go-rendezvous.Lookup does not expose.
func combine(khash, nhash uint64) uint64 {
	x := khash ^ nhash
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	return x * 2685821657736338717
}
