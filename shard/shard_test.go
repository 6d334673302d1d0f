package shard_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/crdtstore/shard"
)

func TestTopIsIdempotentForAFixedPartitionSet(t *testing.T) {
	s := shard.New([]string{"p0", "p1", "p2", "p3"})

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		first := s.Top(key, 2)
		s2 := shard.New([]string{"p3", "p1", "p0", "p2"}) // different construction order
		second := s2.Top(key, 2)
		assert.Equal(t, first, second, "top-R must not depend on partition construction order")
	}
}

func TestTopOrdersByPartitionOnTie(t *testing.T) {
	// Exercised indirectly: with real hashing, exact ties are effectively
	// impossible, but Top must still return a deterministic order across
	// repeated calls.
	s := shard.New([]string{"a", "b", "c"})
	first := s.Top("somekey", 3)
	second := s.Top("somekey", 3)
	assert.Equal(t, first, second)
	assert.Len(t, first, 3)
}

func TestTopClampsRToPartitionCount(t *testing.T) {
	s := shard.New([]string{"p0", "p1"})
	assert.Len(t, s.Top("x", 5), 2)
}

// TestMinimalDisruptionOnPartitionRemoval is scenario 4 from spec.md §8:
// across a 10,000-key sample, removing one of four partitions changes the
// top-R assignment of no more than 1/|P| in expectation, with at least 75%
// of keys keeping the same top-R membership.
func TestMinimalDisruptionOnPartitionRemoval(t *testing.T) {
	const r = 2
	const numKeys = 10000

	before := shard.New([]string{"p0", "p1", "p2", "p3"})
	after := shard.New([]string{"p0", "p1", "p2"})

	stable := 0
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%d", i)
		b := before.Top(key, r)
		a := after.Top(key, r)
		if sameSet(b, a) {
			stable++
		}
	}

	ratio := float64(stable) / float64(numKeys)
	require.GreaterOrEqual(t, ratio, 0.75, "removing 1 of 4 partitions should leave most keys' top-R unchanged, got ratio %f", ratio)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if !set[v] {
			return false
		}
	}
	return true
}

func TestOwnerMatchesTopOne(t *testing.T) {
	s := shard.New([]string{"p0", "p1", "p2"})
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%d", i)
		top1 := s.Top(key, 1)
		require.Len(t, top1, 1)
		assert.Equal(t, top1[0], s.Owner(key))
	}
}
