package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortedIndex_InsertKeepsOrder(t *testing.T) {
	var idx sortedIndex
	idx.insert(indexEntry{score: 0.7, id: "b"})
	idx.insert(indexEntry{score: 0.9, id: "c"})
	idx.insert(indexEntry{score: 0.5, id: "a"})

	require.Len(t, idx.entries, 3)
	assert.Equal(t, "a", idx.entries[0].id)
	assert.Equal(t, "b", idx.entries[1].id)
	assert.Equal(t, "c", idx.entries[2].id)
}

func TestSortedIndex_TieBreakOnID(t *testing.T) {
	var idx sortedIndex
	idx.insert(indexEntry{score: 0.8, id: "z"})
	idx.insert(indexEntry{score: 0.8, id: "a"})
	idx.insert(indexEntry{score: 0.8, id: "m"})

	require.Len(t, idx.entries, 3)
	assert.Equal(t, "a", idx.entries[0].id)
	assert.Equal(t, "m", idx.entries[1].id)
	assert.Equal(t, "z", idx.entries[2].id)
}

func TestSortedIndex_Remove(t *testing.T) {
	var idx sortedIndex
	idx.insert(indexEntry{score: 0.5, id: "a"})
	idx.insert(indexEntry{score: 0.7, id: "b"})

	idx.remove(indexEntry{score: 0.7, id: "b"})
	require.Len(t, idx.entries, 1)
	assert.Equal(t, "a", idx.entries[0].id)

	// Removing an absent entry is a no-op.
	idx.remove(indexEntry{score: 0.9, id: "missing"})
	assert.Len(t, idx.entries, 1)
}

func TestSortedIndex_WalkDescending(t *testing.T) {
	var idx sortedIndex
	for _, e := range []indexEntry{
		{score: 0.5, id: "a"},
		{score: 0.9, id: "c"},
		{score: 0.7, id: "b"},
	} {
		idx.insert(e)
	}

	var desc []string
	idx.walk(true, func(e indexEntry) bool {
		desc = append(desc, e.id)
		return true
	})
	assert.Equal(t, []string{"c", "b", "a"}, desc)

	var asc []string
	idx.walk(false, func(e indexEntry) bool {
		asc = append(asc, e.id)
		return true
	})
	assert.Equal(t, []string{"a", "b", "c"}, asc)
}

func TestSortedIndex_WalkEarlyStop(t *testing.T) {
	var idx sortedIndex
	for i := 0; i < 10; i++ {
		idx.insert(indexEntry{score: float64(i), id: string(rune('a' + i))})
	}

	seen := 0
	idx.walk(true, func(indexEntry) bool {
		seen++
		return seen < 3
	})
	assert.Equal(t, 3, seen)
}
