package cache

import "sort"

// indexEntry is one entry of a sorted index. Plain indexes leave symbol
// empty and order by (score, id); the compound symbol index orders by
// (symbol, score, id). The id tie-break keeps entries unique so insert
// and remove can binary-search an exact position.
type indexEntry struct {
	symbol string
	score  float64
	id     string
}

// sortedIndex is an ordered slice with binary-search insert, remove and
// positional walk. Search is O(log N); the splice is a memmove, which
// stays cheap at the cache's bounded size.
type sortedIndex struct {
	entries []indexEntry
}

func entryLess(a, b indexEntry) bool {
	if a.symbol != b.symbol {
		return a.symbol < b.symbol
	}
	if a.score != b.score {
		return a.score < b.score
	}
	return a.id < b.id
}

func (ix *sortedIndex) search(e indexEntry) int {
	return sort.Search(len(ix.entries), func(i int) bool {
		return !entryLess(ix.entries[i], e)
	})
}

// insert adds the entry at its sorted position; inserting an entry that
// is already present is a no-op.
func (ix *sortedIndex) insert(e indexEntry) {
	i := ix.search(e)
	if i < len(ix.entries) && ix.entries[i] == e {
		return
	}
	ix.entries = append(ix.entries, indexEntry{})
	copy(ix.entries[i+1:], ix.entries[i:])
	ix.entries[i] = e
}

// remove deletes the entry if present.
func (ix *sortedIndex) remove(e indexEntry) {
	i := ix.search(e)
	if i >= len(ix.entries) || ix.entries[i] != e {
		return
	}
	copy(ix.entries[i:], ix.entries[i+1:])
	ix.entries = ix.entries[:len(ix.entries)-1]
}

func (ix *sortedIndex) len() int { return len(ix.entries) }

// contains reports exact entry membership.
func (ix *sortedIndex) contains(e indexEntry) bool {
	i := ix.search(e)
	return i < len(ix.entries) && ix.entries[i] == e
}

// walk visits entries in ascending order, or descending when desc is
// set, until the visitor returns false.
func (ix *sortedIndex) walk(desc bool, visit func(indexEntry) bool) {
	if desc {
		for i := len(ix.entries) - 1; i >= 0; i-- {
			if !visit(ix.entries[i]) {
				return
			}
		}
		return
	}
	for _, e := range ix.entries {
		if !visit(e) {
			return
		}
	}
}
