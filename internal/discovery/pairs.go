package discovery

import "sort"

// Pair is an unordered combination of two distinct repo ids, stored with the
// lexicographically smaller id in A.
type Pair struct {
	A string
	B string
}

// PairCount returns the number of unordered pairs over n repos.
func PairCount(n int) int {
	if n < 2 {
		return 0
	}
	return n * (n - 1) / 2
}

// Enumerator produces every unordered repo pair in a fixed, deterministic total
// order: ids are sorted, then pairs are emitted lexicographically —
// (0,1),(0,2),…,(0,n-1),(1,2),… . Because the order is stable, "pairs processed
// so far" is always a prefix of the sequence, which is what makes
// resume-by-offset possible without a per-pair done-set.
type Enumerator struct {
	ids []string
}

// NewEnumerator copies and canonically sorts the provided repo ids.
func NewEnumerator(ids []string) *Enumerator {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	return &Enumerator{ids: sorted}
}

// Total returns the number of pairs the enumerator will produce.
func (e *Enumerator) Total() int {
	return PairCount(len(e.ids))
}

// PairAt returns the pair at the given zero-based offset in the canonical
// order. The bool is false when the offset is out of range.
func (e *Enumerator) PairAt(offset int) (Pair, bool) {
	if offset < 0 || offset >= e.Total() {
		return Pair{}, false
	}
	n := len(e.ids)
	for i := 0; i < n-1; i++ {
		row := n - 1 - i
		if offset < row {
			return Pair{A: e.ids[i], B: e.ids[i+1+offset]}, true
		}
		offset -= row
	}
	return Pair{}, false
}
