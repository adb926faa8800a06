package index

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// Suffixes is one chunk's suffix array: offsets into the chunk such that
// the suffixes starting there are in lexicographic order. It reads either
// from an in-memory array (freshly built) or from a little-endian image
// mapped from disk, without copying the latter.
type Suffixes struct {
	u32 []uint32
	raw []byte
}

// Len returns the number of suffixes, which equals the chunk length.
func (s Suffixes) Len() int {
	if s.u32 != nil {
		return len(s.u32)
	}
	return len(s.raw) / 4
}

// At returns the i'th smallest suffix's starting offset.
func (s Suffixes) At(i int) uint32 {
	if s.u32 != nil {
		return s.u32[i]
	}
	return binary.LittleEndian.Uint32(s.raw[4*i:])
}

// rawSuffixes wraps a mapped little-endian suffix-array image.
func rawSuffixes(b []byte) Suffixes { return Suffixes{raw: b} }

// buildSuffixes sorts all suffixes of data by prefix doubling. Each pass
// orders suffixes by their first 2k bytes using the previous pass's ranks,
// so the total work is O(n log^2 n) with no comparisons touching more than
// two rank lookups.
func buildSuffixes(data []byte) Suffixes {
	n := len(data)
	sa := make([]int32, n)
	rank := make([]int32, n)
	next := make([]int32, n)
	for i := 0; i < n; i++ {
		sa[i] = int32(i)
		rank[i] = int32(data[i])
	}
	for k := 1; n > 1; k *= 2 {
		less := func(a, b int32) bool {
			if rank[a] != rank[b] {
				return rank[a] < rank[b]
			}
			// A suffix ending before the k-extension sorts first; it is a
			// proper prefix of the longer one.
			ra, rb := int32(-1), int32(-1)
			if int(a)+k < n {
				ra = rank[int(a)+k]
			}
			if int(b)+k < n {
				rb = rank[int(b)+k]
			}
			return ra < rb
		}
		sort.Slice(sa, func(i, j int) bool { return less(sa[i], sa[j]) })
		next[sa[0]] = 0
		for i := 1; i < n; i++ {
			next[sa[i]] = next[sa[i-1]]
			if less(sa[i-1], sa[i]) {
				next[sa[i]]++
			}
		}
		copy(rank, next)
		if int(rank[sa[n-1]]) == n-1 {
			break
		}
	}
	out := make([]uint32, n)
	for i, v := range sa {
		out[i] = uint32(v)
	}
	return Suffixes{u32: out}
}

// searchRange returns the half-open range [lo, hi) of suffix-array entries
// whose suffixes start with lit.
func searchRange(data []byte, s Suffixes, lit []byte) (int, int) {
	n := s.Len()
	lo := sort.Search(n, func(i int) bool {
		return bytes.Compare(prefixAt(data, s.At(i), len(lit)), lit) >= 0
	})
	hi := sort.Search(n, func(i int) bool {
		return bytes.Compare(prefixAt(data, s.At(i), len(lit)), lit) > 0
	})
	return lo, hi
}

// prefixAt returns up to max bytes of the suffix starting at off.
func prefixAt(data []byte, off uint32, max int) []byte {
	end := int(off) + max
	if end > len(data) {
		end = len(data)
	}
	return data[off:end]
}
