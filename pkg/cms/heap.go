package cms

import "sort"

// scoredHeap is a bounded min-heap keeping the k best scored keys. The root
// is the weakest entry, so a new key only has to beat the root to get in.
// Heap operations are written out instead of using container/heap to avoid
// boxing every entry in an interface.
type scoredHeap []Scored

func (h scoredHeap) less(i, j int) bool { return isBetter(h[j], h[i]) }

func (h scoredHeap) swap(i, j int) { h[i], h[j] = h[j], h[i] }

// offer adds s if the heap holds fewer than k entries or s beats the root.
func (h *scoredHeap) offer(s Scored, k int) {
	if len(*h) < k {
		*h = append(*h, s)
		h.up(len(*h) - 1)
		return
	}
	if isBetter(s, (*h)[0]) {
		(*h)[0] = s
		h.down(0)
	}
}

func (h scoredHeap) up(j int) {
	for j > 0 {
		i := (j - 1) / 2 // parent
		if !h.less(j, i) {
			break
		}
		h.swap(i, j)
		j = i
	}
}

func (h scoredHeap) down(i int) {
	n := len(h)
	for {
		j := 2*i + 1
		if j >= n {
			break
		}
		if r := j + 1; r < n && h.less(r, j) {
			j = r
		}
		if !h.less(j, i) {
			break
		}
		h.swap(i, j)
		i = j
	}
}

// sorted returns the entries best first.
func (h scoredHeap) sorted() []Scored {
	out := make([]Scored, len(h))
	copy(out, h)
	sort.Slice(out, func(i, j int) bool { return isBetter(out[i], out[j]) })
	return out
}
