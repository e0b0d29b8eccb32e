package sweeper

import "container/heap"

// entry is one pending expiry.
type entry struct {
	donationID string
	expiresAt  int64 // UTC milliseconds, sort key

	// idx is maintained by expiryHeap.Swap so Cancel can heap.Remove in O(log N).
	idx int
}

// expiryHeap orders entries by expiresAt, soonest at index 0.
type expiryHeap []*entry

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	if h[i].expiresAt == h[j].expiresAt {
		return h[i].donationID < h[j].donationID
	}
	return h[i].expiresAt < h[j].expiresAt
}

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *expiryHeap) Push(x any) {
	e := x.(*entry)
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

func (h *expiryHeap) remove(idx int) *entry {
	return heap.Remove(h, idx).(*entry)
}
