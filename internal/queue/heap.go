package queue

import "github.com/packfetch/packfetch/internal/packreq"

type entry struct {
	req   *packreq.Request
	seq   uint64
	index int
}

// requestHeap is a max-heap on priority; equal priorities keep push order.
type requestHeap []*entry

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	pi, pj := h[i].req.Priority(), h[j].req.Priority()
	if pi != pj {
		return pi > pj
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
