package queue

// txItem is a pending-heap entry. index is maintained by heap operations so
// arbitrary items can be removed (Cancel).
type txItem struct {
	tx    *QueuedTransaction
	seq   uint64 // admission sequence, breaks exact ScheduledAt ties FIFO
	index int
}

// txHeap orders pending transactions by priority score (highest first),
// then earliest ScheduledAt, then admission order. Implements
// container/heap.Interface.
type txHeap []*txItem

func (h txHeap) Len() int { return len(h) }

func (h txHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	as, bs := a.tx.Priority.Score(), b.tx.Priority.Score()
	if as != bs {
		return as > bs
	}
	if !a.tx.ScheduledAt.Equal(b.tx.ScheduledAt) {
		return a.tx.ScheduledAt.Before(b.tx.ScheduledAt)
	}
	return a.seq < b.seq
}

func (h txHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *txHeap) Push(x any) {
	item := x.(*txItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *txHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
