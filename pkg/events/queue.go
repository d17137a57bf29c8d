package events

import "container/heap"

// eventHeap orders events by priority, then by arrival sequence so equal
// priorities stay FIFO.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(*Event)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// queue is a bounded priority queue. Not goroutine-safe; the engine guards
// it with its own lock.
type queue struct {
	heap eventHeap
	max  int
	seq  uint64
}

func newQueue(max int) *queue {
	q := &queue{max: max}
	heap.Init(&q.heap)
	return q
}

func (q *queue) len() int { return q.heap.Len() }

// push enqueues the event. When full, the oldest event at the lowest queued
// priority is evicted to make room, provided the incoming event ranks at
// least as high; critical events are never evicted. An incoming event that
// ranks below everything queued is rejected. The second return is the
// displaced event, nil when nothing was dropped.
func (q *queue) push(e *Event) (accepted bool, displaced *Event) {
	q.seq++
	e.seq = q.seq

	if q.heap.Len() < q.max {
		heap.Push(&q.heap, e)
		return true, nil
	}

	lowIdx := q.lowest()
	low := q.heap[lowIdx]
	if low.Priority == PriorityCritical || low.Priority > e.Priority {
		return false, nil
	}
	displaced = low
	q.heap[lowIdx] = e
	heap.Fix(&q.heap, lowIdx)
	return true, displaced
}

// pop dequeues the highest-priority event, nil when empty.
func (q *queue) pop() *Event {
	if q.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Event)
}

// lowest finds the index of the oldest event at the lowest queued priority,
// the one overflow evicts first. A linear scan is fine at queue sizes here.
func (q *queue) lowest() int {
	idx := 0
	for i := 1; i < q.heap.Len(); i++ {
		a, b := q.heap[i], q.heap[idx]
		if a.Priority < b.Priority || (a.Priority == b.Priority && a.seq < b.seq) {
			idx = i
		}
	}
	return idx
}
