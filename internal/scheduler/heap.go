package scheduler

import (
	"context"
	"time"
)

// task is a callback scheduled for a point in time.
type task struct {
	id       string
	dueAt    time.Time
	callback func(ctx context.Context)
	index    int // index in the heap (for heap.Interface)
}

// taskHeap is a min-heap of tasks ordered by due time.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].dueAt.Before(h[j].dueAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
