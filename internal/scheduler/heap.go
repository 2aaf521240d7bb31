package scheduler

import "container/heap"

// scheduleHeap implements container/heap.Interface for Trigger,
// sorted by FireAt (earliest first, min-heap).
type scheduleHeap []Trigger

func (h scheduleHeap) Len() int           { return len(h) }
func (h scheduleHeap) Less(i, j int) bool { return h[i].FireAt.Before(h[j].FireAt) }
func (h scheduleHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *scheduleHeap) Push(x any) {
	*h = append(*h, x.(Trigger))
}

func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// heapPush adds a Trigger to the heap, maintaining heap invariant.
func heapPush(h *scheduleHeap, t Trigger) {
	heap.Push(h, t)
}

// heapPop removes and returns the Trigger with the earliest FireAt.
// Panics if the heap is empty.
func heapPop(h *scheduleHeap) Trigger {
	return heap.Pop(h).(Trigger)
}

// heapRemoveByID removes the Trigger with the given id.
// Returns true if the trigger was found and removed, false otherwise.
func heapRemoveByID(h *scheduleHeap, id string) bool {
	for i, t := range *h {
		if t.ID == id {
			heap.Remove(h, i)
			return true
		}
	}
	return false
}

// heapReplace drops any trigger sharing t's id and pushes t.
func heapReplace(h *scheduleHeap, t Trigger) {
	heapRemoveByID(h, t.ID)
	heapPush(h, t)
}
