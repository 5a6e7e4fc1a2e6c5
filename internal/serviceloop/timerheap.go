package serviceloop

import "time"

// timerEntry is one scheduled callback, ordered by its due time.
type timerEntry struct {
	at time.Time
	fn func()
}

// timerHeap is a container/heap.Interface over pending timers, the same
// role eventloop's timer heap plays for ScheduleTimer, trimmed to the one
// operation serviceloop needs: "what's due".
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
