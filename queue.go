package depman

import (
	"container/heap"
	"sync"
)

// EventQueue is an ordered, priority-tagged inbox. Implementations
// must preserve (priority asc, id asc) ordering; push must never block
// and never drop an event. Push must be safe to call concurrently
// from any goroutine (coroutine completions resume the dispatch loop
// this way); every other method is only ever called from the single
// dispatch-loop goroutine.
type EventQueue interface {
	// Push enqueues ev at priority, assigning it the next event id.
	Push(priority Priority, ev Event)
	// PopBlocking returns the next event in order, blocking until one
	// is available or the queue has been told to Quit and has fully
	// drained, in which case ok is false.
	PopBlocking() (ev Event, ok bool)
	// Size returns the number of events currently queued.
	Size() int
	// Empty reports whether the queue currently holds no events.
	Empty() bool
	// Quit marks the queue for shutdown: PopBlocking returns ok=false
	// once all previously pushed events have been drained.
	Quit()
}

// heapQueue is the priority-heap EventQueue backend. Ordering
// guarantee at construction: strict (priority asc, id asc); events of
// equal priority are returned in push order. This is the only backend
// implemented here -- alternate backends (io_uring, sd-event) require
// kernel bindings outside what a portable Go engine can provide
// without cgo.
type heapQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    eventHeap
	nextID   EventID
	quitting bool
}

// NewHeapQueue creates the priority-heap EventQueue backend.
func NewHeapQueue() EventQueue {
	q := &heapQueue{}
	q.notEmpty = sync.NewCond(&q.mu)
	heap.Init(&q.items)
	return q
}

type heapItem struct {
	priority Priority
	id       EventID
	ev       Event
}

type eventHeap []heapItem

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].id < h[j].id
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(heapItem)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Push implements EventQueue.
func (q *heapQueue) Push(priority Priority, ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.nextID
	q.nextID++
	ev.setID(id)

	heap.Push(&q.items, heapItem{priority: priority, id: id, ev: ev})
	q.notEmpty.Signal()
}

// PopBlocking implements EventQueue.
func (q *heapQueue) PopBlocking() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		if q.quitting {
			return nil, false
		}
		q.notEmpty.Wait()
	}

	item := heap.Pop(&q.items).(heapItem)
	return item.ev, true
}

// Size implements EventQueue.
func (q *heapQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Empty implements EventQueue.
func (q *heapQueue) Empty() bool {
	return q.Size() == 0
}

// Quit implements EventQueue.
func (q *heapQueue) Quit() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.quitting = true
	q.notEmpty.Broadcast()
}
