package depman

import "context"

// PromiseID uniquely identifies one suspended coroutine instance.
type PromiseID uint64

// CoroutineResult is the resolved value of a finished coroutine: a
// generic payload plus an error.
type CoroutineResult struct {
	Value any
	Err   error
}

// pendingCoroutine is the scheduler's bookkeeping entry for one
// suspended generator: which event it continues, which service scopes
// were active when it was spawned (used for pending-stop replay), and
// what follow-up it should drive on completion.
type pendingCoroutine struct {
	promiseID        PromiseID
	serviceID        ServiceID
	kind             continuableKind
	scopeStack       []ServiceID
	originatingEvent Event
	removeAfter      bool // carried through for start/stop continuations
}

// Scheduler tracks suspended handler generators keyed by promise
// identity and resumes them on continuation events. Each entry pins
// both the generator's bookkeeping and its originating event; the two
// always gain and lose entries together.
type Scheduler struct {
	generators map[PromiseID]*pendingCoroutine
	nextID     PromiseID
	queue      EventQueue
}

func newScheduler(queue EventQueue) *Scheduler {
	return &Scheduler{
		generators: make(map[PromiseID]*pendingCoroutine),
		queue:      queue,
	}
}

// Outstanding returns the number of suspended coroutines.
func (s *Scheduler) Outstanding() int { return len(s.generators) }

// Spawn runs fn on a dedicated goroutine. fn may block on a channel
// (a gate, a timer, an I/O completion) to model coroutine suspension;
// when it returns, the scheduler pushes a Continuable(Start) event
// carrying promiseID and the result onto the queue so the dispatch
// loop -- and only the dispatch loop -- resumes bookkeeping for it.
func (s *Scheduler) Spawn(kind continuableKind, serviceID ServiceID, scopeStack []ServiceID, originating Event, removeAfter bool, fn func(ctx context.Context) (any, error)) PromiseID {
	id := s.nextID
	s.nextID++

	stack := make([]ServiceID, len(scopeStack))
	copy(stack, scopeStack)

	s.generators[id] = &pendingCoroutine{
		promiseID:        id,
		serviceID:        serviceID,
		kind:             kind,
		scopeStack:       stack,
		originatingEvent: originating,
		removeAfter:      removeAfter,
	}

	go func() {
		value, err := fn(context.Background())
		result := CoroutineResult{Value: value, Err: err}
		if kind == continuationStart || kind == continuationStop {
			s.queue.Push(PriorityInternal, newContinuableStartEvent(id, kind, result))
		} else {
			s.queue.Push(PriorityInternal, newContinuableEvent(id, kind, result))
		}
	}()

	return id
}

// Resolve removes and returns the bookkeeping entry for promiseID, or
// ok=false if it is unknown (already resolved, or never existed -- the
// latter is an invariant violation the caller must surface).
func (s *Scheduler) Resolve(promiseID PromiseID) (pc *pendingCoroutine, ok bool) {
	pc, ok = s.generators[promiseID]
	if ok {
		delete(s.generators, promiseID)
	}
	return pc, ok
}
