package depman

import (
	"context"
	"sync"
)

// Completion is a one-shot awaitable gate. It resolves exactly once;
// Wait may be called from any number of goroutines.
type Completion struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) resolve(value any, err error) {
	c.once.Do(func() {
		c.value = value
		c.err = err
		close(c.done)
	})
}

// Wait blocks until the completion resolves or ctx is done, whichever
// happens first.
func (c *Completion) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done exposes the underlying channel for select-based waiting.
func (c *Completion) Done() <-chan struct{} { return c.done }

// waiterRegistry tracks outstanding WaitForEvent/WaitForService
// completions so Quit can resolve them all with WaitErrorQuitting
// rather than leaving callers blocked forever.
// Unlike the rest of the manager's state, waiters are registered from
// arbitrary caller goroutines while the dispatch loop resolves them,
// so the registry carries its own mutex. A waiter added after its
// target event has already dispatched resolves only at Quit; obtain
// the Completion before the event can be processed.
type waiterRegistry struct {
	mu        sync.Mutex
	byEvent   map[EventID][]*Completion
	byService map[ServiceID]map[EventType][]*Completion
}

func newWaiterRegistry() *waiterRegistry {
	return &waiterRegistry{
		byEvent:   make(map[EventID][]*Completion),
		byService: make(map[ServiceID]map[EventType][]*Completion),
	}
}

func (w *waiterRegistry) addEventWaiter(id EventID, c *Completion) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.byEvent[id] = append(w.byEvent[id], c)
}

func (w *waiterRegistry) addServiceWaiter(id ServiceID, eventType EventType, c *Completion) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.byService[id] == nil {
		w.byService[id] = make(map[EventType][]*Completion)
	}
	w.byService[id][eventType] = append(w.byService[id][eventType], c)
}

// resolveEvent sets the gate for every completion waiting on eventID.
func (w *waiterRegistry) resolveEvent(eventID EventID) {
	w.mu.Lock()
	waiters := w.byEvent[eventID]
	delete(w.byEvent, eventID)
	w.mu.Unlock()
	for _, c := range waiters {
		c.resolve(eventID, nil)
	}
}

// resolveService sets the gate for every completion waiting on
// (serviceID, eventType).
func (w *waiterRegistry) resolveService(serviceID ServiceID, eventType EventType) {
	w.mu.Lock()
	byType := w.byService[serviceID]
	var waiters []*Completion
	if byType != nil {
		waiters = byType[eventType]
		delete(byType, eventType)
	}
	w.mu.Unlock()
	for _, c := range waiters {
		c.resolve(serviceID, nil)
	}
}

// outstanding reports whether any waiter remains (used by the
// quiescence check).
func (w *waiterRegistry) outstanding() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.byEvent) > 0 {
		return true
	}
	for _, byType := range w.byService {
		for _, waiters := range byType {
			if len(waiters) > 0 {
				return true
			}
		}
	}
	return false
}

// abortAll resolves every outstanding waiter with WaitErrorQuitting.
func (w *waiterRegistry) abortAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, waiters := range w.byEvent {
		for _, c := range waiters {
			c.resolve(nil, &WaitError{Reason: WaitErrorQuitting})
		}
		delete(w.byEvent, id)
	}
	for svc, byType := range w.byService {
		for et, waiters := range byType {
			for _, c := range waiters {
				c.resolve(nil, &WaitError{Reason: WaitErrorQuitting})
			}
			delete(byType, et)
		}
		delete(w.byService, svc)
	}
}
