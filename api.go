package depman

import "context"

// ServiceBuilder collects the pieces of a not-yet-created service:
// its declared interfaces, dependency registrations, lifecycle
// functions, properties and priority. CreateService consumes it.
type ServiceBuilder struct {
	implName string
	props    *Properties
	offers   []OfferedInterface
	regs     []*DependencyRegistration
	start    StartFunc
	stop     StopFunc
	priority int64
}

// NewServiceBuilder starts a builder for a service implemented by
// implName (used only for diagnostics -- logs, QueryServices output).
func NewServiceBuilder(implName string) *ServiceBuilder {
	return &ServiceBuilder{implName: implName, props: NewProperties()}
}

// Offers declares that the service, once ACTIVE, provides the
// interface identified by key, backed by instance -- the concrete
// value a dependee's coroutine receives via Dependency[T] once
// injection completes.
func Offers[T any](b *ServiceBuilder, key InterfaceKey[T], instance T) *ServiceBuilder {
	b.offers = append(b.offers, key.Offer(instance))
	return b
}

// Requires declares a dependency registration for T with the given
// flags and optional filter, the Go-idiomatic stand-in for calling
// register_dependency<Iface> from inside a constructor: the
// registration is built before the service exists and handed to
// CreateService so the record's full registration list is complete
// before the first DependencyOnline cascade can observe it.
func Requires[T any](b *ServiceBuilder, flags DependencyFlags, filter Filter) *ServiceBuilder {
	key := NewInterfaceKey[T]()
	b.regs = append(b.regs, newRegistration(key.Hash(), key.Name(), flags, filter))
	return b
}

// WithProperties replaces the builder's property map.
func (b *ServiceBuilder) WithProperties(p *Properties) *ServiceBuilder {
	b.props = p
	return b
}

// WithPriority sets the priority used to tie-break this service's
// lifecycle events (notably during the Quit cascade).
func (b *ServiceBuilder) WithPriority(p int64) *ServiceBuilder {
	b.priority = p
	return b
}

// WithStart attaches the service's start coroutine.
func (b *ServiceBuilder) WithStart(fn StartFunc) *ServiceBuilder {
	b.start = fn
	return b
}

// WithStop attaches the service's stop coroutine.
func (b *ServiceBuilder) WithStop(fn StopFunc) *ServiceBuilder {
	b.stop = fn
	return b
}

// CreateService allocates a ServiceID, builds an INSTALLED record from
// b, and pushes InsertService at internal priority. The id is valid
// immediately; the record becomes visible to the dispatch loop once
// that event is processed.
func (m *Manager) CreateService(b *ServiceBuilder) ServiceID {
	id := m.nextServiceIDValue()
	record := newServiceRecord(id, b.implName, b.props, b.offers, b.regs, b.start, b.stop, b.priority)
	m.queue.Push(PriorityInternal, newInsertServiceEvent(record))
	return id
}

// PushStartService requests that target be started once its required
// dependencies are satisfied. Typically unnecessary: InsertService and
// DependencyOnline cascades already push this automatically.
func (m *Manager) PushStartService(originator, target ServiceID) EventID {
	ev := newStartServiceEvent(originator, target, PriorityDefault)
	m.queue.Push(PriorityDefault, ev)
	return ev.ID()
}

// PushStopService requests that target's stop coroutine run.
// removeAfter also erases the record once it settles back to
// INSTALLED.
func (m *Manager) PushStopService(originator, target ServiceID, removeAfter bool) EventID {
	ev := newStopServiceEvent(originator, target, removeAfter, PriorityDefault)
	m.queue.Push(PriorityDefault, ev)
	return ev.ID()
}

// PushQuit begins the shutdown cascade.
func (m *Manager) PushQuit(originator ServiceID) EventID {
	ev := newQuitEvent(originator)
	m.queue.Push(PriorityInternal, ev)
	return ev.ID()
}

// PushEvent enqueues an arbitrary collaborator-defined event at
// PriorityDefault and returns its assigned id.
func (m *Manager) PushEvent(ev Event) EventID {
	m.queue.Push(PriorityDefault, ev)
	return ev.ID()
}

// PushPrioritisedEvent enqueues ev at an explicit priority.
func (m *Manager) PushPrioritisedEvent(priority Priority, ev Event) EventID {
	m.queue.Push(priority, ev)
	return ev.ID()
}

// RunFunction executes fn synchronously inside the dispatch loop and
// blocks the calling goroutine until it completes or ctx is done.
func (m *Manager) RunFunction(ctx context.Context, originator ServiceID, fn RunFunc) (any, error) {
	ev := newRunFunctionEvent(originator, PriorityDefault, fn)
	m.queue.Push(PriorityDefault, ev)
	select {
	case r := <-ev.result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunFunctionAsync executes fn as a suspendable coroutine and returns
// a Completion the caller may wait on for its result.
func (m *Manager) RunFunctionAsync(originator ServiceID, fn RunFunc) *Completion {
	ev := newRunFunctionAsyncEvent(originator, PriorityDefault, fn)
	completion := newCompletion()
	go func() {
		r := <-ev.result
		completion.resolve(r.value, r.err)
	}()
	m.queue.Push(PriorityDefault, ev)
	return completion
}

// WaitForEvent returns a Completion that resolves once eventID has
// been fully dispatched (post-hooks included).
func (m *Manager) WaitForEvent(eventID EventID) *Completion {
	c := newCompletion()
	m.waiters.addEventWaiter(eventID, c)
	return c
}

// WaitForService returns a Completion that resolves the next time id
// reaches eventType -- typically EventTypeOf[DependencyOnlineEvent]()
// or EventTypeOf[StopServiceEvent]() for "became active" / "finished
// stopping".
func (m *Manager) WaitForService(id ServiceID, eventType EventType) *Completion {
	c := newCompletion()
	m.waiters.addServiceWaiter(id, eventType, c)
	return c
}

// RegisterEventHandler subscribes listener to every event of type T.
// The returned Registration's Close removes the subscription.
func RegisterEventHandler[T any](m *Manager, listener ServiceID, fn HandlerFunc) *Registration {
	eventType := EventTypeOf[T]()
	id := m.nextRegistrationID()
	reg := &Registration{id: id}
	reg.close = func() {
		m.queue.Push(PriorityInternal, newRemoveEventHandlerEvent(listener, eventType, id))
	}
	m.queue.Push(PriorityInternal, newAddEventHandlerEvent(listener, eventType, fn, reg))
	return reg
}

// RegisterEventInterceptor subscribes owner's hook to every event of
// type T.
func RegisterEventInterceptor[T any](m *Manager, owner ServiceID, hook Interceptor) *Registration {
	return registerInterceptor(m, owner, EventTypeOf[T](), hook)
}

// RegisterCatchAllInterceptor subscribes owner's hook to every event
// regardless of type.
func RegisterCatchAllInterceptor(m *Manager, owner ServiceID, hook Interceptor) *Registration {
	return registerInterceptor(m, owner, CatchAllEventType, hook)
}

func registerInterceptor(m *Manager, owner ServiceID, eventType EventType, hook Interceptor) *Registration {
	id := m.nextRegistrationID()
	reg := &Registration{id: id}
	reg.close = func() {
		m.queue.Push(PriorityInternal, newRemoveEventInterceptorEvent(owner, eventType, id))
	}
	m.queue.Push(PriorityInternal, newAddEventInterceptorEvent(owner, eventType, hook, reg))
	return reg
}

// RegisterDependencyTracker subscribes owner to unsatisfied requests
// for T, replaying every currently-unsatisfied registration for it
// immediately.
func RegisterDependencyTracker[T any](m *Manager, owner ServiceID, fn TrackerFunc) *Registration {
	key := NewInterfaceKey[T]()
	id := m.nextRegistrationID()
	reg := &Registration{id: id}
	reg.close = func() {
		m.queue.Push(PriorityInternal, newRemoveTrackerEvent(owner, key.Hash(), id))
	}
	m.queue.Push(PriorityInternal, newAddTrackerEvent(owner, key.Hash(), fn, reg))
	return reg
}
