package depman

import "context"

// EventID is the monotonically increasing identifier assigned by the
// queue at push time.
type EventID uint64

// Event is the common contract every queued message satisfies.
type Event interface {
	ID() EventID
	OriginatingServiceID() ServiceID
	EventPriority() Priority
	Type() EventType
	setID(EventID)
}

// base is embedded by every concrete event and implements the parts of
// Event that don't vary per kind.
type base struct {
	id         EventID
	originator ServiceID
	priority   Priority
	typeTag    EventType
}

func (b *base) ID() EventID                     { return b.id }
func (b *base) OriginatingServiceID() ServiceID { return b.originator }
func (b *base) EventPriority() Priority         { return b.priority }
func (b *base) Type() EventType                 { return b.typeTag }
func (b *base) setID(id EventID)                { b.id = id }

func newBase[T any](originator ServiceID, priority Priority) base {
	return base{originator: originator, priority: priority, typeTag: EventTypeOf[T]()}
}

// StartFunc is a service's start coroutine. It may block (e.g. on a
// channel) to model suspension; it runs on a dedicated goroutine, never
// on the dispatch loop.
type StartFunc func(ctx context.Context) error

// StopFunc is a service's stop coroutine. Per the core's error
// surface, a stop coroutine must not fail: returning a non-nil error
// from it is treated as a catastrophic invariant violation.
type StopFunc func(ctx context.Context) error

// HandlerFunc reacts to a generic (non-lifecycle) event.
type HandlerFunc func(ctx context.Context, ev Event) error

// TrackerFunc reacts to an unsatisfied DependencyRequestEvent for the
// interface the tracker registered for.
type TrackerFunc func(ctx context.Context, req *DependencyRequestEvent) error

// RunFunc is an arbitrary closure executed via RunFunction/RunFunctionAsync.
type RunFunc func(ctx context.Context) (any, error)

// InsertServiceEvent transfers ownership of a freshly built record
// into the manager.
type InsertServiceEvent struct {
	base
	Record *ServiceRecord
}

func newInsertServiceEvent(record *ServiceRecord) *InsertServiceEvent {
	return &InsertServiceEvent{base: newBase[InsertServiceEvent](NoOriginator, PriorityInternal), Record: record}
}

// StartServiceEvent requests that a service be started if its required
// dependencies are satisfied.
type StartServiceEvent struct {
	base
	ServiceID ServiceID
}

func newStartServiceEvent(originator, target ServiceID, priority Priority) *StartServiceEvent {
	return &StartServiceEvent{base: newBase[StartServiceEvent](originator, priority), ServiceID: target}
}

// DependencyOnlineEvent announces that ServiceID has become ACTIVE.
type DependencyOnlineEvent struct {
	base
	ServiceID ServiceID
}

func newDependencyOnlineEvent(target ServiceID) *DependencyOnlineEvent {
	return &DependencyOnlineEvent{base: newBase[DependencyOnlineEvent](target, PriorityInternal), ServiceID: target}
}

// DependencyOfflineEvent begins taking ServiceID offline.
type DependencyOfflineEvent struct {
	base
	ServiceID   ServiceID
	RemoveAfter bool
}

func newDependencyOfflineEvent(target ServiceID, removeAfter bool) *DependencyOfflineEvent {
	return &DependencyOfflineEvent{base: newBase[DependencyOfflineEvent](target, PriorityInternal), ServiceID: target, RemoveAfter: removeAfter}
}

// StopServiceEvent requests that ServiceID's stop coroutine run.
type StopServiceEvent struct {
	base
	ServiceID   ServiceID
	RemoveAfter bool
}

func newStopServiceEvent(originator, target ServiceID, removeAfter bool, priority Priority) *StopServiceEvent {
	return &StopServiceEvent{base: newBase[StopServiceEvent](originator, priority), ServiceID: target, RemoveAfter: removeAfter}
}

// RemoveServiceEvent erases a service record once it has no dependees
// and no dependencies left.
type RemoveServiceEvent struct {
	base
	ServiceID ServiceID
}

func newRemoveServiceEvent(target ServiceID) *RemoveServiceEvent {
	return &RemoveServiceEvent{base: newBase[RemoveServiceEvent](target, PriorityInternal), ServiceID: target}
}

// AddEventHandlerEvent mutates the handler table.
type AddEventHandlerEvent struct {
	base
	ListeningServiceID ServiceID
	HandledType        EventType
	Handler            HandlerFunc
	Out                *Registration
}

func newAddEventHandlerEvent(listener ServiceID, handled EventType, h HandlerFunc, out *Registration) *AddEventHandlerEvent {
	return &AddEventHandlerEvent{base: newBase[AddEventHandlerEvent](listener, PriorityInternal), ListeningServiceID: listener, HandledType: handled, Handler: h, Out: out}
}

// RemoveEventHandlerEvent undoes a prior AddEventHandlerEvent.
type RemoveEventHandlerEvent struct {
	base
	ListeningServiceID ServiceID
	HandledType        EventType
	RegistrationID     uint64
}

func newRemoveEventHandlerEvent(listener ServiceID, handled EventType, regID uint64) *RemoveEventHandlerEvent {
	return &RemoveEventHandlerEvent{base: newBase[RemoveEventHandlerEvent](listener, PriorityInternal), ListeningServiceID: listener, HandledType: handled, RegistrationID: regID}
}

// AddEventInterceptorEvent registers pre/post hooks around dispatch of
// InterceptedType, or of every event type when InterceptedType is 0.
type AddEventInterceptorEvent struct {
	base
	ServiceID       ServiceID
	InterceptedType EventType
	Interceptor     Interceptor
	Out             *Registration
}

func newAddEventInterceptorEvent(owner ServiceID, intercepted EventType, i Interceptor, out *Registration) *AddEventInterceptorEvent {
	return &AddEventInterceptorEvent{base: newBase[AddEventInterceptorEvent](owner, PriorityInternal), ServiceID: owner, InterceptedType: intercepted, Interceptor: i, Out: out}
}

// RemoveEventInterceptorEvent undoes a prior AddEventInterceptorEvent.
type RemoveEventInterceptorEvent struct {
	base
	ServiceID       ServiceID
	InterceptedType EventType
	RegistrationID  uint64
}

func newRemoveEventInterceptorEvent(owner ServiceID, intercepted EventType, regID uint64) *RemoveEventInterceptorEvent {
	return &RemoveEventInterceptorEvent{base: newBase[RemoveEventInterceptorEvent](owner, PriorityInternal), ServiceID: owner, InterceptedType: intercepted, RegistrationID: regID}
}

// AddTrackerEvent registers a dependency-request observer for an
// interface hash. On add, every current unsatisfied request for that
// interface is replayed to it.
type AddTrackerEvent struct {
	base
	InterfaceHash InterfaceHash
	ServiceID     ServiceID
	Tracker       TrackerFunc
	Out           *Registration
}

func newAddTrackerEvent(owner ServiceID, iface InterfaceHash, t TrackerFunc, out *Registration) *AddTrackerEvent {
	return &AddTrackerEvent{base: newBase[AddTrackerEvent](owner, PriorityInternal), InterfaceHash: iface, ServiceID: owner, Tracker: t, Out: out}
}

// RemoveTrackerEvent undoes a prior AddTrackerEvent.
type RemoveTrackerEvent struct {
	base
	InterfaceHash  InterfaceHash
	ServiceID      ServiceID
	RegistrationID uint64
}

func newRemoveTrackerEvent(owner ServiceID, iface InterfaceHash, regID uint64) *RemoveTrackerEvent {
	return &RemoveTrackerEvent{base: newBase[RemoveTrackerEvent](owner, PriorityInternal), InterfaceHash: iface, ServiceID: owner, RegistrationID: regID}
}

// DependencyRequestEvent notifies trackers that a registration for
// InterfaceHash remains unsatisfied.
type DependencyRequestEvent struct {
	base
	InterfaceHash InterfaceHash
	Requester     ServiceID
	Dep           *DependencyRegistration
	// Removed marks an undo notification synthesised when the requester
	// is torn down with the registration still outstanding, rather than
	// a fresh request for a provider.
	Removed bool
}

func newDependencyRequestEvent(requester ServiceID, dep *DependencyRegistration, removed bool) *DependencyRequestEvent {
	return &DependencyRequestEvent{
		base:          newBase[DependencyRequestEvent](requester, PriorityInternal),
		InterfaceHash: dep.InterfaceHash,
		Requester:     requester,
		Dep:           dep,
		Removed:       removed,
	}
}

// RunFunctionEvent executes a closure synchronously inside the
// dispatch loop.
type RunFunctionEvent struct {
	base
	Fn     RunFunc
	result chan runResult
}

type runResult struct {
	value any
	err   error
}

func newRunFunctionEvent(originator ServiceID, priority Priority, fn RunFunc) *RunFunctionEvent {
	return &RunFunctionEvent{base: newBase[RunFunctionEvent](originator, priority), Fn: fn, result: make(chan runResult, 1)}
}

// RunFunctionAsyncEvent executes a closure as a suspendable coroutine.
type RunFunctionAsyncEvent struct {
	base
	Fn     RunFunc
	result chan runResult
}

func newRunFunctionAsyncEvent(originator ServiceID, priority Priority, fn RunFunc) *RunFunctionAsyncEvent {
	return &RunFunctionAsyncEvent{base: newBase[RunFunctionAsyncEvent](originator, priority), Fn: fn, result: make(chan runResult, 1)}
}

// continuableKind distinguishes which lifecycle continuation a
// Continuable event should drive once its coroutine finishes.
type continuableKind int

const (
	continuationHandler continuableKind = iota
	continuationStart
	continuationStop
	continuationTracker
	continuationRunAsync
)

// ContinuableEvent resumes a suspended generic-handler/tracker/
// run-async coroutine identified by PromiseID.
type ContinuableEvent struct {
	base
	PromiseID PromiseID
	Kind      continuableKind
	Result    CoroutineResult
}

func newContinuableEvent(promiseID PromiseID, kind continuableKind, result CoroutineResult) *ContinuableEvent {
	return &ContinuableEvent{base: newBase[ContinuableEvent](NoOriginator, PriorityInternal), PromiseID: promiseID, Kind: kind, Result: result}
}

// ContinuableStartEvent resumes a suspended start/stop lifecycle
// coroutine identified by PromiseID. It is kept distinct from
// ContinuableEvent because its completion drives a lifecycle
// transition rather than a generic handler result.
type ContinuableStartEvent struct {
	base
	PromiseID PromiseID
	Kind      continuableKind
	Result    CoroutineResult
}

func newContinuableStartEvent(promiseID PromiseID, kind continuableKind, result CoroutineResult) *ContinuableStartEvent {
	return &ContinuableStartEvent{base: newBase[ContinuableStartEvent](NoOriginator, PriorityInternal), PromiseID: promiseID, Kind: kind, Result: result}
}

// QuitEvent begins the shutdown cascade.
type QuitEvent struct {
	base
}

func newQuitEvent(originator ServiceID) *QuitEvent {
	return &QuitEvent{base: newBase[QuitEvent](originator, PriorityInternal)}
}
