package depman

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Manager is the single-threaded dependency manager: it owns every
// ServiceRecord it creates, holds the one EventQueue those services
// and any external caller push into, and runs the dispatch loop.
// Every field below is touched only from the goroutine executing Run
// -- the sole exceptions are the queue, the waiter registry, the
// result channels coroutines resolve into, and the atomic service and
// registration id counters, all of which are safe for concurrent use
// by construction.
type Manager struct {
	queue   EventQueue
	logger  *zap.Logger
	metrics *Metrics
	onFatal func(error)

	services map[ServiceID]*ServiceRecord
	scoped   *Scheduler

	handlers     *handlerTable
	interceptors *interceptorTable
	trackers     *trackerTable
	waiters      *waiterRegistry

	scopeStack []ServiceID

	quitRequested bool

	nextServiceID atomic.Uint64
	nextRegID     atomic.Uint64
}

func newManager(opts ...ManagerOption) *Manager {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	m := &Manager{
		queue:        cfg.queue,
		logger:       cfg.logger,
		metrics:      cfg.metrics,
		onFatal:      cfg.onFatal,
		services:     make(map[ServiceID]*ServiceRecord),
		handlers:     newHandlerTable(),
		interceptors: newInterceptorTable(),
		trackers:     newTrackerTable(),
		waiters:      newWaiterRegistry(),
	}
	m.scoped = newScheduler(m.queue)
	return m
}

// Run drains the event queue until Quit has been processed and the
// manager has reached quiescence, or ctx is cancelled. It must be
// called from exactly one goroutine for the lifetime of the manager.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, ok := m.queue.PopBlocking()
		if !ok {
			m.clearState()
			return nil
		}

		m.dispatch(ctx, ev)

		if m.quitRequested && m.quiescent() {
			m.queue.Quit()
		}
	}
}

// dispatch runs one event through the interceptor sandwich and the
// payload step: pre-hooks on a snapshot taken before dispatch, the
// payload itself, post-hooks, then waiter resolution.
func (m *Manager) dispatch(ctx context.Context, ev Event) {
	eventType := ev.Type()
	m.logger.Debug("dispatching event",
		zap.Uint64("event_id", uint64(ev.ID())),
		zap.Uint64("type", uint64(eventType)),
		zap.Stringer("originator", ev.OriginatingServiceID()))

	hooks := m.interceptors.snapshot(eventType)

	prevent := false
	for _, h := range hooks {
		if h.hook.Pre(ctx, ev) == Prevent {
			prevent = true
		}
	}

	processed := false
	if !prevent {
		processed = m.dispatchPayload(ctx, ev)
	}

	for _, h := range hooks {
		h.hook.Post(ctx, ev, processed)
	}

	m.waiters.resolveEvent(ev.ID())

	if m.metrics != nil {
		m.metrics.EventsDispatched.WithLabelValues(fmt.Sprintf("%d", eventType)).Inc()
		m.metrics.QueueDepth.Set(float64(m.queue.Size()))
	}
}

func (m *Manager) dispatchPayload(ctx context.Context, ev Event) bool {
	switch e := ev.(type) {
	case *InsertServiceEvent:
		m.handleInsertService(e)
	case *StartServiceEvent:
		m.handleStartService(e)
	case *DependencyOnlineEvent:
		began := time.Now()
		m.handleDependencyOnline(e)
		if m.metrics != nil {
			m.metrics.CascadeDuration.Observe(time.Since(began).Seconds())
		}
	case *DependencyOfflineEvent:
		began := time.Now()
		m.handleDependencyOffline(e)
		if m.metrics != nil {
			m.metrics.CascadeDuration.Observe(time.Since(began).Seconds())
		}
	case *StopServiceEvent:
		m.handleStopService(e)
	case *RemoveServiceEvent:
		m.handleRemoveService(e)
	case *AddEventHandlerEvent:
		m.handlers.add(e.Out.id, e.ListeningServiceID, e.HandledType, e.Handler)
	case *RemoveEventHandlerEvent:
		m.handlers.remove(e.HandledType, e.RegistrationID)
	case *AddEventInterceptorEvent:
		m.interceptors.add(e.Out.id, e.ServiceID, e.InterceptedType, e.Interceptor)
	case *RemoveEventInterceptorEvent:
		m.interceptors.remove(e.InterceptedType, e.RegistrationID)
	case *AddTrackerEvent:
		m.handleAddTracker(e)
	case *RemoveTrackerEvent:
		m.trackers.remove(e.InterfaceHash, e.RegistrationID)
	case *DependencyRequestEvent:
		return m.handleDependencyRequest(e)
	case *RunFunctionEvent:
		m.handleRunFunction(ctx, e)
	case *RunFunctionAsyncEvent:
		m.handleRunFunctionAsync(e)
	case *ContinuableEvent:
		m.handleContinuable(e)
	case *ContinuableStartEvent:
		m.handleContinuableStart(e)
	case *QuitEvent:
		m.handleQuit()
	default:
		return m.dispatchGeneric(ctx, ev)
	}
	return true
}

// dispatchGeneric runs every handler registered for ev's concrete type
// against a suspendable goroutine, the fallback path for event kinds
// the core doesn't know about -- collaborator-defined events.
func (m *Manager) dispatchGeneric(ctx context.Context, ev Event) bool {
	entries := m.handlers.snapshot(ev.Type())
	ran := false
	for _, he := range entries {
		svc, ok := m.services[he.listener]
		if !ok || (svc.State != StateActive && svc.State != StateInjecting) {
			continue
		}
		ran = true
		fn := he.fn
		handlerCtx := m.coroutineContext(svc)
		m.pushScope(he.listener)
		m.scoped.Spawn(continuationHandler, he.listener, m.scopeStack, ev, false, func(_ context.Context) (any, error) {
			return nil, fn(handlerCtx, ev)
		})
		m.popScope()
	}
	return ran
}

// handleInsertService wires a freshly built record into the manager,
// injects its own self-provided interfaces, matches it against every
// currently ACTIVE service, and pushes a start trigger if that was
// enough to satisfy every required registration.
func (m *Manager) handleInsertService(e *InsertServiceEvent) {
	record := e.Record
	m.services[record.ID] = record
	injectSelfProvider(record)

	for _, other := range m.services {
		if other.ID == record.ID || other.State != StateActive {
			continue
		}
		matchInject(m.services, record, other)
	}

	for _, reg := range record.Registrations {
		if !reg.Satisfied() {
			m.queue.Push(PriorityInternal, newDependencyRequestEvent(record.ID, reg, false))
		}
	}

	if m.metrics != nil {
		m.metrics.ActiveServices.Set(float64(m.countActive()))
	}

	if record.RequiredSatisfied() {
		m.queue.Push(PriorityInternal, newStartServiceEvent(NoOriginator, record.ID, PriorityInternal))
	}
}

// handleStartService transitions an INSTALLED, fully-satisfied record
// through INJECTING to STARTING and spawns its start coroutine.
func (m *Manager) handleStartService(e *StartServiceEvent) {
	record, ok := m.services[e.ServiceID]
	if !ok {
		return
	}
	if record.State != StateInstalled {
		return
	}
	if !record.RequiredSatisfied() {
		// An earlier stop or failed start left this record fully
		// unbound; an explicit restart must re-match against the
		// currently ACTIVE population before giving up.
		injectSelfProvider(record)
		for _, other := range m.services {
			if other.ID == record.ID || other.State != StateActive {
				continue
			}
			matchInject(m.services, record, other)
		}
		if !record.RequiredSatisfied() {
			return
		}
	}
	if record.busy() {
		m.fatal("start requested for busy service %s", record.ID)
		return
	}

	record.State = StateInjecting
	record.State = StateStarting
	m.logger.Debug("starting service", zap.Stringer("service", record.ID), zap.String("impl", record.ImplName))

	m.pushScope(record.ID)
	startFn := record.StartFn
	startCtx := m.coroutineContext(record)
	promiseID := m.scoped.Spawn(continuationStart, record.ID, m.scopeStack, e, false, func(_ context.Context) (any, error) {
		if startFn == nil {
			return nil, nil
		}
		return nil, startFn(startCtx)
	})
	m.popScope()
	record.startPromise = &promiseID
}

// handleDependencyOnline cascades a service's transition to ACTIVE:
// every other INSTALLED service that is now fully satisfied because of
// it gets a start trigger.
func (m *Manager) handleDependencyOnline(e *DependencyOnlineEvent) {
	record, ok := m.services[e.ServiceID]
	if !ok {
		m.fatal("dependency online for missing service %s", e.ServiceID)
		return
	}

	for _, id := range onlineCandidates(m.services, record) {
		m.queue.Push(PriorityInternal, newStartServiceEvent(NoOriginator, id, PriorityInternal))
	}

	m.waiters.resolveService(record.ID, EventTypeOf[DependencyOnlineEvent]())

	if m.quitRequested {
		m.queue.Push(PriorityInternal, newStopServiceEvent(NoOriginator, record.ID, true, PriorityInternal))
	}
}

// handleDependencyOffline begins taking a service offline: dependees
// holding a registration exclusively satisfied by it must themselves
// stop before it may proceed; dependees with other providers, or a
// non-required registration, are simply unbound. Once nothing remains
// pending, a StopService trigger fires.
func (m *Manager) handleDependencyOffline(e *DependencyOfflineEvent) {
	record, ok := m.services[e.ServiceID]
	if !ok {
		return
	}
	if record.State != StateActive && record.State != StateUninjecting {
		return
	}
	record.State = StateUninjecting
	record.uninjectingRemoveAfter = e.RemoveAfter

	ids := make([]ServiceID, 0, len(record.Dependees))
	for id := range record.Dependees {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	pending := 0
	for _, depID := range ids {
		if depID == record.ID {
			continue
		}
		dependee, ok := m.services[depID]
		if !ok {
			delete(record.Dependees, depID)
			continue
		}

		exclusive := false
		for _, reg := range dependee.Registrations {
			if _, bound := reg.Providers[record.ID]; bound && reg.Required() && len(reg.Providers) == 1 {
				exclusive = true
				break
			}
		}

		// A dependee that keeps another provider, or never started,
		// is simply unbound; only started dependees that would lose
		// their last required provider must stop first.
		if !exclusive || dependee.State == StateInstalled {
			uninject(dependee, record)
			continue
		}

		pending++
		switch dependee.State {
		case StateActive, StateStarting:
			// A STARTING dependee queues this as a pending stop and
			// replays it once its start coroutine settles.
			m.queue.Push(PriorityInternal, newStopServiceEvent(NoOriginator, depID, false, PriorityInternal))
		}
	}

	if pending == 0 {
		m.queue.Push(PriorityInternal, newStopServiceEvent(NoOriginator, record.ID, e.RemoveAfter, PriorityInternal))
	}
}

// handleStopService runs a service's stop coroutine once it has no
// remaining dependees, deferring (via DependencyOffline) otherwise. A
// stop request arriving while the service is STARTING is queued for
// replay once the in-flight start coroutine resolves.
func (m *Manager) handleStopService(e *StopServiceEvent) {
	record, ok := m.services[e.ServiceID]
	if !ok {
		return
	}

	switch record.State {
	case StateInstalled, StateStopping:
		return
	case StateStarting:
		record.queueStop(e.RemoveAfter)
		return
	}

	if record.externalDependees() > 0 {
		record.uninjectingRemoveAfter = e.RemoveAfter
		m.queue.Push(PriorityInternal, newDependencyOfflineEvent(record.ID, e.RemoveAfter))
		return
	}

	record.State = StateStopping
	m.logger.Debug("stopping service", zap.Stringer("service", record.ID), zap.String("impl", record.ImplName))
	m.pushScope(record.ID)
	stopFn := record.StopFn
	stopCtx := m.coroutineContext(record)
	promiseID := m.scoped.Spawn(continuationStop, record.ID, m.scopeStack, e, e.RemoveAfter, func(_ context.Context) (any, error) {
		if stopFn == nil {
			return nil, nil
		}
		return nil, stopFn(stopCtx)
	})
	m.popScope()
	record.stopPromise = &promiseID
}

// handleRemoveService erases a record once it has no outstanding
// dependees or dependencies, synthesising undo requests to any tracker
// watching an interface it still declared a registration for.
func (m *Manager) handleRemoveService(e *RemoveServiceEvent) {
	record, ok := m.services[e.ServiceID]
	if !ok {
		return
	}
	if record.State != StateInstalled {
		m.fatal("remove requested for %s while in state %s", record.ID, record.State)
		return
	}
	if len(record.Dependees) > 0 || len(record.Dependencies) > 0 {
		m.fatal("remove requested for %s with non-empty dependees/dependencies", record.ID)
		return
	}

	for _, reg := range record.Registrations {
		for _, te := range m.trackers.snapshot(reg.InterfaceHash) {
			req := newDependencyRequestEvent(record.ID, reg, true)
			fn := te.fn
			trackerCtx := m.trackerContext(te.owner)
			m.pushScope(te.owner)
			m.scoped.Spawn(continuationTracker, te.owner, m.scopeStack, req, false, func(_ context.Context) (any, error) {
				return nil, fn(trackerCtx, req)
			})
			m.popScope()
		}
	}

	delete(m.services, record.ID)
	if m.metrics != nil {
		m.metrics.ActiveServices.Set(float64(m.countActive()))
	}
}

func (m *Manager) handleAddTracker(e *AddTrackerEvent) {
	m.trackers.add(e.Out.id, e.ServiceID, e.InterfaceHash, e.Tracker)

	for _, svc := range m.services {
		for _, reg := range svc.RegistrationsFor(e.InterfaceHash) {
			if reg.Satisfied() {
				continue
			}
			req := newDependencyRequestEvent(svc.ID, reg, false)
			fn := e.Tracker
			trackerCtx := m.trackerContext(e.ServiceID)
			m.pushScope(e.ServiceID)
			m.scoped.Spawn(continuationTracker, e.ServiceID, m.scopeStack, req, false, func(_ context.Context) (any, error) {
				return nil, fn(trackerCtx, req)
			})
			m.popScope()
		}
	}
}

// handleDependencyRequest notifies every tracker registered for the
// interface an unsatisfied registration needs.
func (m *Manager) handleDependencyRequest(e *DependencyRequestEvent) bool {
	entries := m.trackers.snapshot(e.InterfaceHash)
	ran := false
	for _, te := range entries {
		ran = true
		fn := te.fn
		trackerCtx := m.trackerContext(te.owner)
		m.pushScope(te.owner)
		m.scoped.Spawn(continuationTracker, te.owner, m.scopeStack, e, false, func(_ context.Context) (any, error) {
			return nil, fn(trackerCtx, e)
		})
		m.popScope()
	}
	return ran
}

func (m *Manager) handleRunFunction(ctx context.Context, e *RunFunctionEvent) {
	value, err := e.Fn(ctx)
	e.result <- runResult{value: value, err: err}
}

func (m *Manager) handleRunFunctionAsync(e *RunFunctionAsyncEvent) {
	fn := e.Fn
	runCtx := m.trackerContext(e.OriginatingServiceID())
	m.scoped.Spawn(continuationRunAsync, e.OriginatingServiceID(), m.scopeStack, e, false, func(_ context.Context) (any, error) {
		return fn(runCtx)
	})
}

// coroutineContext builds the context handed to a spawned coroutine:
// the manager handle (so service code can reach its host without
// explicit parameters) plus, when the owning record is known, a
// snapshot of its injected instances.
func (m *Manager) coroutineContext(record *ServiceRecord) context.Context {
	ctx := withManager(context.Background(), m)
	if record != nil {
		ctx = withInjected(ctx, snapshotInjected(record, m.services))
	}
	return ctx
}

// trackerContext is coroutineContext for a coroutine identified only
// by its owning ServiceID, which may be NoOriginator or a service that
// no longer exists.
func (m *Manager) trackerContext(owner ServiceID) context.Context {
	return m.coroutineContext(m.services[owner])
}

// handleContinuable resumes a suspended generic-handler, tracker, or
// run-async coroutine, then replays any pending stop requests queued
// against services on its scope stack while it was outstanding.
func (m *Manager) handleContinuable(e *ContinuableEvent) {
	pc, ok := m.scoped.Resolve(e.PromiseID)
	if !ok {
		m.fatal("unknown promise id %d", e.PromiseID)
		return
	}

	if e.Result.Err != nil {
		m.logger.Error("coroutine returned an error", zap.Uint64("promise", uint64(e.PromiseID)), zap.Error(e.Result.Err))
	}

	if pc.kind == continuationRunAsync {
		if ra, ok := pc.originatingEvent.(*RunFunctionAsyncEvent); ok {
			ra.result <- runResult{value: e.Result.Value, err: e.Result.Err}
		}
	}

	m.replayPendingStops(pc.scopeStack)
}

// handleContinuableStart resumes a suspended start or stop coroutine
// and drives the corresponding lifecycle transition.
func (m *Manager) handleContinuableStart(e *ContinuableStartEvent) {
	pc, ok := m.scoped.Resolve(e.PromiseID)
	if !ok {
		m.fatal("unknown promise id %d", e.PromiseID)
		return
	}

	record, ok := m.services[pc.serviceID]
	if !ok {
		m.fatal("continuation for missing service %s", pc.serviceID)
		return
	}

	switch pc.kind {
	case continuationStart:
		record.startPromise = nil
		if e.Result.Err != nil {
			// Revert to INSTALLED with empty dependency sets; the
			// record may be rebound when a new provider comes online
			// or an explicit StartService re-matches it.
			uninjectAll(m.services, record)
			record.State = StateInstalled
			m.logger.Error("service start failed", zap.Stringer("service", record.ID), zap.Error(e.Result.Err))
			m.wakeParentsOf(record)
			m.replayPendingStops(pc.scopeStack)
			return
		}
		record.State = StateActive
		m.logger.Debug("service active", zap.Stringer("service", record.ID), zap.String("impl", record.ImplName))
		if m.metrics != nil {
			m.metrics.ActiveServices.Set(float64(m.countActive()))
		}
		m.queue.Push(PriorityInternal, newDependencyOnlineEvent(record.ID))
		m.replayPendingStops(pc.scopeStack)

	case continuationStop:
		record.stopPromise = nil
		if e.Result.Err != nil {
			m.fatal("stop coroutine failed for %s: %v", record.ID, e.Result.Err)
			return
		}

		uninjectAll(m.services, record)
		record.State = StateInstalled
		m.logger.Debug("service stopped", zap.Stringer("service", record.ID), zap.String("impl", record.ImplName))
		if m.metrics != nil {
			m.metrics.ActiveServices.Set(float64(m.countActive()))
		}

		m.waiters.resolveService(record.ID, EventTypeOf[StopServiceEvent]())
		m.wakeParentsOf(record)

		if pc.removeAfter {
			m.queue.Push(PriorityInternal, newRemoveServiceEvent(record.ID))
		}
		m.replayPendingStops(pc.scopeStack)
	}
}

// wakeParentsOf runs after record has been detached from its providers
// (during a stop's dependency cleanup or a failed start): it re-checks
// every other UNINJECTING record, not only record's former providers,
// and pushes a StopService for each one whose dependee set is now
// empty apart from its own self edge.
func (m *Manager) wakeParentsOf(record *ServiceRecord) {
	for id, svc := range m.services {
		if id == record.ID {
			continue
		}
		if svc.State == StateUninjecting && svc.externalDependees() == 0 {
			m.queue.Push(PriorityInternal, newStopServiceEvent(NoOriginator, svc.ID, svc.uninjectingRemoveAfter, PriorityInternal))
		}
	}
}

// replayPendingStops re-triggers StopService for every service on a
// just-finished coroutine's scope stack that accumulated a queued stop
// request while it was busy.
func (m *Manager) replayPendingStops(stack []ServiceID) {
	for _, id := range stack {
		svc, ok := m.services[id]
		if !ok || svc.busy() {
			continue
		}
		removeAfter, had := svc.takePendingStop()
		if !had {
			continue
		}
		m.queue.Push(PriorityInternal, newStopServiceEvent(NoOriginator, id, removeAfter, PriorityInternal))
	}
}

// handleQuit begins the shutdown cascade: every currently ACTIVE
// service is stopped with removal, at internal priority tie-broken by
// its own declared priority. The natural dependee-before-dependency
// ordering already enforced by handleStopService/handleDependencyOffline
// takes care of sequencing; Quit itself just kicks every root off.
func (m *Manager) handleQuit() {
	if m.quitRequested {
		return
	}
	m.quitRequested = true
	m.logger.Debug("quit requested, beginning shutdown cascade")
	m.waiters.abortAll()

	ids := make([]ServiceID, 0, len(m.services))
	for id, svc := range m.services {
		if svc.State == StateActive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		svc := m.services[id]
		p := Priority(int64(PriorityInternal) + svc.Priority)
		m.queue.Push(p, newStopServiceEvent(NoOriginator, id, true, p))
	}

	if m.quiescent() {
		m.queue.Quit()
	}
}

// quiescent reports whether the manager has reached the state Quit
// waits for: no ACTIVE services, no outstanding coroutines, no
// outstanding waiters. This guarantees every stop coroutine has run
// to completion before the queue is told to terminate.
func (m *Manager) quiescent() bool {
	for _, svc := range m.services {
		if svc.State == StateActive {
			return false
		}
	}
	if m.scoped.Outstanding() > 0 {
		return false
	}
	if m.waiters.outstanding() {
		return false
	}
	return true
}

// clearState empties the service map and registration tables once the
// queue has fully drained after Quit. After this point zero services
// remain.
func (m *Manager) clearState() {
	m.services = make(map[ServiceID]*ServiceRecord)
	m.handlers = newHandlerTable()
	m.interceptors = newInterceptorTable()
	m.trackers = newTrackerTable()
	if m.metrics != nil {
		m.metrics.ActiveServices.Set(0)
		m.metrics.QueueDepth.Set(0)
	}
}

func (m *Manager) countActive() int {
	n := 0
	for _, svc := range m.services {
		if svc.State == StateActive {
			n++
		}
	}
	return n
}

func (m *Manager) pushScope(id ServiceID) { m.scopeStack = append(m.scopeStack, id) }

func (m *Manager) popScope() {
	if len(m.scopeStack) > 0 {
		m.scopeStack = m.scopeStack[:len(m.scopeStack)-1]
	}
}

// fatal logs an invariant violation and terminates the process, unless
// an onFatal override was installed via WithFatalHandler (tests use
// this so the test binary itself doesn't exit). When the logger
// discards error-level entries (the default no-op logger), the
// diagnostic is written to standard error instead.
func (m *Manager) fatal(format string, args ...any) {
	err := &InvariantViolation{Detail: fmt.Sprintf(format, args...)}
	m.logger.Error("invariant violation", zap.Error(err))
	if !m.logger.Core().Enabled(zap.ErrorLevel) {
		fmt.Fprintln(os.Stderr, "depman:", err)
	}
	if m.onFatal != nil {
		m.onFatal(err)
		return
	}
	os.Exit(1)
}

// nextServiceIDValue allocates the next ServiceID. Safe to call from
// any goroutine: service creation may originate from inside a
// suspended coroutine running concurrently with the dispatch loop.
func (m *Manager) nextServiceIDValue() ServiceID {
	return ServiceID(m.nextServiceID.Add(1))
}

// nextRegistrationID allocates the next handler/interceptor/tracker
// registration id. Safe to call from any goroutine for the same reason.
func (m *Manager) nextRegistrationID() uint64 {
	return m.nextRegID.Add(1)
}
