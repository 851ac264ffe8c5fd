package depman

import "github.com/google/uuid"

// LifecycleState enumerates a service's position in the lifecycle
// state machine.
type LifecycleState int

const (
	StateInstalled LifecycleState = iota
	StateInjecting
	StateStarting
	StateActive
	StateStopping
	StateUninjecting
)

// String implements fmt.Stringer.
func (s LifecycleState) String() string {
	switch s {
	case StateInstalled:
		return "INSTALLED"
	case StateInjecting:
		return "INJECTING"
	case StateStarting:
		return "STARTING"
	case StateActive:
		return "ACTIVE"
	case StateStopping:
		return "STOPPING"
	case StateUninjecting:
		return "UNINJECTING"
	default:
		return "UNKNOWN"
	}
}

// DependencyOnlineResult enumerates the possible outcomes of offering
// an online provider to a consumer. No function in this package
// returns it; the resolver reports matches as a bool (matchInject) and
// start candidates as a list of ids (onlineCandidates).
type DependencyOnlineResult int

const (
	// ResultDone means the offer was not of interest (filter rejected
	// or duplicate).
	ResultDone DependencyOnlineResult = iota
	// ResultStarted means all required dependencies are now satisfied
	// and a start trigger should be pushed.
	ResultStarted
	// ResultSuspended means an asynchronous start is already under way
	// (caller should not push another trigger).
	ResultSuspended
)

// ServiceRecord is the canonical per-service entity the manager owns.
type ServiceRecord struct {
	ID       ServiceID
	ImplName string
	UUID     uuid.UUID
	Priority int64

	Properties        *Properties
	OfferedInterfaces []OfferedInterface
	Registrations     []*DependencyRegistration

	Dependees    map[ServiceID]struct{}
	Dependencies map[ServiceID]struct{}

	State LifecycleState

	StartFn StartFunc
	StopFn  StopFunc

	// pendingStopRemoveAfter records a stop request received while the
	// service is STARTING; it is replayed once the start coroutine
	// completes. A stop request received while STOPPING is dropped.
	pendingStopRemoveAfter *bool
	// startPromise/stopPromise track the in-flight coroutine, if any,
	// so a second lifecycle event for this service can be refused
	// while one is outstanding.
	startPromise *PromiseID
	stopPromise  *PromiseID

	// uninjectingRemoveAfter carries the remove_after flag across the
	// (possibly multi-event) offline cascade while the record sits in
	// UNINJECTING, so it can be threaded back into the StopService that
	// finally fires once every dependee has let go.
	uninjectingRemoveAfter bool
}

// newServiceRecord builds an INSTALLED record with empty dependee and
// dependency sets (per invariant: INSTALLED implies both are empty).
func newServiceRecord(id ServiceID, implName string, props *Properties, offered []OfferedInterface, regs []*DependencyRegistration, start StartFunc, stop StopFunc, priority int64) *ServiceRecord {
	if props == nil {
		props = NewProperties()
	}
	return &ServiceRecord{
		ID:                id,
		ImplName:          implName,
		UUID:              uuid.New(),
		Priority:          priority,
		Properties:        props,
		OfferedInterfaces: offered,
		Registrations:     regs,
		Dependees:         make(map[ServiceID]struct{}),
		Dependencies:      make(map[ServiceID]struct{}),
		State:             StateInstalled,
		StartFn:           start,
		StopFn:            stop,
	}
}

// OffersInterface reports whether this record offers hash.
func (r *ServiceRecord) OffersInterface(hash InterfaceHash) bool {
	for _, off := range r.OfferedInterfaces {
		if off.Hash == hash {
			return true
		}
	}
	return false
}

// RequiredSatisfied reports whether every REQUIRED registration has at
// least one bound provider.
func (r *ServiceRecord) RequiredSatisfied() bool {
	for _, reg := range r.Registrations {
		if reg.Required() && !reg.Satisfied() {
			return false
		}
	}
	return true
}

// RegistrationsFor returns every registration (there may be several,
// with independent filters) this record declared for hash.
func (r *ServiceRecord) RegistrationsFor(hash InterfaceHash) []*DependencyRegistration {
	var out []*DependencyRegistration
	for _, reg := range r.Registrations {
		if reg.InterfaceHash == hash {
			out = append(out, reg)
		}
	}
	return out
}

// externalDependees counts dependees other than the record itself;
// the synthetic self edge never blocks a stop.
func (r *ServiceRecord) externalDependees() int {
	n := len(r.Dependees)
	if _, ok := r.Dependees[r.ID]; ok {
		n--
	}
	return n
}

// busy reports whether a start or stop coroutine is currently
// in-flight for this service -- while true, no new lifecycle event for
// it may be processed.
func (r *ServiceRecord) busy() bool {
	return r.startPromise != nil || r.stopPromise != nil
}

// queueStop records a stop request received while STARTING, to be
// replayed when the in-flight start coroutine completes. A later call with
// removeAfter=true upgrades a previously queued non-removing request.
func (r *ServiceRecord) queueStop(removeAfter bool) {
	if r.pendingStopRemoveAfter == nil {
		r.pendingStopRemoveAfter = &removeAfter
		return
	}
	if removeAfter {
		*r.pendingStopRemoveAfter = true
	}
}

// takePendingStop returns and clears any queued stop request.
func (r *ServiceRecord) takePendingStop() (removeAfter bool, had bool) {
	if r.pendingStopRemoveAfter == nil {
		return false, false
	}
	removeAfter = *r.pendingStopRemoveAfter
	r.pendingStopRemoveAfter = nil
	return removeAfter, true
}
