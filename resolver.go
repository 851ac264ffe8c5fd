package depman

import "sort"

// matchInject attempts to bind every interface offerer provides against
// every registration consumer declared. A registration matches when:
//  1. the interface hash is identical
//  2. the optional Filter accepts the offerer, or is absent
//  3. the registration is not already satisfied, unless it allows
//     multiple providers
//
// A required match that would close a cycle through currently-bound
// edges is refused. The path back is searched through every bound
// edge of every record in services, optional edges and records that
// are not ACTIVE included. Optional matches are never refused, and
// self injection (consumer == offerer, used only by
// injectSelfProvider) is exempt since that edge never leaves the
// record.
//
// On a successful match it performs the symmetric bookkeeping update
// (consumer.dependencies += offerer; offerer.dependees += consumer)
// and reports whether anything was injected.
func matchInject(services map[ServiceID]*ServiceRecord, consumer, offerer *ServiceRecord) bool {
	self := consumer.ID == offerer.ID
	injected := false

	for _, off := range offerer.OfferedInterfaces {
		for _, reg := range consumer.RegistrationsFor(off.Hash) {
			if _, already := reg.Providers[offerer.ID]; already {
				continue
			}
			if reg.Satisfied() && !reg.AllowMultiple() {
				continue
			}
			if reg.Filter != nil && !reg.Filter.Matches(offerer.ID, offerer.Properties) {
				continue
			}
			if !self && reg.Required() && wouldCycle(services, consumer.ID, offerer.ID) {
				continue
			}

			reg.Providers[offerer.ID] = struct{}{}
			reg.SatisfiedCount = len(reg.Providers)
			consumer.Dependencies[offerer.ID] = struct{}{}
			offerer.Dependees[consumer.ID] = struct{}{}
			injected = true
		}
	}

	return injected
}

// uninject removes offerer as a provider for every registration of
// consumer that currently binds it, undoing the symmetric bookkeeping.
// Reports whether consumer had any REQUIRED registration left
// unsatisfied solely by offerer's removal.
func uninject(consumer, offerer *ServiceRecord) (lostRequired bool) {
	for _, reg := range consumer.Registrations {
		if _, bound := reg.Providers[offerer.ID]; !bound {
			continue
		}
		delete(reg.Providers, offerer.ID)
		reg.SatisfiedCount = len(reg.Providers)
		if reg.Required() && !reg.Satisfied() {
			lostRequired = true
		}
	}
	delete(consumer.Dependencies, offerer.ID)
	delete(offerer.Dependees, consumer.ID)
	return lostRequired
}

// uninjectAll unbinds every provider currently injected into record,
// the synthetic self edge included, restoring the INSTALLED invariant
// of empty dependencies and clearing each registration's provider set
// so a later restart re-matches from scratch.
func uninjectAll(services map[ServiceID]*ServiceRecord, record *ServiceRecord) {
	ids := make([]ServiceID, 0, len(record.Dependencies))
	for id := range record.Dependencies {
		ids = append(ids, id)
	}
	for _, depID := range ids {
		if depID == record.ID {
			uninject(record, record)
			continue
		}
		dep, ok := services[depID]
		if !ok {
			for _, reg := range record.Registrations {
				delete(reg.Providers, depID)
				reg.SatisfiedCount = len(reg.Providers)
			}
			delete(record.Dependencies, depID)
			continue
		}
		uninject(record, dep)
	}
}

// injectSelfProvider wires a service's self-referential registrations
// to itself immediately at creation time. No cycle forms because the
// edge never leaves the record.
func injectSelfProvider(record *ServiceRecord) {
	matchInject(nil, record, record)
}

// onlineCandidates returns, in ascending ServiceID order, the services
// whose registrations matched something from x and which should now
// receive a start trigger because they are INSTALLED and fully
// satisfied. Every eligible consumer is visited exactly once per
// transition.
func onlineCandidates(services map[ServiceID]*ServiceRecord, x *ServiceRecord) []ServiceID {
	ids := make([]ServiceID, 0, len(services))
	for id := range services {
		if id == x.ID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var toStart []ServiceID
	for _, id := range ids {
		y := services[id]
		// A consumer mid-stop is suppressed from re-injection; its
		// offline cascade completes with the sets it already has.
		if y.State == StateStopping || y.State == StateUninjecting {
			continue
		}
		if !matchInject(services, y, x) {
			continue
		}
		if y.State == StateInstalled && y.RequiredSatisfied() {
			toStart = append(toStart, id)
		}
	}
	return toStart
}

// wouldCycle reports whether adding a required edge from -> to would
// close a cycle through currently-bound edges. Optional and self edges
// are exempt.
func wouldCycle(services map[ServiceID]*ServiceRecord, from, to ServiceID) bool {
	if from == to {
		return false
	}

	visited := make(map[ServiceID]bool)
	var visit func(id ServiceID) bool
	visit = func(id ServiceID) bool {
		if id == from {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true

		svc, ok := services[id]
		if !ok {
			return false
		}
		for dep := range svc.Dependencies {
			if visit(dep) {
				return true
			}
		}
		return false
	}

	return visit(to)
}
