package depman

import (
	"context"
	"sort"

	"github.com/google/uuid"
)

// ServiceQuery defines criteria for querying the manager's current
// service population, a read-only view for diagnostics and tests.
type ServiceQuery struct {
	// State filters by lifecycle state. nil matches every state.
	State *LifecycleState
	// ImplName filters by implementation name. Empty matches all.
	ImplName string
	// Properties filters by property key/value pairs; every entry must
	// match for a service to be included.
	Properties map[string]any
}

// ServiceInfo is a read-only snapshot of one ServiceRecord. Its id
// lists and offered-interface slice are copies; Properties is the
// record's own map, shared rather than copied.
type ServiceInfo struct {
	ID                ServiceID
	ImplName          string
	UUID              uuid.UUID
	State             LifecycleState
	Priority          int64
	Properties        *Properties
	OfferedInterfaces []OfferedInterface
	Dependees         []ServiceID
	Dependencies      []ServiceID
}

func toServiceInfo(r *ServiceRecord) ServiceInfo {
	info := ServiceInfo{
		ID:                r.ID,
		ImplName:          r.ImplName,
		UUID:              r.UUID,
		State:             r.State,
		Priority:          r.Priority,
		Properties:        r.Properties,
		OfferedInterfaces: append([]OfferedInterface(nil), r.OfferedInterfaces...),
	}
	for id := range r.Dependees {
		info.Dependees = append(info.Dependees, id)
	}
	for id := range r.Dependencies {
		info.Dependencies = append(info.Dependencies, id)
	}
	sort.Slice(info.Dependees, func(i, j int) bool { return info.Dependees[i] < info.Dependees[j] })
	sort.Slice(info.Dependencies, func(i, j int) bool { return info.Dependencies[i] < info.Dependencies[j] })
	return info
}

func (q ServiceQuery) matches(r *ServiceRecord) bool {
	if q.State != nil && r.State != *q.State {
		return false
	}
	if q.ImplName != "" && r.ImplName != q.ImplName {
		return false
	}
	for key, want := range q.Properties {
		got, ok := r.Properties.Get(key)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// QueryServices returns a snapshot of every service matching q, sorted
// by ServiceID. Safe to call from any goroutine: the scan itself is
// run on the dispatch-loop goroutine via RunFunction so it never races
// the services it reads.
func (m *Manager) QueryServices(ctx context.Context, q ServiceQuery) ([]ServiceInfo, error) {
	v, err := m.RunFunction(ctx, NoOriginator, func(context.Context) (any, error) {
		ids := make([]ServiceID, 0, len(m.services))
		for id := range m.services {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		out := make([]ServiceInfo, 0, len(ids))
		for _, id := range ids {
			r := m.services[id]
			if q.matches(r) {
				out = append(out, toServiceInfo(r))
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]ServiceInfo), nil
}

// FindByState returns every service currently in state.
func (m *Manager) FindByState(ctx context.Context, state LifecycleState) ([]ServiceInfo, error) {
	return m.QueryServices(ctx, ServiceQuery{State: &state})
}

// FindActive returns every ACTIVE service.
func (m *Manager) FindActive(ctx context.Context) ([]ServiceInfo, error) {
	return m.FindByState(ctx, StateActive)
}
