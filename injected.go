package depman

import "context"

// snapshotInjected captures, for a record's current registrations, the
// concrete instances bound to each one at the moment a coroutine is
// about to be spawned. The snapshot is built exclusively on the
// dispatch-loop goroutine (a safe point: the services map is only ever
// mutated there) and then handed to the coroutine's goroutine as plain
// immutable data, so the borrow never touches shared state again.
func snapshotInjected(record *ServiceRecord, services map[ServiceID]*ServiceRecord) map[InterfaceHash][]any {
	out := make(map[InterfaceHash][]any)
	for _, reg := range record.Registrations {
		for providerID := range reg.Providers {
			provider, ok := services[providerID]
			if !ok {
				continue
			}
			for _, off := range provider.OfferedInterfaces {
				if off.Hash == reg.InterfaceHash {
					out[reg.InterfaceHash] = append(out[reg.InterfaceHash], off.Instance)
				}
			}
		}
	}
	return out
}

type injectedKey struct{}

type managerKey struct{}

// withManager attaches the hosting Manager to the context handed to a
// spawned coroutine.
func withManager(ctx context.Context, m *Manager) context.Context {
	return context.WithValue(ctx, managerKey{}, m)
}

// ManagerFrom returns the Manager whose dispatch loop spawned the
// calling coroutine: service code can push events or create further
// services without threading the manager through every signature.
func ManagerFrom(ctx context.Context) (*Manager, bool) {
	m, ok := ctx.Value(managerKey{}).(*Manager)
	return m, ok
}

// withInjected attaches snapshot to ctx so a running coroutine can
// retrieve its borrowed dependency instances via Dependency/Dependencies.
func withInjected(ctx context.Context, snapshot map[InterfaceHash][]any) context.Context {
	return context.WithValue(ctx, injectedKey{}, snapshot)
}

func injectedFrom(ctx context.Context) map[InterfaceHash][]any {
	v, _ := ctx.Value(injectedKey{}).(map[InterfaceHash][]any)
	return v
}

// Dependency returns the first instance bound to T in the calling
// coroutine's scope, type-asserted to T. ok is false if nothing of
// that interface was injected, or the bound instance doesn't assert to
// T (a programmer error pairing the wrong Go type with the key).
// The instance comes from the snapshot taken when the coroutine was
// spawned; that snapshot is not revoked or updated if the provider
// goes offline while the coroutine is still running.
func Dependency[T any](ctx context.Context) (T, bool) {
	var zero T
	key := NewInterfaceKey[T]()
	values := injectedFrom(ctx)[key.Hash()]
	if len(values) == 0 {
		return zero, false
	}
	typed, ok := values[0].(T)
	return typed, ok
}

// MustDependency is Dependency, panicking if the instance is absent or
// of the wrong Go type. Intended for REQUIRED registrations, where the
// lifecycle state machine already guarantees at least one provider is
// bound before the coroutine can run.
func MustDependency[T any](ctx context.Context) T {
	v, ok := Dependency[T](ctx)
	if !ok {
		panic("depman: MustDependency: no matching instance injected")
	}
	return v
}

// Dependencies returns every instance bound to T, for ALLOW_MULTIPLE
// registrations. Entries that don't assert to T are skipped.
func Dependencies[T any](ctx context.Context) []T {
	key := NewInterfaceKey[T]()
	values := injectedFrom(ctx)[key.Hash()]
	out := make([]T, 0, len(values))
	for _, v := range values {
		if typed, ok := v.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}
