package depman

import (
	"hash/fnv"
	"reflect"
)

// DependencyFlags controls how a dependency registration behaves.
type DependencyFlags uint8

const (
	// FlagRequired means the owning service cannot be ACTIVE without at
	// least one satisfied provider for this registration.
	FlagRequired DependencyFlags = 1 << iota
	// FlagAllowMultiple means the registration may bind more than one
	// provider simultaneously.
	FlagAllowMultiple
)

// Has reports whether flag is set.
func (f DependencyFlags) Has(flag DependencyFlags) bool {
	return f&flag != 0
}

// OfferedInterface describes one capability a service provides: the
// matching key plus the concrete value consumers borrow at injection
// time. The borrow is valid only while the provider stays ACTIVE.
type OfferedInterface struct {
	Hash     InterfaceHash
	Name     string
	Instance any
}

// DependencyDescriptor is the tuple (interface_hash, interface_name,
// flags, satisfied_count) describing one outgoing registration.
type DependencyDescriptor struct {
	InterfaceHash  InterfaceHash
	InterfaceName  string
	Flags          DependencyFlags
	SatisfiedCount int
}

// Required reports whether FlagRequired is set.
func (d DependencyDescriptor) Required() bool { return d.Flags.Has(FlagRequired) }

// AllowMultiple reports whether FlagAllowMultiple is set.
func (d DependencyDescriptor) AllowMultiple() bool { return d.Flags.Has(FlagAllowMultiple) }

// DependencyRegistration is a service's declared need for an
// interface, with flags, an optional filter, and the currently
// satisfied providers.
type DependencyRegistration struct {
	DependencyDescriptor
	Filter    Filter
	Providers map[ServiceID]struct{}
}

// newRegistration builds an empty registration for hash/name with the
// given flags and optional filter.
func newRegistration(hash InterfaceHash, name string, flags DependencyFlags, filter Filter) *DependencyRegistration {
	return &DependencyRegistration{
		DependencyDescriptor: DependencyDescriptor{InterfaceHash: hash, InterfaceName: name, Flags: flags},
		Filter:               filter,
		Providers:            make(map[ServiceID]struct{}),
	}
}

// Satisfied reports whether this registration currently has at least
// one bound provider.
func (r *DependencyRegistration) Satisfied() bool {
	return len(r.Providers) > 0
}

// HashInterfaceName derives a stable InterfaceHash from an interface
// name. Two calls with the same name always agree, across managers
// and across processes.
func HashInterfaceName(name string) InterfaceHash {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return InterfaceHash(h.Sum64())
}

// InterfaceKey is a typed handle for declaring offered interfaces and
// dependency registrations without repeating string names at call
// sites.
type InterfaceKey[T any] struct {
	name string
	hash InterfaceHash
}

// NewInterfaceKey derives an InterfaceKey from T's Go type name. Two
// calls for the same T always produce the same hash.
func NewInterfaceKey[T any]() InterfaceKey[T] {
	var zero T
	name := reflect.TypeOf(&zero).Elem().String()
	return InterfaceKey[T]{name: name, hash: HashInterfaceName(name)}
}

// Name returns the interface's string name.
func (k InterfaceKey[T]) Name() string { return k.name }

// Hash returns the interface's hash.
func (k InterfaceKey[T]) Hash() InterfaceHash { return k.hash }

// Offer builds an OfferedInterface value for this key, carrying
// instance as the concrete value dependees will borrow once this
// service reaches ACTIVE.
func (k InterfaceKey[T]) Offer(instance T) OfferedInterface {
	return OfferedInterface{Hash: k.hash, Name: k.name, Instance: instance}
}

// EventTypeOf derives a stable EventType tag for event struct T from
// its Go type name.
func EventTypeOf[T any]() EventType {
	var zero T
	name := reflect.TypeOf(&zero).Elem().String()
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return EventType(h.Sum64())
}
