package depman

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotInjected_CollectsBoundProviderInstances(t *testing.T) {
	offerer := newServiceRecord(1, "offerer", nil, []OfferedInterface{offersIUseless(&uselessImpl{tag: "x"})}, nil, nil, nil, 0)
	reg := usesIUseless(FlagRequired, nil)
	consumer := newServiceRecord(2, "consumer", nil, nil, []*DependencyRegistration{reg}, nil, nil, 0)

	services := map[ServiceID]*ServiceRecord{1: offerer, 2: consumer}
	matchInject(services, consumer, offerer)

	snapshot := snapshotInjected(consumer, services)
	values := snapshot[reg.InterfaceHash]
	if assert.Len(t, values, 1) {
		got, ok := values[0].(*uselessImpl)
		assert.True(t, ok)
		assert.Equal(t, "x", got.tag)
	}
}

func TestDependency_ReturnsFirstBoundInstance(t *testing.T) {
	key := NewInterfaceKey[iUseless]()
	ctx := withInjected(context.Background(), map[InterfaceHash][]any{
		key.Hash(): {&uselessImpl{tag: "only"}},
	})

	got, ok := Dependency[iUseless](ctx)
	assert.True(t, ok)
	assert.Equal(t, "only", got.(*uselessImpl).tag)
}

func TestDependency_MissingReturnsZeroValue(t *testing.T) {
	ctx := context.Background()
	got, ok := Dependency[iUseless](ctx)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestMustDependency_PanicsWhenAbsent(t *testing.T) {
	ctx := context.Background()
	assert.Panics(t, func() { MustDependency[iUseless](ctx) })
}

func TestDependencies_ReturnsEveryBoundInstanceOfTheRightType(t *testing.T) {
	key := NewInterfaceKey[iUseless]()
	ctx := withInjected(context.Background(), map[InterfaceHash][]any{
		key.Hash(): {&uselessImpl{tag: "a"}, &uselessImpl{tag: "b"}, "not-a-uselessImpl"},
	})

	got := Dependencies[iUseless](ctx)
	assert.Len(t, got, 2)
}
