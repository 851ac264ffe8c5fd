package depman

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type iWidget interface{ Widget() string }

type widgetImpl struct{ name string }

func (w *widgetImpl) Widget() string { return w.name }

type iLayerA interface{ LayerA() string }
type iLayerB interface{ LayerB() string }

type layerAImpl struct{}

func (layerAImpl) LayerA() string { return "a" }

type layerBImpl struct{}

func (layerBImpl) LayerB() string { return "b" }

func waitForState(t *testing.T, ctx context.Context, m *Manager, id ServiceID, want LifecycleState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		infos, err := m.QueryServices(ctx, ServiceQuery{})
		require.NoError(t, err)
		for _, info := range infos {
			if info.ID == id && info.State == want {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("service %s did not reach state %s in time", id, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForRemoved(t *testing.T, ctx context.Context, m *Manager, id ServiceID, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		infos, err := m.QueryServices(ctx, ServiceQuery{})
		require.NoError(t, err)
		found := false
		for _, info := range infos {
			if info.ID == id {
				found = true
			}
		}
		if !found {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("service %s was never removed", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newRunningManager(t *testing.T) (*Manager, context.Context, <-chan error) {
	t.Helper()
	ctx := context.Background()
	m := New(WithFatalHandler(func(err error) { t.Fatalf("fatal: %v", err) }))
	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(ctx) }()
	return m, ctx, runDone
}

// S1: a manager with no services quits immediately once asked to.
func TestScenario_TrivialQuit(t *testing.T) {
	m, _, runDone := newRunningManager(t)

	m.PushQuit(NoOriginator)

	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not quit")
	}
}

// S2: a service with a satisfied required dependency starts and
// becomes ACTIVE once its provider is ACTIVE.
func TestScenario_RequiredDependencyResolves(t *testing.T) {
	m, ctx, runDone := newRunningManager(t)

	a := NewServiceBuilder("widget-provider")
	Offers[iWidget](a, NewInterfaceKey[iWidget](), &widgetImpl{name: "a"})
	aID := m.CreateService(a)
	waitForState(t, ctx, m, aID, StateActive, time.Second)

	b := NewServiceBuilder("widget-consumer")
	Requires[iWidget](b, FlagRequired, nil)
	bID := m.CreateService(b)
	waitForState(t, ctx, m, bID, StateActive, time.Second)

	info, err := m.QueryServices(ctx, ServiceQuery{ImplName: "widget-consumer"})
	require.NoError(t, err)
	require.Len(t, info, 1)
	assert.Equal(t, []ServiceID{aID}, info[0].Dependencies)

	m.PushQuit(NoOriginator)
	<-runDone
}

// S3: an ALLOW_MULTIPLE registration binds every matching provider
// already ACTIVE at insertion time.
func TestScenario_AllowMultipleBindsEveryProvider(t *testing.T) {
	m, ctx, runDone := newRunningManager(t)

	a1 := NewServiceBuilder("widget-a1")
	Offers[iWidget](a1, NewInterfaceKey[iWidget](), &widgetImpl{name: "a1"})
	a1ID := m.CreateService(a1)
	waitForState(t, ctx, m, a1ID, StateActive, time.Second)

	a2 := NewServiceBuilder("widget-a2")
	Offers[iWidget](a2, NewInterfaceKey[iWidget](), &widgetImpl{name: "a2"})
	a2ID := m.CreateService(a2)
	waitForState(t, ctx, m, a2ID, StateActive, time.Second)

	countCh := make(chan int, 1)
	b := NewServiceBuilder("widget-consumer-multi")
	Requires[iWidget](b, FlagRequired|FlagAllowMultiple, nil)
	b.WithStart(func(ctx context.Context) error {
		countCh <- len(Dependencies[iWidget](ctx))
		return nil
	})
	bID := m.CreateService(b)
	waitForState(t, ctx, m, bID, StateActive, time.Second)

	select {
	case n := <-countCh:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("consumer start never ran")
	}

	m.PushQuit(NoOriginator)
	<-runDone
}

// S4: a start coroutine returning an error leaves the record INSTALLED
// rather than ACTIVE, and is not retried on its own.
func TestScenario_FailedStartLeavesServiceInstalled(t *testing.T) {
	m, ctx, runDone := newRunningManager(t)

	a := NewServiceBuilder("widget-provider")
	Offers[iWidget](a, NewInterfaceKey[iWidget](), &widgetImpl{name: "a"})
	aID := m.CreateService(a)
	waitForState(t, ctx, m, aID, StateActive, time.Second)

	var attempts int32
	startAttempted := make(chan struct{}, 1)
	b := NewServiceBuilder("flaky-consumer")
	Requires[iWidget](b, FlagRequired, nil)
	b.WithStart(func(context.Context) error {
		atomic.AddInt32(&attempts, 1)
		startAttempted <- struct{}{}
		return &StartError{ServiceID: 0, Reason: "boom"}
	})
	bID := m.CreateService(b)

	var onlineForB int32
	RegisterCatchAllInterceptor(m, NoOriginator, &FuncInterceptor{
		PostFunc: func(_ context.Context, ev Event, _ bool) {
			if online, ok := ev.(*DependencyOnlineEvent); ok && online.ServiceID == bID {
				atomic.AddInt32(&onlineForB, 1)
			}
		},
	})

	select {
	case <-startAttempted:
	case <-time.After(time.Second):
		t.Fatal("start was never attempted")
	}

	waitForState(t, ctx, m, bID, StateInstalled, time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	assert.Equal(t, int32(0), atomic.LoadInt32(&onlineForB), "a failed start must never emit DependencyOnline")

	m.PushQuit(NoOriginator)
	<-runDone
}

// S5: taking a provider offline cascades through its dependees from the
// leaf inward -- each dependee fully stops before the one it depends on
// does.
func TestScenario_OfflineCascadeStopsDependeesFirst(t *testing.T) {
	m, ctx, runDone := newRunningManager(t)

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	a := NewServiceBuilder("layer-a")
	Offers[iLayerA](a, NewInterfaceKey[iLayerA](), layerAImpl{})
	a.WithStop(func(context.Context) error { record("a"); return nil })
	aID := m.CreateService(a)
	waitForState(t, ctx, m, aID, StateActive, time.Second)

	b := NewServiceBuilder("layer-b")
	Requires[iLayerA](b, FlagRequired, nil)
	Offers[iLayerB](b, NewInterfaceKey[iLayerB](), layerBImpl{})
	b.WithStop(func(context.Context) error { record("b"); return nil })
	bID := m.CreateService(b)
	waitForState(t, ctx, m, bID, StateActive, time.Second)

	c := NewServiceBuilder("layer-c")
	Requires[iLayerB](c, FlagRequired, nil)
	c.WithStop(func(context.Context) error { record("c"); return nil })
	cID := m.CreateService(c)
	waitForState(t, ctx, m, cID, StateActive, time.Second)

	m.PushStopService(NoOriginator, aID, true)

	waitForState(t, ctx, m, cID, StateInstalled, time.Second)
	waitForState(t, ctx, m, bID, StateInstalled, time.Second)
	waitForRemoved(t, ctx, m, aID, time.Second)

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	assert.Equal(t, []string{"c", "b", "a"}, got)

	m.PushQuit(NoOriginator)
	<-runDone
}

// S6: a stop request arriving while a start coroutine is still running
// is queued rather than acted on immediately, and replays once the
// start settles.
func TestScenario_StopDuringStartReplaysAfterCompletion(t *testing.T) {
	m, ctx, runDone := newRunningManager(t)

	gate := make(chan struct{})
	startedSignal := make(chan struct{})

	b := NewServiceBuilder("slow-starter")
	b.WithStart(func(context.Context) error {
		close(startedSignal)
		<-gate
		return nil
	})
	b.WithStop(func(context.Context) error { return nil })
	bID := m.CreateService(b)

	select {
	case <-startedSignal:
	case <-time.After(time.Second):
		t.Fatal("start never began")
	}

	waitForState(t, ctx, m, bID, StateStarting, time.Second)

	m.PushStopService(NoOriginator, bID, false)
	time.Sleep(50 * time.Millisecond)

	close(gate)

	waitForState(t, ctx, m, bID, StateInstalled, time.Second)

	m.PushQuit(NoOriginator)
	<-runDone
}

// S7: a registration with a Filter only binds the provider whose
// properties satisfy it, even when another provider of the same
// interface is also ACTIVE.
func TestScenario_FilterSelectsMatchingProvider(t *testing.T) {
	m, ctx, runDone := newRunningManager(t)

	one := NewServiceBuilder("widget-one")
	one.WithProperties(NewProperties().Set("scope", "one"))
	Offers[iWidget](one, NewInterfaceKey[iWidget](), &widgetImpl{name: "one"})
	oneID := m.CreateService(one)
	waitForState(t, ctx, m, oneID, StateActive, time.Second)

	two := NewServiceBuilder("widget-two")
	two.WithProperties(NewProperties().Set("scope", "two"))
	Offers[iWidget](two, NewInterfaceKey[iWidget](), &widgetImpl{name: "two"})
	twoID := m.CreateService(two)
	waitForState(t, ctx, m, twoID, StateActive, time.Second)

	nameCh := make(chan string, 1)
	consumer := NewServiceBuilder("scoped-consumer")
	Requires[iWidget](consumer, FlagRequired, PropertyFilter{Key: "scope", Value: "one"})
	consumer.WithStart(func(ctx context.Context) error {
		w := MustDependency[iWidget](ctx)
		nameCh <- w.(*widgetImpl).name
		return nil
	})
	consumerID := m.CreateService(consumer)
	waitForState(t, ctx, m, consumerID, StateActive, time.Second)

	select {
	case name := <-nameCh:
		assert.Equal(t, "one", name)
	case <-time.After(time.Second):
		t.Fatal("consumer start never ran")
	}

	info, err := m.QueryServices(ctx, ServiceQuery{ImplName: "scoped-consumer"})
	require.NoError(t, err)
	require.Len(t, info, 1)
	assert.Equal(t, []ServiceID{oneID}, info[0].Dependencies)

	m.PushQuit(NoOriginator)
	<-runDone
}

func TestRunFunction_ExecutesSynchronouslyAndReturnsValue(t *testing.T) {
	m, ctx, runDone := newRunningManager(t)

	v, err := m.RunFunction(ctx, NoOriginator, func(context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	m.PushQuit(NoOriginator)
	<-runDone
}

func TestRunFunctionAsync_ResolvesViaCompletion(t *testing.T) {
	m, ctx, runDone := newRunningManager(t)

	completion := m.RunFunctionAsync(NoOriginator, func(context.Context) (any, error) {
		return "done", nil
	})
	v, err := completion.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	m.PushQuit(NoOriginator)
	<-runDone
}

func TestCreateServices_ReturnsIDsInOrder(t *testing.T) {
	m, ctx, runDone := newRunningManager(t)

	a := NewServiceBuilder("batch-a")
	b := NewServiceBuilder("batch-b")
	ids := CreateServices(m, a, b)
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])

	waitForState(t, ctx, m, ids[0], StateActive, time.Second)
	waitForState(t, ctx, m, ids[1], StateActive, time.Second)

	m.PushQuit(NoOriginator)
	<-runDone
}

// A service that requires an interface it also offers is satisfied by
// the synthetic self edge; that edge must not block its stop or
// removal.
func TestSelfReferentialService_StartsAndStopsCleanly(t *testing.T) {
	m, ctx, runDone := newRunningManager(t)

	s := NewServiceBuilder("self-referential")
	Offers[iWidget](s, NewInterfaceKey[iWidget](), &widgetImpl{name: "self"})
	Requires[iWidget](s, FlagRequired, nil)
	sID := m.CreateService(s)
	waitForState(t, ctx, m, sID, StateActive, time.Second)

	m.PushStopService(NoOriginator, sID, true)
	waitForRemoved(t, ctx, m, sID, time.Second)

	m.PushQuit(NoOriginator)
	<-runDone
}

// StopService on a service already back in INSTALLED is a no-op; in
// particular it must not trip the fatal path.
func TestStopService_OnInstalledServiceIsNoOp(t *testing.T) {
	m, ctx, runDone := newRunningManager(t)

	b := NewServiceBuilder("stuck-consumer")
	Requires[iWidget](b, FlagRequired, nil)
	bID := m.CreateService(b)
	waitForState(t, ctx, m, bID, StateInstalled, time.Second)

	m.PushStopService(NoOriginator, bID, false)
	barrier(t, ctx, m)
	waitForState(t, ctx, m, bID, StateInstalled, time.Second)

	m.PushQuit(NoOriginator)
	<-runDone
}

// After Quit fully drains, zero services remain -- ACTIVE ones were
// stopped and removed by the cascade, and the record table is cleared
// with the rest of the manager's state.
func TestQuit_DrainsToZeroServices(t *testing.T) {
	m, ctx, runDone := newRunningManager(t)

	a := NewServiceBuilder("widget-provider")
	Offers[iWidget](a, NewInterfaceKey[iWidget](), &widgetImpl{name: "a"})
	aID := m.CreateService(a)
	waitForState(t, ctx, m, aID, StateActive, time.Second)

	stuck := NewServiceBuilder("stuck-consumer")
	Requires[iOther](stuck, FlagRequired, nil)
	stuckID := m.CreateService(stuck)
	waitForState(t, ctx, m, stuckID, StateInstalled, time.Second)

	m.PushQuit(NoOriginator)
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not quit")
	}

	assert.Empty(t, m.services)
}

// Quit applied twice is equivalent to applied once.
func TestQuit_IsIdempotent(t *testing.T) {
	m, ctx, runDone := newRunningManager(t)

	a := NewServiceBuilder("widget-provider")
	Offers[iWidget](a, NewInterfaceKey[iWidget](), &widgetImpl{name: "a"})
	aID := m.CreateService(a)
	waitForState(t, ctx, m, aID, StateActive, time.Second)

	m.PushQuit(NoOriginator)
	m.PushQuit(NoOriginator)

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not quit after a double Quit")
	}
	assert.Empty(t, m.services)
}

// Stopping a consumer fully unbinds it; an explicit StartService then
// re-matches it against the still-ACTIVE provider population and
// brings it back up.
func TestStopThenExplicitStart_RebindsDependencies(t *testing.T) {
	m, ctx, runDone := newRunningManager(t)

	a := NewServiceBuilder("widget-provider")
	Offers[iWidget](a, NewInterfaceKey[iWidget](), &widgetImpl{name: "a"})
	aID := m.CreateService(a)
	waitForState(t, ctx, m, aID, StateActive, time.Second)

	b := NewServiceBuilder("widget-consumer")
	Requires[iWidget](b, FlagRequired, nil)
	bID := m.CreateService(b)
	waitForState(t, ctx, m, bID, StateActive, time.Second)

	m.PushStopService(NoOriginator, bID, false)
	waitForState(t, ctx, m, bID, StateInstalled, time.Second)

	info, err := m.QueryServices(ctx, ServiceQuery{ImplName: "widget-consumer"})
	require.NoError(t, err)
	require.Len(t, info, 1)
	assert.Empty(t, info[0].Dependencies, "a stopped service must hold no dependencies")

	m.PushStartService(NoOriginator, bID)
	waitForState(t, ctx, m, bID, StateActive, time.Second)

	info, err = m.QueryServices(ctx, ServiceQuery{ImplName: "widget-consumer"})
	require.NoError(t, err)
	require.Len(t, info, 1)
	assert.Equal(t, []ServiceID{aID}, info[0].Dependencies)

	m.PushQuit(NoOriginator)
	<-runDone
}

// A provider coming online while a consumer is mid-stop must not be
// injected into it; the offline cascade completes with the sets the
// consumer already has.
func TestProviderArrivingDuringStopIsNotInjected(t *testing.T) {
	m, ctx, runDone := newRunningManager(t)

	a := NewServiceBuilder("widget-provider-a")
	Offers[iWidget](a, NewInterfaceKey[iWidget](), &widgetImpl{name: "a"})
	aID := m.CreateService(a)
	waitForState(t, ctx, m, aID, StateActive, time.Second)

	gate := make(chan struct{})
	c := NewServiceBuilder("slow-stopper")
	Requires[iWidget](c, FlagRequired, nil)
	c.WithStop(func(context.Context) error {
		<-gate
		return nil
	})
	cID := m.CreateService(c)
	waitForState(t, ctx, m, cID, StateActive, time.Second)

	m.PushStopService(NoOriginator, aID, false)
	waitForState(t, ctx, m, cID, StateStopping, time.Second)

	b := NewServiceBuilder("widget-provider-b")
	Offers[iWidget](b, NewInterfaceKey[iWidget](), &widgetImpl{name: "b"})
	bID := m.CreateService(b)
	waitForState(t, ctx, m, bID, StateActive, time.Second)

	close(gate)
	waitForState(t, ctx, m, cID, StateInstalled, time.Second)
	waitForState(t, ctx, m, aID, StateInstalled, time.Second)

	info, err := m.QueryServices(ctx, ServiceQuery{ImplName: "slow-stopper"})
	require.NoError(t, err)
	require.Len(t, info, 1)
	assert.Empty(t, info[0].Dependencies, "the late provider must not have been injected mid-stop")

	m.PushQuit(NoOriginator)
	<-runDone
}

// A WaitForService completion that can never naturally resolve (its
// target service never reaches the awaited event, because its
// required dependency is never offered) must still be released with
// WaitErrorQuitting once Quit is pushed, or quiescence never settles
// and Run hangs forever.
func TestQuit_AbortsOutstandingWaiters(t *testing.T) {
	m, ctx, runDone := newRunningManager(t)

	b := NewServiceBuilder("stuck-consumer")
	Requires[iWidget](b, FlagRequired, nil)
	bID := m.CreateService(b)
	waitForState(t, ctx, m, bID, StateInstalled, time.Second)

	completion := m.WaitForService(bID, EventTypeOf[DependencyOnlineEvent]())

	m.PushQuit(NoOriginator)

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not quit with an outstanding waiter")
	}

	select {
	case <-completion.Done():
	default:
		t.Fatal("completion never resolved")
	}
	_, err := completion.Wait(ctx)
	var waitErr *WaitError
	require.ErrorAs(t, err, &waitErr)
	assert.Equal(t, WaitErrorQuitting, waitErr.Reason)
}
