package depman

import "context"

// InterceptAction is returned by an interceptor's pre-hook.
type InterceptAction int

const (
	// Continue lets the payload step proceed normally.
	Continue InterceptAction = iota
	// Prevent skips the payload step; post-hooks still run with
	// processed=false.
	Prevent
)

// CatchAllEventType is the sentinel type tag (hash 0) interceptors can
// register against to observe every event, regardless of kind.
const CatchAllEventType EventType = 0

// Interceptor observes event dispatch. Pre runs before the payload
// step; Post always runs afterwards, even when Pre returned Prevent or
// no handler ran.
type Interceptor interface {
	Pre(ctx context.Context, ev Event) InterceptAction
	Post(ctx context.Context, ev Event, processed bool)
}

// interceptorEntry pairs a registered Interceptor with the owning
// service and a registration id used to remove it later.
type interceptorEntry struct {
	id    uint64
	owner ServiceID
	hook  Interceptor
}

// interceptorTable indexes interceptors by the event type they
// intercept (plus the catch-all bucket).
type interceptorTable struct {
	byType map[EventType][]*interceptorEntry
}

func newInterceptorTable() *interceptorTable {
	return &interceptorTable{byType: make(map[EventType][]*interceptorEntry)}
}

func (t *interceptorTable) add(id uint64, owner ServiceID, eventType EventType, hook Interceptor) {
	entry := &interceptorEntry{id: id, owner: owner, hook: hook}
	t.byType[eventType] = append(t.byType[eventType], entry)
}

func (t *interceptorTable) remove(eventType EventType, id uint64) {
	entries := t.byType[eventType]
	for i, e := range entries {
		if e.id == id {
			t.byType[eventType] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// snapshot returns the interceptors registered for eventType plus the
// catch-all bucket, taken before dispatch begins so additions/removals
// triggered by the dispatch itself don't affect this event's pass.
func (t *interceptorTable) snapshot(eventType EventType) []*interceptorEntry {
	specific := t.byType[eventType]
	catchAll := t.byType[CatchAllEventType]

	out := make([]*interceptorEntry, 0, len(specific)+len(catchAll))
	out = append(out, specific...)
	out = append(out, catchAll...)
	return out
}

// FuncInterceptor adapts plain functions to the Interceptor interface.
type FuncInterceptor struct {
	PreFunc  func(ctx context.Context, ev Event) InterceptAction
	PostFunc func(ctx context.Context, ev Event, processed bool)
}

// Pre implements Interceptor.
func (f *FuncInterceptor) Pre(ctx context.Context, ev Event) InterceptAction {
	if f.PreFunc != nil {
		return f.PreFunc(ctx, ev)
	}
	return Continue
}

// Post implements Interceptor.
func (f *FuncInterceptor) Post(ctx context.Context, ev Event, processed bool) {
	if f.PostFunc != nil {
		f.PostFunc(ctx, ev, processed)
	}
}
