package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/livewire/pkg/config"
)

// fakeTree is a fixed hierarchy:
//
//	root
//	├── a
//	│   ├── a1
//	│   └── a2
//	└── b
type fakeTree struct{}

func (fakeTree) Parent(id string) (string, bool) {
	switch id {
	case "a", "b":
		return "root", true
	case "a1", "a2":
		return "a", true
	}
	return "", false
}

func (fakeTree) ChildrenOf(id string) []string {
	switch id {
	case "root":
		return []string{"a", "b"}
	case "a":
		return []string{"a1", "a2"}
	}
	return nil
}

func (fakeTree) AllMounted() []string {
	return []string{"root", "a", "a1", "a2", "b"}
}

type delivery struct {
	Target string
	Event  *Event
}

type sink struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (s *sink) deliver(target string, evt *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, delivery{target, evt})
}

func (s *sink) targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.deliveries))
	for i, d := range s.deliveries {
		out[i] = d.Target
	}
	return out
}

func testEventsConfig() *config.EventsConfig {
	cfg := config.DefaultEventsConfig()
	cfg.BatchTimeout = 5 * time.Millisecond
	return cfg
}

func startEngine(t *testing.T, cfg *config.EventsConfig) (*Engine, *sink) {
	t.Helper()
	s := &sink{}
	e := NewEngine(cfg, fakeTree{}, s.deliver, nil)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e, s
}

func TestScopeResolution(t *testing.T) {
	tests := []struct {
		scope    Scope
		source   string
		targets  []string
		maxDepth int
		want     []string
	}{
		{scope: ScopeLocal, source: "a", want: []string{"a"}},
		{scope: ScopeParent, source: "a1", want: []string{"a"}},
		{scope: ScopeParent, source: "root", want: nil},
		{scope: ScopeChildren, source: "a", want: []string{"a1", "a2"}},
		{scope: ScopeChildren, source: "b", want: nil},
		{scope: ScopeDescendants, source: "root", want: []string{"a", "b", "a1", "a2"}},
		{scope: ScopeDescendants, source: "root", maxDepth: 1, want: []string{"a", "b"}},
		{scope: ScopeSubtree, source: "a", want: []string{"a", "a1", "a2"}},
		{scope: ScopeSubtree, source: "root", maxDepth: 1, want: []string{"root", "a", "b"}},
		{scope: ScopeSiblings, source: "a1", want: []string{"a2"}},
		{scope: ScopeSiblings, source: "root", want: nil},
		{scope: ScopeAncestors, source: "a1", want: []string{"a", "root"}},
		{scope: ScopeGlobal, source: "b", want: []string{"root", "a", "a1", "a2", "b"}},
		{scope: ScopeCustom, source: "a", targets: []string{"b", "a2"}, want: []string{"b", "a2"}},
	}

	for _, tc := range tests {
		t.Run(string(tc.scope), func(t *testing.T) {
			evt := New("test", tc.source, nil).WithScope(tc.scope)
			evt.Targets = tc.targets
			evt.MaxDepth = tc.maxDepth
			assert.Equal(t, tc.want, resolveTargets(fakeTree{}, nil, evt))
		})
	}
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := newQueue(10)
	q.push(New("low", "a", nil).WithPriority(PriorityLow))
	q.push(New("critical", "a", nil).WithPriority(PriorityCritical))
	q.push(New("normal-1", "a", nil))
	q.push(New("normal-2", "a", nil))

	var names []string
	for evt := q.pop(); evt != nil; evt = q.pop() {
		names = append(names, evt.Name)
	}
	assert.Equal(t, []string{"critical", "normal-1", "normal-2", "low"}, names)
}

func TestQueue_OverflowEvictsOldestLowestPriority(t *testing.T) {
	q := newQueue(2)
	q.push(New("low-old", "a", nil).WithPriority(PriorityLow))
	q.push(New("low-new", "a", nil).WithPriority(PriorityLow))

	// The oldest queued low-priority event makes room.
	accepted, displaced := q.push(New("normal", "a", nil))
	assert.True(t, accepted)
	require.NotNil(t, displaced)
	assert.Equal(t, "low-old", displaced.Name)

	// Equal priority still admits the incoming event, evicting the oldest
	// at that priority.
	accepted, displaced = q.push(New("low-newer", "a", nil).WithPriority(PriorityLow))
	assert.True(t, accepted)
	require.NotNil(t, displaced)
	assert.Equal(t, "low-new", displaced.Name)

	// An event ranking below everything queued is rejected outright.
	accepted, displaced = q.push(New("low-late", "a", nil).WithPriority(PriorityLow))
	assert.True(t, accepted, "equal priority always displaces the oldest")
	require.NotNil(t, displaced)
	assert.Equal(t, "low-newer", displaced.Name)
}

func TestQueue_OverflowNeverEvictsHigherRank(t *testing.T) {
	q := newQueue(1)
	q.push(New("normal", "a", nil))

	accepted, displaced := q.push(New("low", "a", nil).WithPriority(PriorityLow))
	assert.False(t, accepted)
	assert.Nil(t, displaced)

	// Critical events hold their slot even against critical arrivals.
	q2 := newQueue(1)
	q2.push(New("urgent", "a", nil).WithPriority(PriorityCritical))
	accepted, displaced = q2.push(New("also-urgent", "a", nil).WithPriority(PriorityCritical))
	assert.False(t, accepted)
	assert.Nil(t, displaced)
}

func TestEmit_DeliversToScope(t *testing.T) {
	e, s := startEngine(t, testEventsConfig())

	require.NoError(t, e.Emit(New("item.selected", "a1", nil).WithScope(ScopeSiblings)))

	require.Eventually(t, func() bool {
		return len(s.targets()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a2"}, s.targets())
}

func TestEmit_QueueOverflow(t *testing.T) {
	cfg := testEventsConfig()
	cfg.MaxQueue = 1
	s := &sink{}
	e := NewEngine(cfg, fakeTree{}, s.deliver, nil)
	// Not started: nothing drains the queue.

	require.NoError(t, e.Emit(New("first", "a", nil)))
	require.NoError(t, e.Emit(New("second", "a", nil)))

	dead := e.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "first", dead[0].Event.Name, "the oldest queued event is dropped")
	assert.Equal(t, "queue_overflow", dead[0].Reason)

	// An arrival outranked by everything queued is the one rejected.
	err := e.Emit(New("background", "a", nil).WithPriority(PriorityLow))
	require.ErrorIs(t, err, ErrQueueOverflow)
	dead = e.DeadLetters()
	require.Len(t, dead, 2)
	assert.Equal(t, "background", dead[1].Event.Name)
}

func TestSubscribe_OnceSurvivesFailedInvocation(t *testing.T) {
	e, _ := startEngine(t, testEventsConfig())

	var mu sync.Mutex
	calls := 0
	e.Subscribe(&Subscription{
		EventName: "ping", ComponentID: "a", Once: true,
		Handler: func(ctx context.Context, componentID string, evt *Event) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return errors.New("transient")
			}
			return nil
		},
	})

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}

	// The failed first invocation does not retire the subscription.
	require.NoError(t, e.Emit(New("ping", "a", nil)))
	require.Eventually(t, func() bool { return count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.Emit(New("ping", "a", nil)))
	require.Eventually(t, func() bool { return count() == 2 }, time.Second, 5*time.Millisecond)

	// The successful second one does.
	require.NoError(t, e.Emit(New("ping", "a", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, count())
}

func TestSubscribe_PriorityAndOnce(t *testing.T) {
	e, _ := startEngine(t, testEventsConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string) HandlerFunc {
		return func(ctx context.Context, componentID string, evt *Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	e.Subscribe(&Subscription{EventName: "ping", ComponentID: "a", Priority: 1, Handler: record("low")})
	e.Subscribe(&Subscription{EventName: "ping", ComponentID: "a", Priority: 10, Handler: record("high"), Once: true})

	require.NoError(t, e.Emit(New("ping", "a", nil)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"high", "low"}, order)
	mu.Unlock()

	// The once handler is gone on the second emit.
	require.NoError(t, e.Emit(New("ping", "a", nil)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"high", "low", "low"}, order)
	mu.Unlock()
}

func TestSubscribe_WildcardAndFilter(t *testing.T) {
	e, _ := startEngine(t, testEventsConfig())

	var mu sync.Mutex
	var seen []string
	e.Subscribe(&Subscription{
		EventName: "component.*",
		Filter:    func(evt *Event) bool { return evt.Payload["keep"] == true },
		Handler: func(ctx context.Context, componentID string, evt *Event) error {
			mu.Lock()
			seen = append(seen, evt.Name)
			mu.Unlock()
			return nil
		},
	})

	require.NoError(t, e.Emit(New("component.mounted", "a", map[string]any{"keep": true})))
	require.NoError(t, e.Emit(New("component.unmounted", "a", map[string]any{"keep": false})))
	require.NoError(t, e.Emit(New("unrelated", "a", map[string]any{"keep": true})))

	require.Eventually(t, func() bool {
		return len(e.History(0)) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"component.mounted"}, seen)
	mu.Unlock()
}

func TestMiddleware_WrapsHandlers(t *testing.T) {
	e, _ := startEngine(t, testEventsConfig())

	var mu sync.Mutex
	var trace []string
	e.Use(func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, componentID string, evt *Event) error {
			mu.Lock()
			trace = append(trace, "outer-before")
			mu.Unlock()
			err := next(ctx, componentID, evt)
			mu.Lock()
			trace = append(trace, "outer-after")
			mu.Unlock()
			return err
		}
	})
	e.Use(func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, componentID string, evt *Event) error {
			mu.Lock()
			trace = append(trace, "inner")
			mu.Unlock()
			return next(ctx, componentID, evt)
		}
	})
	e.Subscribe(&Subscription{EventName: "t", ComponentID: "a", Handler: func(ctx context.Context, componentID string, evt *Event) error {
		mu.Lock()
		trace = append(trace, "handler")
		mu.Unlock()
		return nil
	}})

	require.NoError(t, e.Emit(New("t", "a", nil)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(trace) == 4
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"outer-before", "inner", "handler", "outer-after"}, trace)
	mu.Unlock()
}

func TestRegisterScopeResolver(t *testing.T) {
	e, s := startEngine(t, testEventsConfig())

	// Leaves of the tree, computed against the live hierarchy.
	e.RegisterScopeResolver("leaves", func(h Hierarchy, evt *Event) []string {
		var out []string
		for _, id := range h.AllMounted() {
			if len(h.ChildrenOf(id)) == 0 {
				out = append(out, id)
			}
		}
		return out
	})

	evt := New("prune", "root", nil).WithScope(ScopeCustom)
	evt.Resolver = "leaves"
	require.NoError(t, e.Emit(evt))

	require.Eventually(t, func() bool {
		return len(s.targets()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a1", "a2", "b"}, s.targets())
}

func TestCustomScope_UnknownResolverResolvesNothing(t *testing.T) {
	e, s := startEngine(t, testEventsConfig())

	evt := New("prune", "root", nil).WithScope(ScopeCustom)
	evt.Resolver = "nope"
	require.NoError(t, e.Emit(evt))

	require.Eventually(t, func() bool {
		return len(e.History(0)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.targets())
}

func TestStopPropagation_HaltsDispatch(t *testing.T) {
	e, s := startEngine(t, testEventsConfig())

	var mu sync.Mutex
	var calls []string
	e.Subscribe(&Subscription{EventName: "scan", Priority: 10, Handler: func(ctx context.Context, componentID string, evt *Event) error {
		mu.Lock()
		calls = append(calls, "first:"+componentID)
		mu.Unlock()
		evt.StopPropagation()
		return nil
	}})
	e.Subscribe(&Subscription{EventName: "scan", Priority: 1, Handler: func(ctx context.Context, componentID string, evt *Event) error {
		mu.Lock()
		calls = append(calls, "second:"+componentID)
		mu.Unlock()
		return nil
	}})

	require.NoError(t, e.Emit(New("scan", "a", nil).WithScope(ScopeChildren)))
	require.Eventually(t, func() bool {
		return len(e.History(0)) == 1
	}, time.Second, 5*time.Millisecond)

	// Only the first listener on the first target ran, and nothing
	// reached the wire.
	mu.Lock()
	assert.Equal(t, []string{"first:a1"}, calls)
	mu.Unlock()
	assert.Empty(t, s.targets())
}

func TestCancel_SkipsFanOutButRunsListeners(t *testing.T) {
	e, s := startEngine(t, testEventsConfig())

	var mu sync.Mutex
	var calls int
	e.Subscribe(&Subscription{EventName: "submit", ComponentID: "a", Handler: func(ctx context.Context, componentID string, evt *Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		evt.Cancel()
		return nil
	}})

	evt := New("submit", "a", nil)
	evt.Cancelable = true
	require.NoError(t, e.Emit(evt))
	require.Eventually(t, func() bool {
		return len(e.History(0)) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	assert.True(t, evt.DefaultPrevented())
	assert.Empty(t, s.targets())
}

func TestCancel_NoOpWhenNotCancelable(t *testing.T) {
	evt := New("submit", "a", nil)
	evt.Cancel()
	assert.False(t, evt.DefaultPrevented())
}

func TestListenerError_DeadLetters(t *testing.T) {
	e, _ := startEngine(t, testEventsConfig())

	e.Subscribe(&Subscription{EventName: "boom", ComponentID: "a", Handler: func(ctx context.Context, componentID string, evt *Event) error {
		return errors.New("handler exploded")
	}})

	require.NoError(t, e.Emit(New("boom", "a", nil)))
	require.Eventually(t, func() bool {
		return len(e.DeadLetters()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "listener_error", e.DeadLetters()[0].Reason)
	// Failed events still land in history; dead letters are diagnostics.
	assert.Len(t, e.History(0), 1)
}

func TestHistory_Bounded(t *testing.T) {
	cfg := testEventsConfig()
	cfg.MaxHistory = 5
	e, _ := startEngine(t, cfg)

	for i := 0; i < 12; i++ {
		require.NoError(t, e.Emit(New("tick", "a", nil)))
	}
	require.Eventually(t, func() bool {
		return e.QueueDepth() == 0 && len(e.History(0)) == 5
	}, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeComponent(t *testing.T) {
	e, _ := startEngine(t, testEventsConfig())

	var calls int
	var mu sync.Mutex
	e.Subscribe(&Subscription{EventName: "t", ComponentID: "a", Handler: func(ctx context.Context, componentID string, evt *Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}})
	e.UnsubscribeComponent("a")

	require.NoError(t, e.Emit(New("t", "a", nil)))
	require.Eventually(t, func() bool {
		return len(e.History(0)) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()
}

func TestEmit_RejectsInvalid(t *testing.T) {
	e := NewEngine(testEventsConfig(), fakeTree{}, nil, nil)
	require.Error(t, e.Emit(&Event{Scope: ScopeLocal}))
	require.Error(t, e.Emit(&Event{Name: "x", Scope: "sideways"}))
}
