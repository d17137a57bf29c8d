package events

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/codeready-toolchain/livewire/pkg/config"
)

// ErrQueueOverflow is returned by Emit when the queue is full and the
// event does not outrank anything already queued.
var ErrQueueOverflow = errors.New("event queue overflow")

// DeadLetter is a dropped or failed event kept for diagnostics. Dead
// letters are never redelivered.
type DeadLetter struct {
	Event  *Event
	Reason string
	At     time.Time
}

// Deliver fans a processed event out to the clients subscribed to a target
// component. Wired by the server.
type Deliver func(targetComponentID string, evt *Event)

// Engine is the event processing loop: a single dispatcher goroutine
// drains the priority queue in batches and runs listeners per resolved
// target.
type Engine struct {
	cfg       *config.EventsConfig
	hierarchy Hierarchy
	deliver   Deliver
	logger    *slog.Logger

	mu         sync.Mutex
	q          *queue
	subs       map[string]*Subscription
	subSeq     uint64
	middleware []Middleware
	resolvers  map[string]ScopeResolver
	history    []*Event
	dead       []DeadLetter

	onDeadLetter func(reason string)

	notify chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates the event engine. deliver may be nil when no client
// fan-out is needed (tests, embedded use).
func NewEngine(cfg *config.EventsConfig, hierarchy Hierarchy, deliver Deliver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		hierarchy: hierarchy,
		deliver:   deliver,
		logger:    logger.With("component", "events"),
		q:         newQueue(cfg.MaxQueue),
		subs:      make(map[string]*Subscription),
		resolvers: make(map[string]ScopeResolver),
		notify:    make(chan struct{}, 1),
	}
}

// Start launches the dispatcher loop.
func (e *Engine) Start(ctx context.Context) {
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.run(ctx)
	e.logger.Info("Event engine started",
		"max_queue", e.cfg.MaxQueue, "batch_size", e.cfg.BatchSize)
}

// Stop signals the dispatcher to exit and waits for it to finish. Queued
// events are drained to the dead-letter ring.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done

	e.mu.Lock()
	for evt := e.q.pop(); evt != nil; evt = e.q.pop() {
		e.deadLetterLocked(evt, "engine_stopped")
	}
	e.mu.Unlock()
	e.logger.Info("Event engine stopped")
}

// OnDeadLetter registers a callback observed whenever an event moves to
// the dead-letter ring. Must be set before Start.
func (e *Engine) OnDeadLetter(fn func(reason string)) {
	e.onDeadLetter = fn
}

// Use appends middleware applied around every handler invocation.
func (e *Engine) Use(mw Middleware) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.middleware = append(e.middleware, mw)
}

// RegisterScopeResolver installs a named resolver for the custom scope.
// A custom-scope event with no explicit targets is resolved by the
// resolver named in its Resolver field.
func (e *Engine) RegisterScopeResolver(name string, fn ScopeResolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolvers[name] = fn
}

// Subscribe registers a listener and returns its subscription id.
func (e *Engine) Subscribe(sub *Subscription) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sub.SubID == "" {
		sub.SubID = newSubID()
	}
	e.subSeq++
	sub.seq = e.subSeq
	e.subs[sub.SubID] = sub
	return sub.SubID
}

// Unsubscribe removes a listener. Unknown ids are a no-op.
func (e *Engine) Unsubscribe(subID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, subID)
}

// UnsubscribeComponent drops every listener bound to a component, used at
// unmount.
func (e *Engine) UnsubscribeComponent(componentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, sub := range e.subs {
		if sub.ComponentID == componentID {
			delete(e.subs, id)
		}
	}
}

// Emit enqueues an event. A full queue evicts the lowest-priority queued
// event when the incoming one outranks it; otherwise the incoming event is
// dead-lettered and ErrQueueOverflow returned.
func (e *Engine) Emit(evt *Event) error {
	if evt.Name == "" {
		return errors.New("event requires a name")
	}
	if !ValidScope(evt.Scope) {
		return errors.New("unknown event scope " + string(evt.Scope))
	}

	e.mu.Lock()
	accepted, displaced := e.q.push(evt)
	if !accepted {
		e.deadLetterLocked(evt, "queue_overflow")
		e.mu.Unlock()
		e.logger.Warn("Event rejected, queue full",
			"event", evt.Name, "priority", evt.Priority)
		return ErrQueueOverflow
	}
	if displaced != nil {
		e.deadLetterLocked(displaced, "queue_overflow")
		e.logger.Warn("Event displaced by higher priority",
			"event", displaced.Name, "priority", displaced.Priority)
	}
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
	return nil
}

// QueueDepth returns the number of queued events.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.q.len()
}

// History returns up to limit most recently processed events, oldest
// first. limit <= 0 returns the full retained ring.
func (e *Engine) History(limit int) []*Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	evts := e.history
	if limit > 0 && len(evts) > limit {
		evts = evts[len(evts)-limit:]
	}
	out := make([]*Event, len(evts))
	copy(out, evts)
	return out
}

// DeadLetters returns a copy of the dead-letter ring, oldest first.
func (e *Engine) DeadLetters() []DeadLetter {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]DeadLetter, len(e.dead))
	copy(out, e.dead)
	return out
}

// --- dispatcher ---

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	for {
		batch := e.drain(e.cfg.BatchSize)
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-e.notify:
				continue
			}
		}

		// Give a partial batch a short window to fill up.
		if len(batch) < e.cfg.BatchSize {
			timer := time.NewTimer(e.cfg.BatchTimeout)
			select {
			case <-ctx.Done():
				timer.Stop()
				e.requeue(batch)
				return
			case <-e.notify:
				batch = append(batch, e.drain(e.cfg.BatchSize-len(batch))...)
			case <-timer.C:
			}
			timer.Stop()
		}

		for _, evt := range batch {
			e.process(ctx, evt)
		}
	}
}

func (e *Engine) drain(n int) []*Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Event
	for len(out) < n {
		evt := e.q.pop()
		if evt == nil {
			break
		}
		out = append(out, evt)
	}
	return out
}

func (e *Engine) requeue(batch []*Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, evt := range batch {
		e.deadLetterLocked(evt, "engine_stopped")
	}
}

// process resolves targets and runs matching listeners, then fans out to
// subscribed clients.
func (e *Engine) process(ctx context.Context, evt *Event) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProcessingTimeout)
	defer cancel()

	targets := resolveTargets(e.hierarchy, e.resolverTable(), evt)
	failed := false
dispatch:
	for _, target := range targets {
		for _, sub := range e.matching(target, evt) {
			if evt.Stopped() {
				break dispatch
			}
			handler := e.wrap(sub.Handler)
			if err := handler(ctx, target, evt); err != nil {
				failed = true
				e.logger.Warn("Event listener failed",
					"event", evt.Name, "event_id", evt.EventID,
					"target", target, "sub_id", sub.SubID, "error", err)
			} else if sub.Once {
				// Once-subscriptions survive failed invocations; only a
				// successful one retires them.
				e.Unsubscribe(sub.SubID)
			}
		}
		if evt.Stopped() {
			break
		}
		// Client fan-out is the event's default action; a canceled
		// cancelable event keeps its listeners but skips the wire.
		if e.deliver != nil && !evt.DefaultPrevented() {
			e.deliver(target, evt)
		}
	}

	e.mu.Lock()
	if failed {
		e.deadLetterLocked(evt, "listener_error")
	}
	e.history = append(e.history, evt)
	if len(e.history) > e.cfg.MaxHistory {
		e.history = e.history[len(e.history)-e.cfg.MaxHistory:]
	}
	e.mu.Unlock()
}

// matching snapshots the listeners for one target, ordered by priority
// descending, then registration order.
func (e *Engine) matching(target string, evt *Event) []*Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Subscription
	for _, sub := range e.subs {
		if sub.Matches(target, evt) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (e *Engine) resolverTable() map[string]ScopeResolver {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]ScopeResolver, len(e.resolvers))
	for name, fn := range e.resolvers {
		out[name] = fn
	}
	return out
}

func (e *Engine) wrap(handler HandlerFunc) HandlerFunc {
	e.mu.Lock()
	mws := append([]Middleware(nil), e.middleware...)
	e.mu.Unlock()
	for i := len(mws) - 1; i >= 0; i-- {
		handler = mws[i](handler)
	}
	return handler
}

func (e *Engine) deadLetterLocked(evt *Event, reason string) {
	e.dead = append(e.dead, DeadLetter{Event: evt, Reason: reason, At: time.Now()})
	if len(e.dead) > e.cfg.DeadLetter {
		e.dead = e.dead[len(e.dead)-e.cfg.DeadLetter:]
	}
	if e.onDeadLetter != nil {
		e.onDeadLetter(reason)
	}
}
