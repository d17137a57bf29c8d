package state

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/livewire/pkg/config"
)

// Broadcast delivers a committed state snapshot to subscribers. The engine
// guarantees strictly increasing versions per component across calls.
type Broadcast func(componentID string, snapshot map[string]any, version uint64, op *Operation)

// Hooks are the engine's outbound edges. All are optional.
type Hooks struct {
	// Broadcast is invoked after every commit (possibly debounced).
	Broadcast Broadcast

	// OnCommit mirrors committed operations to the durable sink,
	// best-effort.
	OnCommit func(*Operation)

	// OnConflictResolved fires when a conflict reaches resolved status.
	OnConflictResolved func(*Conflict)

	// OnConflictUnresolved fires once when a conflict is parked for
	// manual resolution, so the source connection can be told.
	OnConflictUnresolved func(*Conflict)
}

// Engine is the authoritative state store for one component instance.
// All mutations are serialized through its lock; versions are assigned
// under that lock and strictly increase.
type Engine struct {
	componentID string

	mu      sync.Mutex
	state   map[string]any
	version uint64
	history []*Operation      // committed ops, bounded ring
	applied map[string]uint64 // op_id → version, for idempotent re-apply
	parked  map[string]*Conflict

	cfg    *config.SyncConfig
	hooks  Hooks
	ledger *ConflictLedger
	res    resolver

	debounce *debouncer
	timers   map[string]*time.Timer
	closed   bool

	// bmu orders outbound broadcasts; lastSent is the highest version
	// delivered so far. A trailing debounce fire whose snapshot a leading
	// fire already covered is skipped.
	bmu      sync.Mutex
	lastSent uint64
}

// NewEngine creates the engine for a component with its initial state.
// The ledger may be shared across engines; hooks wire broadcasts, the
// sink, and conflict notifications.
func NewEngine(componentID string, initial map[string]any, cfg *config.SyncConfig, ledger *ConflictLedger, hooks Hooks) *Engine {
	if initial == nil {
		initial = map[string]any{}
	}
	return &Engine{
		componentID: componentID,
		state:       Clone(initial),
		applied:     make(map[string]uint64),
		parked:      make(map[string]*Conflict),
		cfg:         cfg,
		hooks:       hooks,
		ledger:      ledger,
		res:         resolver{strategy: cfg.ConflictStrategy},
		debounce:    newDebouncer(cfg.DebounceInterval),
		timers:      make(map[string]*time.Timer),
	}
}

// SetStrategy overrides the conflict strategy for this component.
func (e *Engine) SetStrategy(strategy string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.res.strategy = strategy
}

// SetMergePolicy installs the key table for merge_priority resolution.
func (e *Engine) SetMergePolicy(policy *MergePriorityPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.res.policy = policy
}

// SetCustomResolver installs the resolver invoked by the custom strategy.
func (e *Engine) SetCustomResolver(fn CustomResolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.res.custom = fn
}

// Snapshot returns a deep copy of the state and the current version.
func (e *Engine) Snapshot() (map[string]any, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Clone(e.state), e.version
}

// Version returns the current committed version.
func (e *Engine) Version() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// History returns up to limit most recent committed operations, oldest
// first. limit <= 0 returns the full retained ring.
func (e *Engine) History(limit int) []*Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	ops := e.history
	if limit > 0 && len(ops) > limit {
		ops = ops[len(ops)-limit:]
	}
	out := make([]*Operation, len(ops))
	copy(out, ops)
	return out
}

// OpsSince returns the committed operations with versions greater than v,
// oldest first, for sync catch-up. ok is false when the ring no longer
// covers v (the client must take a full snapshot instead).
func (e *Engine) OpsSince(v uint64) (ops []*Operation, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v >= e.version {
		return nil, true
	}
	// The ring must still hold version v+1 for incremental catch-up.
	if len(e.history) == 0 || e.history[0].Version > v+1 {
		return nil, false
	}
	for _, op := range e.history {
		if op.Version > v {
			ops = append(ops, op)
		}
	}
	return ops, true
}

// ApplyLocal commits a server-origin operation: no conflict detection,
// straight through the commit protocol.
func (e *Engine) ApplyLocal(op *Operation) (*Operation, error) {
	e.mu.Lock()
	committed, err := e.commitLocked(op)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.broadcastCommit(committed)
	return committed, nil
}

// ApplyRemote commits a client-origin operation, running conflict
// detection against recently committed operations from other origins.
//
// Returns the committed operation (nil when the remote side lost or the
// conflict was parked) and the conflict record if one was detected.
func (e *Engine) ApplyRemote(op *Operation) (*Operation, *Conflict, error) {
	e.mu.Lock()

	// Idempotent re-apply: same op id is a no-op after the first commit.
	if v, seen := e.applied[op.OpID]; seen {
		e.mu.Unlock()
		dup := *op
		dup.Version = v
		return &dup, nil, nil
	}

	if op.Optimistic && !e.cfg.EnableOptimistic {
		e.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: optimistic updates are disabled", ErrInvalidOperation)
	}

	local := e.findConflictingLocked(op)
	if local == nil {
		committed, err := e.commitLocked(op)
		e.mu.Unlock()
		if err != nil {
			return nil, nil, err
		}
		e.broadcastCommit(committed)
		return committed, nil, nil
	}

	conflict := NewConflict(e.componentID, local, op)
	if e.ledger != nil {
		e.ledger.Record(conflict)
	}

	resolution, err := e.res.apply(conflict, e.state)
	if err != nil {
		conflict.fail(e.res.strategy)
		e.mu.Unlock()
		return nil, conflict, fmt.Errorf("resolve conflict %s: %w", conflict.ConflictID, err)
	}

	if resolution.Park || conflict.Severity == SeverityCritical {
		e.parkLocked(conflict)
		e.mu.Unlock()
		if e.hooks.OnConflictUnresolved != nil {
			e.hooks.OnConflictUnresolved(conflict)
		}
		return nil, conflict, nil
	}

	committed, err := e.commitResolutionLocked(conflict, resolution, e.res.strategy)
	e.mu.Unlock()
	if err != nil {
		return nil, conflict, err
	}
	if e.hooks.OnConflictResolved != nil {
		e.hooks.OnConflictResolved(conflict)
	}
	if committed != nil {
		e.broadcastCommit(committed)
	}
	return committed, conflict, nil
}

// ResolveManually settles a parked conflict with an explicit strategy.
// Used by operators (or tests) for conflicts routed to manual resolution.
func (e *Engine) ResolveManually(conflictID, strategy string) (*Operation, error) {
	e.mu.Lock()
	conflict, ok := e.parked[conflictID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("no parked conflict %s", conflictID)
	}
	delete(e.parked, conflictID)
	e.stopTimerLocked(conflictID)

	res := resolver{strategy: strategy, policy: e.res.policy, custom: e.res.custom}
	resolution, err := res.apply(conflict, e.state)
	if err != nil {
		conflict.fail(strategy)
		e.mu.Unlock()
		return nil, err
	}
	if resolution.Park {
		conflict.fail(strategy)
		e.mu.Unlock()
		return nil, fmt.Errorf("manual resolution chose a parking strategy")
	}
	committed, err := e.commitResolutionLocked(conflict, resolution, strategy)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if e.hooks.OnConflictResolved != nil {
		e.hooks.OnConflictResolved(conflict)
	}
	if committed != nil {
		e.broadcastCommit(committed)
	}
	return committed, nil
}

// Close stops timers and flushes debounced broadcasts.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
	e.debounce.Flush()
}

// --- internals ---

// commitLocked runs the commit protocol: assign the next version, apply,
// record history, remember the op id. Caller holds the lock and is
// responsible for broadcasting after releasing it.
func (e *Engine) commitLocked(op *Operation) (*Operation, error) {
	prev, err := Apply(e.state, op)
	if err != nil {
		return nil, err
	}
	e.version++
	op.Version = e.version
	op.PrevValue = prev

	e.history = append(e.history, op)
	e.applied[op.OpID] = op.Version
	if len(e.history) > e.cfg.MaxHistory {
		evicted := e.history[0]
		e.history = e.history[1:]
		delete(e.applied, evicted.OpID)
	}

	if e.hooks.OnCommit != nil {
		e.hooks.OnCommit(op)
	}
	return op, nil
}

// commitResolutionLocked commits the outcome of a resolved conflict.
// A winning remote op commits normally; a winning local op means the
// remote side is superseded and nothing new is committed; a merged state
// commits as a synthetic set.
func (e *Engine) commitResolutionLocked(conflict *Conflict, res *Resolution, strategy string) (*Operation, error) {
	conflict.resolve(strategy)

	if res.MergedState != nil {
		synthetic := NewOperation(e.componentID, OpSet, conflict.RemoteOp.Path, res.MergedState)
		if conflict.RemoteOp.Path == "" {
			synthetic.Value = res.MergedState
		}
		synthetic.OriginClientID = conflict.RemoteOp.OriginClientID
		return e.commitLocked(synthetic)
	}

	if res.Winner == conflict.RemoteOp {
		return e.commitLocked(conflict.RemoteOp)
	}

	// Local already committed; the remote op is superseded. Remember its
	// id so a retry stays idempotent.
	e.applied[conflict.RemoteOp.OpID] = e.version
	return nil, nil
}

// findConflictingLocked scans recent committed history for an operation
// from a different origin touching an overlapping path within the
// tolerance window.
func (e *Engine) findConflictingLocked(op *Operation) *Operation {
	cutoff := op.Timestamp - e.cfg.ToleranceWindow.Milliseconds()
	for i := len(e.history) - 1; i >= 0; i-- {
		committed := e.history[i]
		if committed.Timestamp < cutoff {
			break
		}
		if committed.OriginClientID == op.OriginClientID {
			continue
		}
		if PathsOverlap(committed.Path, op.Path) {
			return committed
		}
	}
	return nil
}

// parkLocked stores a pending conflict and schedules its automatic fate:
// non-critical conflicts auto-resolve after the configured delay; anything
// still pending at the hard bound is marked failed.
func (e *Engine) parkLocked(conflict *Conflict) {
	e.parked[conflict.ConflictID] = conflict

	if conflict.Severity != SeverityCritical {
		delay := e.cfg.AutoResolveDelay
		e.timers[conflict.ConflictID] = time.AfterFunc(delay, func() {
			e.autoResolve(conflict.ConflictID)
		})
		return
	}

	// Critical conflicts are never auto-resolved; they expire to failed.
	bound := e.cfg.AutoResolveDelay + 5*time.Second
	e.timers[conflict.ConflictID] = time.AfterFunc(bound, func() {
		e.expireConflict(conflict.ConflictID)
	})
}

// autoResolve settles a still-pending non-critical conflict with
// last-write-wins. The configured strategy parked it (manual), so the
// fallback must be decisive.
func (e *Engine) autoResolve(conflictID string) {
	e.mu.Lock()
	conflict, ok := e.parked[conflictID]
	if !ok || e.closed {
		e.mu.Unlock()
		return
	}
	delete(e.parked, conflictID)
	e.stopTimerLocked(conflictID)

	res := resolver{strategy: "last_write_wins"}
	resolution, err := res.apply(conflict, e.state)
	if err != nil {
		conflict.fail("last_write_wins")
		e.mu.Unlock()
		slog.Error("Conflict auto-resolution failed",
			"component_id", e.componentID, "conflict_id", conflictID, "error", err)
		return
	}
	committed, err := e.commitResolutionLocked(conflict, resolution, "last_write_wins")
	e.mu.Unlock()
	if err != nil {
		slog.Error("Conflict auto-resolution commit failed",
			"component_id", e.componentID, "conflict_id", conflictID, "error", err)
		return
	}
	if e.hooks.OnConflictResolved != nil {
		e.hooks.OnConflictResolved(conflict)
	}
	if committed != nil {
		e.broadcastCommit(committed)
	}
}

func (e *Engine) expireConflict(conflictID string) {
	e.mu.Lock()
	conflict, ok := e.parked[conflictID]
	if ok {
		delete(e.parked, conflictID)
		conflict.fail(e.res.strategy)
	}
	e.stopTimerLocked(conflictID)
	e.mu.Unlock()
	if ok {
		slog.Warn("Pending conflict expired without resolution",
			"component_id", e.componentID, "conflict_id", conflictID)
	}
}

func (e *Engine) stopTimerLocked(conflictID string) {
	if t, ok := e.timers[conflictID]; ok {
		t.Stop()
		delete(e.timers, conflictID)
	}
}

// broadcastCommit delivers the post-commit snapshot, debounced per path.
func (e *Engine) broadcastCommit(op *Operation) {
	if e.hooks.Broadcast == nil {
		return
	}
	e.debounce.Do(op.Path, func() {
		e.deliverBroadcast(op)
	})
}

// deliverBroadcast sends the current snapshot unless a concurrent fire
// already delivered this version or a later one, keeping the per-component
// version stream strictly increasing.
func (e *Engine) deliverBroadcast(op *Operation) {
	e.bmu.Lock()
	defer e.bmu.Unlock()
	snapshot, version := e.Snapshot()
	if version <= e.lastSent {
		return
	}
	e.lastSent = version
	e.hooks.Broadcast(e.componentID, snapshot, version, op)
}
