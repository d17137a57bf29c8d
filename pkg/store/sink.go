// Package store persists the committed operation log and conflict records.
// Persistence is best-effort and asynchronous to the commit path: the
// runtime never blocks a state commit on the sink.
package store

import (
	"context"
	"sync"

	"github.com/codeready-toolchain/livewire/pkg/state"
)

// Sink receives committed operations and conflict outcomes.
type Sink interface {
	SaveOperation(ctx context.Context, op *state.Operation) error
	SaveConflict(ctx context.Context, c *state.Conflict) error
	Close()
}

// NopSink discards everything. Used when persistence is disabled.
type NopSink struct{}

func (NopSink) SaveOperation(context.Context, *state.Operation) error { return nil }
func (NopSink) SaveConflict(context.Context, *state.Conflict) error   { return nil }
func (NopSink) Close()                                                {}

// MemorySink retains writes in memory. Used by tests and single-process
// setups that want the op log inspectable without a database.
type MemorySink struct {
	mu        sync.Mutex
	ops       []*state.Operation
	conflicts []*state.Conflict
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) SaveOperation(_ context.Context, op *state.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	return nil
}

func (s *MemorySink) SaveConflict(_ context.Context, c *state.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = append(s.conflicts, c)
	return nil
}

func (s *MemorySink) Close() {}

// Operations returns a snapshot of the stored operation log.
func (s *MemorySink) Operations() []*state.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*state.Operation, len(s.ops))
	copy(out, s.ops)
	return out
}

// Conflicts returns a snapshot of the stored conflict records.
func (s *MemorySink) Conflicts() []*state.Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*state.Conflict, len(s.conflicts))
	copy(out, s.conflicts)
	return out
}
