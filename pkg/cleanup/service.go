// Package cleanup provides the garbage-collection service for the
// component runtime: disconnect grace periods, idle sweeps, tracked
// cleanup targets, and the bounded emergency pass at shutdown.
package cleanup

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/codeready-toolchain/livewire/pkg/config"
)

// Registry is the slice of the component registry the GC needs.
type Registry interface {
	// AllMounted returns every live component id.
	AllMounted() []string

	// LastActivity returns the most recent activity time, ok false for
	// unknown ids.
	LastActivity(componentID string) (time.Time, bool)

	// SubscriberCount returns how many clients are subscribed.
	SubscriberCount(componentID string) int

	// Unmount tears the component (and its subtree) down.
	Unmount(ctx context.Context, componentID, reason string) error
}

// Target is a tracked non-component resource with a registered cleanup
// hook (timers, watchers, scratch buffers).
type Target struct {
	ID       string
	Priority int
	Cleanup  func(ctx context.Context) error

	// alive is the weak-reference flag. Owners clear it by calling
	// Release; the sweep then runs the hook and forgets the target.
	alive      bool
	registered time.Time
}

// Service is the periodic GC loop. One per process.
type Service struct {
	cfg         *config.CleanupConfig
	gracePeriod time.Duration
	registry    Registry
	logger      *slog.Logger

	mu      sync.Mutex
	targets map[string]*Target
	grace   map[string]*time.Timer // component id → pending grace expiry

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the GC service. gracePeriod is the disconnect grace
// window before orphaned components unmount.
func NewService(cfg *config.CleanupConfig, gracePeriod time.Duration, registry Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:         cfg,
		gracePeriod: gracePeriod,
		registry:    registry,
		logger:      logger.With("component", "cleanup"),
		targets:     make(map[string]*Target),
		grace:       make(map[string]*time.Timer),
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	s.logger.Info("Cleanup service started",
		"gc_interval", s.cfg.GCInterval,
		"stale_threshold", s.cfg.StaleThreshold,
		"grace_period", s.gracePeriod)
}

// Stop signals the sweep loop to exit, waits for it, and runs the
// emergency pass under the configured budget.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done

	s.mu.Lock()
	for id, timer := range s.grace {
		timer.Stop()
		delete(s.grace, id)
	}
	s.mu.Unlock()

	s.Emergency()
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Track registers a cleanup target. Re-tracking an id refreshes it.
func (s *Service) Track(id string, priority int, hook func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[id] = &Target{
		ID:         id,
		Priority:   priority,
		Cleanup:    hook,
		alive:      true,
		registered: time.Now(),
	}
}

// Release clears the liveness flag; the next sweep runs the hook.
func (s *Service) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.targets[id]; ok {
		t.alive = false
	}
}

// Forget drops a target without running its hook.
func (s *Service) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.targets, id)
}

// TrackedCount returns the number of registered targets.
func (s *Service) TrackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets)
}

// ScheduleGrace arms the disconnect grace timer for an orphaned component.
// If no client rebinds before the period elapses, the component unmounts.
// Abnormal disconnects get the same window, so a crashed client can
// reconnect and rebind without losing state.
func (s *Service) ScheduleGrace(componentID string, graceful bool) {
	if s.gracePeriod <= 0 {
		s.expireGrace(componentID)
		return
	}

	s.mu.Lock()
	if timer, exists := s.grace[componentID]; exists {
		timer.Stop()
	}
	s.grace[componentID] = time.AfterFunc(s.gracePeriod, func() {
		s.expireGrace(componentID)
	})
	s.mu.Unlock()
	s.logger.Info("Scheduled grace-period teardown",
		"component_id", componentID, "graceful", graceful,
		"grace_period", s.gracePeriod)
}

// CancelGrace disarms a pending grace timer, called when a client rebinds.
func (s *Service) CancelGrace(componentID string) {
	s.mu.Lock()
	timer, ok := s.grace[componentID]
	if ok {
		timer.Stop()
		delete(s.grace, componentID)
	}
	s.mu.Unlock()
	if ok {
		s.logger.Info("Cancelled grace-period teardown", "component_id", componentID)
	}
}

// PendingGrace returns the component ids with an armed grace timer.
func (s *Service) PendingGrace() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.grace))
	for id := range s.grace {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Service) expireGrace(componentID string) {
	s.mu.Lock()
	if timer, ok := s.grace[componentID]; ok {
		timer.Stop()
		delete(s.grace, componentID)
	}
	s.mu.Unlock()

	// A rebind re-subscribed a client in the meantime; leave it alone.
	if s.registry.SubscriberCount(componentID) > 0 {
		return
	}
	if err := s.registry.Unmount(context.Background(), componentID, "grace_expired"); err != nil {
		s.logger.Warn("Grace-period unmount failed",
			"component_id", componentID, "error", err)
	}
}

// Sweep runs one GC pass: released targets first (priority order), then
// stale idle components. At most MaxBatch items are processed.
func (s *Service) Sweep(ctx context.Context) {
	budget := s.cfg.MaxBatch
	if budget <= 0 {
		budget = 50
	}

	if s.cfg.EnableWeakRef {
		budget -= s.sweepTargets(ctx, budget)
	}
	if budget > 0 {
		s.sweepIdle(ctx, budget)
	}
}

// sweepTargets runs hooks for released targets and returns how many ran.
func (s *Service) sweepTargets(ctx context.Context, budget int) int {
	s.mu.Lock()
	var dead []*Target
	for _, t := range s.targets {
		if !t.alive {
			dead = append(dead, t)
		}
	}
	sort.Slice(dead, func(i, j int) bool {
		if dead[i].Priority != dead[j].Priority {
			return dead[i].Priority > dead[j].Priority
		}
		return dead[i].registered.Before(dead[j].registered)
	})
	if len(dead) > budget {
		dead = dead[:budget]
	}
	for _, t := range dead {
		delete(s.targets, t.ID)
	}
	s.mu.Unlock()

	for _, t := range dead {
		if t.Cleanup == nil {
			continue
		}
		if err := t.Cleanup(ctx); err != nil {
			s.logger.Warn("Cleanup target hook failed", "target", t.ID, "error", err)
		}
	}
	if len(dead) > 0 {
		s.logger.Info("Swept released targets", "count", len(dead))
	}
	return len(dead)
}

// sweepIdle unmounts components inactive past the stale threshold, oldest
// first.
func (s *Service) sweepIdle(ctx context.Context, budget int) {
	cutoff := time.Now().Add(-s.cfg.StaleThreshold)

	type stale struct {
		id   string
		last time.Time
	}
	var candidates []stale
	for _, id := range s.registry.AllMounted() {
		last, ok := s.registry.LastActivity(id)
		if ok && last.Before(cutoff) {
			candidates = append(candidates, stale{id, last})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].last.Before(candidates[j].last)
	})
	if len(candidates) > budget {
		candidates = candidates[:budget]
	}

	for _, c := range candidates {
		// The subtree may already be gone from an earlier unmount this pass.
		if _, ok := s.registry.LastActivity(c.id); !ok {
			continue
		}
		if err := s.registry.Unmount(ctx, c.id, "idle_timeout"); err != nil {
			s.logger.Warn("Idle unmount failed", "component_id", c.id, "error", err)
		}
	}
	if len(candidates) > 0 {
		s.logger.Info("Swept idle components", "count", len(candidates))
	}
}

// Emergency runs every remaining target hook under the hard wall-clock
// budget. Used at shutdown; anything unfinished when the budget expires is
// abandoned.
func (s *Service) Emergency() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EmergencyBudget)
	defer cancel()

	s.mu.Lock()
	remaining := make([]*Target, 0, len(s.targets))
	for _, t := range s.targets {
		remaining = append(remaining, t)
	}
	s.targets = make(map[string]*Target)
	s.mu.Unlock()

	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i].Priority > remaining[j].Priority
	})

	for _, t := range remaining {
		if ctx.Err() != nil {
			s.logger.Warn("Emergency cleanup budget exhausted",
				"abandoned", len(remaining))
			return
		}
		if t.Cleanup == nil {
			continue
		}
		if err := t.Cleanup(ctx); err != nil {
			s.logger.Warn("Emergency cleanup hook failed", "target", t.ID, "error", err)
		}
	}
}
