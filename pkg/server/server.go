package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeready-toolchain/livewire/pkg/cleanup"
	"github.com/codeready-toolchain/livewire/pkg/component"
	"github.com/codeready-toolchain/livewire/pkg/config"
	"github.com/codeready-toolchain/livewire/pkg/events"
	"github.com/codeready-toolchain/livewire/pkg/metrics"
	"github.com/codeready-toolchain/livewire/pkg/protocol"
	"github.com/codeready-toolchain/livewire/pkg/registry"
	"github.com/codeready-toolchain/livewire/pkg/state"
	"github.com/codeready-toolchain/livewire/pkg/store"
	"github.com/codeready-toolchain/livewire/pkg/version"
)

const issueLedgerSize = 128

// Server assembles the runtime: connection manager, registry, event engine,
// cleanup service, persistence sink, and the HTTP surface (WebSocket
// endpoint, health, metrics, debug).
type Server struct {
	cfg    *config.Config
	addr   string
	logger *slog.Logger

	registry *registry.Registry
	events   *events.Engine
	cleanup  *cleanup.Service
	manager  *ConnectionManager
	router   *Router
	sink     store.Sink
	metrics  *metrics.Metrics
	issues   *metrics.IssueLedger
	promReg  *prometheus.Registry
	ledger   *state.ConflictLedger

	httpSrv *http.Server
}

// NewServer wires every subsystem together. The sink may be nil, in which
// case persistence is disabled.
func NewServer(cfg *config.Config, addr string, sink store.Sink, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = store.NopSink{}
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	mts := metrics.New(promReg)
	issues := metrics.NewIssueLedger(issueLedgerSize)
	ledger := state.NewConflictLedger(cfg.Sync.MaxConflictHistory)

	s := &Server{
		cfg:     cfg,
		addr:    addr,
		logger:  logger,
		sink:    sink,
		metrics: mts,
		issues:  issues,
		promReg: promReg,
		ledger:  ledger,
	}

	s.manager = NewConnectionManager(cfg.Connection, mts, issues, logger)
	s.registry = registry.New(cfg.Registry, cfg.Sync, ledger, registry.Hooks{
		Broadcast:            s.broadcastState,
		OnCommit:             s.onCommit,
		OnConflictResolved:   s.onConflictResolved,
		OnConflictUnresolved: s.onConflictUnresolved,
		OnMounted:            s.onMounted,
		OnUnmounted:          s.onUnmounted,
		Emit:                 s.emitInternal,
	}, logger)
	s.events = events.NewEngine(cfg.Events, s.registry, s.deliverEvent, logger)
	s.events.OnDeadLetter(mts.DeadLettered)
	s.cleanup = cleanup.NewService(cfg.Cleanup, cfg.Connection.GracePeriod, s.registry, logger)
	s.router = NewRouter(s.registry, s.events, s.manager, mts, logger)

	s.manager.SetHandler(s.router)
	s.manager.SetOnDisconnect(s.onDisconnect)

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
	}
	return s
}

// Registry exposes the component registry so callers can register types
// before Start.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Routes returns the assembled HTTP handler, for tests that serve it on
// their own listener.
func (s *Server) Routes() http.Handler { return s.httpSrv.Handler }

// StartSubsystems launches the event and cleanup loops without binding the
// HTTP listener.
func (s *Server) StartSubsystems(ctx context.Context) {
	s.events.Start(ctx)
	s.cleanup.Start(ctx)
}

func (s *Server) routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws", s.handleWS)
	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})))
	r.GET("/debug/runtime", s.handleDebugRuntime)
	return r
}

// handleWS upgrades to WebSocket and hands the connection to the manager.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// TODO: replace with an OriginPatterns allowlist from config once
		// deployments front this with a fixed set of origins.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	s.manager.HandleConnection(c.Request.Context(), conn)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"version":     version.Full(),
		"connections": s.manager.ActiveConnections(),
		"components":  s.registry.Count(),
	})
}

// handleDebugRuntime is the operator's view of the live runtime.
func (s *Server) handleDebugRuntime(c *gin.Context) {
	pending := s.ledger.Pending()
	conflictIDs := make([]string, 0, len(pending))
	for _, cf := range pending {
		conflictIDs = append(conflictIDs, cf.ConflictID)
	}
	c.JSON(http.StatusOK, gin.H{
		"version":           version.Full(),
		"connections":       s.manager.ActiveConnections(),
		"components":        s.registry.AllMounted(),
		"event_queue_depth": s.events.QueueDepth(),
		"pending_grace":     s.cleanup.PendingGrace(),
		"pending_conflicts": conflictIDs,
		"dead_letters":      len(s.events.DeadLetters()),
		"recent_issues":     s.issues.Recent(),
	})
}

// Start launches the event engine, the cleanup service, and the HTTP
// listener. Returns once the listener is running; the error channel gets
// the terminal ListenAndServe error.
func (s *Server) Start(ctx context.Context) <-chan error {
	s.StartSubsystems(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", "addr", s.addr, "version", version.Full())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown drains the runtime in dependency order: stop accepting, close
// client connections, stop the event and cleanup loops, then the sink.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down")

	err := s.httpSrv.Shutdown(ctx)
	s.manager.CloseAll("server shutdown")
	s.events.Stop()
	s.cleanup.Stop()
	s.sink.Close()

	s.logger.Info("Shutdown complete")
	return err
}

// broadcastState fans a committed state change out to every subscriber
// except the origin client, which gets its own confirmation.
func (s *Server) broadcastState(componentID string, snapshot map[string]any, v uint64, op *state.Operation) {
	msg := protocol.NewMessage(protocol.TypeBroadcast, componentID, map[string]any{
		"kind":  "state",
		"state": snapshot,
		"op": map[string]any{
			"op_id": op.OpID,
			"op":    string(op.Op),
			"path":  op.Path,
		},
	})
	msg.WithVersion(v)

	exclude := op.OriginClientID
	s.manager.SendToAll(s.registry.SubscribersOf(componentID), msg, exclude)
	s.metrics.ObserveBroadcastLatency(time.Since(time.UnixMilli(op.Timestamp)))
}

// onCommit mirrors a committed op to the sink off the commit path.
func (s *Server) onCommit(op *state.Operation) {
	s.metrics.StateCommitted()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.sink.SaveOperation(ctx, op); err != nil {
			s.logger.Warn("Sink write failed", "op_id", op.OpID, "error", err)
			s.issues.Record("sink_write_failed", op.ComponentID, err.Error())
		}
	}()
}

func (s *Server) onConflictResolved(c *state.Conflict) {
	s.metrics.ConflictRecorded(string(c.Severity), c.StrategyUsed, string(c.Status))
	s.saveConflict(c)
}

// onConflictUnresolved records a parked conflict and tells the client that
// submitted the losing side its optimistic value is in limbo.
func (s *Server) onConflictUnresolved(c *state.Conflict) {
	s.metrics.ConflictRecorded(string(c.Severity), c.StrategyUsed, string(c.Status))
	s.issues.Record("conflict_parked", c.ComponentID,
		"conflict "+c.ConflictID+" severity "+string(c.Severity)+" awaiting manual resolution")
	s.saveConflict(c)

	if c.RemoteOp != nil && c.RemoteOp.OriginClientID != "" {
		msg := protocol.NewError(c.ComponentID, protocol.ErrConflictUnresolved,
			"conflict "+c.ConflictID+" requires manual resolution", "")
		msg.Payload["conflict_id"] = c.ConflictID
		msg.Payload["severity"] = string(c.Severity)
		msg.Payload["conflicting_paths"] = c.ConflictingPaths
		s.manager.Send(c.RemoteOp.OriginClientID, msg)
	}
}

func (s *Server) saveConflict(c *state.Conflict) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.sink.SaveConflict(ctx, c); err != nil {
			s.logger.Warn("Conflict sink write failed", "conflict_id", c.ConflictID, "error", err)
		}
	}()
}

// onMounted covers both client mounts and auto-mounted dependency children.
func (s *Server) onMounted(inst *component.Instance, rebound bool) {
	s.metrics.ComponentMounted(inst.Type.Name, rebound)
	if rebound {
		s.cleanup.CancelGrace(inst.ComponentID)
		for _, childID := range inst.Children() {
			s.cleanup.CancelGrace(childID)
		}
	}
}

func (s *Server) onUnmounted(componentID, reason string) {
	s.metrics.ComponentUnmounted(reason)
	s.events.UnsubscribeComponent(componentID)
	s.cleanup.CancelGrace(componentID)
	s.cleanup.Forget(componentID)
}

// emitInternal publishes runtime-originated events (component.mounted,
// dependency.updated) through the same engine as client events.
func (s *Server) emitInternal(name, componentID string, payload map[string]any) {
	if err := s.events.Emit(events.New(name, componentID, payload)); err != nil {
		s.logger.Warn("Internal event dropped", "event", name,
			"component_id", componentID, "error", err)
	}
}

// deliverEvent fans a processed event out to the target's subscribers,
// skipping the client that emitted it.
func (s *Server) deliverEvent(targetComponentID string, evt *events.Event) {
	msg := protocol.NewMessage(protocol.TypeBroadcast, targetComponentID, map[string]any{
		"kind":                "event",
		"event_id":            evt.EventID,
		"name":                evt.Name,
		"source_component_id": evt.SourceComponentID,
		"scope":               string(evt.Scope),
		"priority":            int(evt.Priority),
		"payload":             evt.Payload,
	})
	s.manager.SendToAll(s.registry.SubscribersOf(targetComponentID), msg, evt.OriginClientID)
	s.metrics.EventProcessed(string(evt.Scope))
	s.metrics.SetEventQueueDepth(s.events.QueueDepth())
}

// onDisconnect schedules grace teardown for every component orphaned by a
// departing client.
func (s *Server) onDisconnect(clientID string, graceful bool) {
	orphaned := s.registry.ClientDisconnected(clientID)
	for _, componentID := range orphaned {
		s.cleanup.ScheduleGrace(componentID, graceful)
	}
	if len(orphaned) > 0 {
		s.logger.Info("Scheduled grace teardown for orphaned components",
			"client_id", clientID, "count", len(orphaned), "graceful", graceful)
	}
}
