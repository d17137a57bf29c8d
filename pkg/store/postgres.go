package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql, used by migrations

	"github.com/codeready-toolchain/livewire/pkg/state"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresSink writes the op log and conflict records to PostgreSQL.
// Inserts are idempotent: replaying an already-stored operation is a
// no-op, matching the engine's op_id idempotency.
type PostgresSink struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresSink connects, applies pending migrations, and returns the
// sink.
func NewPostgresSink(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresSink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := runMigrations(dsn); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger.Info("Postgres sink ready")
	return &PostgresSink{pool: pool, logger: logger.With("component", "store")}, nil
}

// runMigrations applies embedded migrations through database/sql; the
// runtime pool stays pgx-native.
func runMigrations(dsn string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "livewire", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return sourceDriver.Close()
}

// SaveOperation stores a committed operation. Re-saving the same
// (component_id, op_id) pair is a no-op.
func (s *PostgresSink) SaveOperation(ctx context.Context, op *state.Operation) error {
	value, err := json.Marshal(op.Value)
	if err != nil {
		return fmt.Errorf("marshal op value: %w", err)
	}
	prev, err := json.Marshal(op.PrevValue)
	if err != nil {
		return fmt.Errorf("marshal op prev value: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO operations
			(op_id, component_id, op, path, value, prev_value, origin_client_id, version, ts_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (component_id, op_id) DO NOTHING`,
		op.OpID, op.ComponentID, string(op.Op), op.Path, value, prev,
		op.OriginClientID, op.Version, op.Timestamp)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// SaveConflict stores (or updates) a conflict record keyed by conflict_id,
// so resolution status written later overwrites the pending row.
func (s *PostgresSink) SaveConflict(ctx context.Context, c *state.Conflict) error {
	local, err := json.Marshal(c.LocalOp)
	if err != nil {
		return fmt.Errorf("marshal local op: %w", err)
	}
	remote, err := json.Marshal(c.RemoteOp)
	if err != nil {
		return fmt.Errorf("marshal remote op: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conflicts
			(conflict_id, component_id, severity, status, strategy_used, local_op, remote_op, detected_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (conflict_id) DO UPDATE SET
			status        = EXCLUDED.status,
			strategy_used = EXCLUDED.strategy_used,
			resolved_at   = EXCLUDED.resolved_at`,
		c.ConflictID, c.ComponentID, string(c.Severity), string(c.Status),
		c.StrategyUsed, local, remote, c.DetectedAt, c.ResolvedAt)
	if err != nil {
		return fmt.Errorf("upsert conflict: %w", err)
	}
	return nil
}

// OperationsFor returns the stored op log for a component, version order.
// Used by diagnostics; the live sync path reads the in-memory ring.
func (s *PostgresSink) OperationsFor(ctx context.Context, componentID string, limit int) ([]*state.Operation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT op_id, op, path, value, prev_value, origin_client_id, version, ts_ms
		FROM operations
		WHERE component_id = $1
		ORDER BY version ASC
		LIMIT $2`, componentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var out []*state.Operation
	for rows.Next() {
		op := &state.Operation{ComponentID: componentID}
		var kind string
		var value, prev []byte
		if err := rows.Scan(&op.OpID, &kind, &op.Path, &value, &prev,
			&op.OriginClientID, &op.Version, &op.Timestamp); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Op = state.OpKind(kind)
		if len(value) > 0 {
			if err := json.Unmarshal(value, &op.Value); err != nil {
				return nil, fmt.Errorf("unmarshal op value: %w", err)
			}
		}
		if len(prev) > 0 {
			if err := json.Unmarshal(prev, &op.PrevValue); err != nil {
				return nil, fmt.Errorf("unmarshal op prev value: %w", err)
			}
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}
