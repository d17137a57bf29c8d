package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/codeready-toolchain/livewire/pkg/state"
)

// setupPostgres starts a throwaway container and returns a migrated sink.
func setupPostgres(t *testing.T) *PostgresSink {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("livewire"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := NewPostgresSink(ctx, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(sink.Close)
	return sink
}

func TestPostgresSink_OperationLog(t *testing.T) {
	sink := setupPostgres(t)
	ctx := context.Background()

	first := state.NewOperation("counter-a-b", state.OpSet, "count", 1.0)
	first.Version = 1
	first.OriginClientID = "client-1"
	second := state.NewOperation("counter-a-b", state.OpInc, "count", 4.0)
	second.Version = 2

	require.NoError(t, sink.SaveOperation(ctx, first))
	require.NoError(t, sink.SaveOperation(ctx, second))
	// Idempotent: the engine may re-deliver the same op id.
	require.NoError(t, sink.SaveOperation(ctx, first))

	ops, err := sink.OperationsFor(ctx, "counter-a-b", 10)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, first.OpID, ops[0].OpID)
	assert.Equal(t, state.OpSet, ops[0].Op)
	assert.Equal(t, 1.0, ops[0].Value)
	assert.Equal(t, "client-1", ops[0].OriginClientID)
	assert.Equal(t, uint64(2), ops[1].Version)
}

func TestPostgresSink_ConflictUpsert(t *testing.T) {
	sink := setupPostgres(t)
	ctx := context.Background()

	conflict := state.NewConflict("counter-a-b",
		state.NewOperation("counter-a-b", state.OpSet, "count", 1.0),
		state.NewOperation("counter-a-b", state.OpSet, "count", 2.0))
	require.NoError(t, sink.SaveConflict(ctx, conflict))

	// Resolution later updates the same row.
	now := time.Now()
	conflict.Status = state.ConflictResolved
	conflict.StrategyUsed = "last_write_wins"
	conflict.ResolvedAt = &now
	require.NoError(t, sink.SaveConflict(ctx, conflict))

	var status, strategy string
	err := sink.pool.QueryRow(ctx,
		`SELECT status, strategy_used FROM conflicts WHERE conflict_id = $1`,
		conflict.ConflictID).Scan(&status, &strategy)
	require.NoError(t, err)
	assert.Equal(t, "resolved", status)
	assert.Equal(t, "last_write_wins", strategy)

	var count int
	require.NoError(t, sink.pool.QueryRow(ctx, `SELECT count(*) FROM conflicts`).Scan(&count))
	assert.Equal(t, 1, count)
}
