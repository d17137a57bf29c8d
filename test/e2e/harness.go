// Package e2e provides end-to-end test infrastructure for the livewire
// runtime: a full server boot plus WebSocket clients speaking the real
// frame protocol.
package e2e

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/livewire/pkg/component"
	"github.com/codeready-toolchain/livewire/pkg/config"
	"github.com/codeready-toolchain/livewire/pkg/server"
	"github.com/codeready-toolchain/livewire/pkg/store"
)

// TestApp boots a complete livewire runtime for e2e testing.
type TestApp struct {
	Config *config.Config
	Server *server.Server
	Sink   *store.MemorySink

	// Runtime
	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	cfg   *config.Config
	types []*component.Type
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithTypes registers extra component types on top of the defaults.
func WithTypes(types ...*component.Type) TestAppOption {
	return func(c *testAppConfig) { c.types = append(c.types, types...) }
}

// DefaultTestConfig returns a config tuned for fast tests: short grace,
// no broadcast debounce, tight event batching.
func DefaultTestConfig() *config.Config {
	cfg := config.Default()
	cfg.Connection.HeartbeatInterval = time.Hour
	cfg.Connection.IdleTimeout = 2 * time.Hour
	cfg.Connection.GracePeriod = 300 * time.Millisecond
	cfg.Sync.DebounceInterval = 0
	cfg.Sync.ToleranceWindow = time.Second
	cfg.Events.BatchTimeout = 10 * time.Millisecond
	cfg.Cleanup.GCInterval = time.Hour
	return cfg
}

// NewTestApp boots the runtime behind an httptest listener and returns the
// handles tests need. Everything is torn down via t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{cfg: DefaultTestConfig()}
	for _, opt := range opts {
		opt(tc)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := store.NewMemorySink()
	srv := server.NewServer(tc.cfg, "127.0.0.1:0", sink, logger)

	for _, ct := range tc.types {
		require.NoError(t, srv.Registry().RegisterType(ct))
	}

	// Serve the assembled routes on an httptest listener instead of the
	// server's own ListenAndServe; Start would bind a real port.
	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(srv.Routes())

	app := &TestApp{
		Config:  tc.cfg,
		Server:  srv,
		Sink:    sink,
		BaseURL: ts.URL,
		WSURL:   "ws" + ts.URL[len("http"):] + "/ws",
		t:       t,
	}
	srv.StartSubsystems(ctx)

	t.Cleanup(func() {
		ts.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	})
	return app
}

// Connect dials a new WebSocket client and waits for its welcome frame.
func (a *TestApp) Connect() *WSClient {
	a.t.Helper()
	c, err := WSConnect(context.Background(), a.WSURL)
	require.NoError(a.t, err)
	a.t.Cleanup(func() { _ = c.Close() })

	welcome, err := c.WaitForType("welcome", 5*time.Second)
	require.NoError(a.t, err)
	c.ClientID, _ = welcome.Payload["client_id"].(string)
	require.NotEmpty(a.t, c.ClientID)
	return c
}

// GetJSON fetches an HTTP endpoint and decodes the JSON body.
func (a *TestApp) GetJSON(path string) map[string]any {
	a.t.Helper()
	resp, err := http.Get(a.BaseURL + path)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	require.Equal(a.t, http.StatusOK, resp.StatusCode)

	body := map[string]any{}
	require.NoError(a.t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}
