package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/config"
	"github.com/xkilldash9x/scriptgym/internal/events"
	"github.com/xkilldash9x/scriptgym/internal/mocks"
	"github.com/xkilldash9x/scriptgym/internal/service"
	"github.com/xkilldash9x/scriptgym/internal/store"
)

// runnerFunc adapts a function to service.Runner.
type runnerFunc func(ctx context.Context, cfg schemas.RunConfig) (*schemas.RunRecord, error)

func (f runnerFunc) Run(ctx context.Context, cfg schemas.RunConfig) (*schemas.RunRecord, error) {
	return f(ctx, cfg)
}

// fakeRunners hands out runners built by run and records what it was asked for.
type fakeRunners struct {
	mu      sync.Mutex
	err     error
	configs []schemas.RunConfig
	cleaned int
	run     func(ctx context.Context, emitter events.Emitter, cfg schemas.RunConfig) (*schemas.RunRecord, error)
}

func (f *fakeRunners) NewRunner(_ context.Context, run schemas.RunConfig, emitter events.Emitter) (service.Runner, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, run)
	if f.err != nil {
		return nil, nil, f.err
	}
	runner := runnerFunc(func(ctx context.Context, cfg schemas.RunConfig) (*schemas.RunRecord, error) {
		return f.run(ctx, emitter, cfg)
	})
	cleanup := func() {
		f.mu.Lock()
		f.cleaned++
		f.mu.Unlock()
	}
	return runner, cleanup, nil
}

func (f *fakeRunners) snapshot() ([]schemas.RunConfig, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schemas.RunConfig(nil), f.configs...), f.cleaned
}

// newTestServer logs nowhere: websocket handlers finish their close handshake
// after the test body has returned.
func newTestServer(t *testing.T, history store.Store, runners RunnerFactory) *Server {
	t.Helper()
	cfg := config.NewDefaultConfig()
	return New(cfg.Server(), cfg.Gym(), history, runners, nil, zap.NewNop())
}

func record(id string, ts time.Time) *schemas.RunRecord {
	return &schemas.RunRecord{
		ID:          id,
		Timestamp:   ts,
		Config:      schemas.RunConfig{BaseScript: "<rules>Be polite.</rules>", MaxCycles: 1, BatchSize: 1},
		SuccessRate: 1,
		TotalCycles: 1,
	}
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, store.NewMemory(), &fakeRunners{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestHistoryEndpoints(t *testing.T) {
	ctx := context.Background()
	history := store.NewMemory()
	require.NoError(t, history.Save(ctx, record("20260101000000", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))))
	require.NoError(t, history.Save(ctx, record("20260102000000", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))))
	h := newTestServer(t, history, &fakeRunners{}).Handler()

	do := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	t.Run("list newest first", func(t *testing.T) {
		rec := do(http.MethodGet, "/history")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var runs []schemas.RunRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
		require.Len(t, runs, 2)
		assert.Equal(t, "20260102000000", runs[0].ID)
		assert.Equal(t, "20260101000000", runs[1].ID)
	})

	t.Run("get one", func(t *testing.T) {
		rec := do(http.MethodGet, "/history/20260101000000")
		require.Equal(t, http.StatusOK, rec.Code)
		var run schemas.RunRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
		assert.Equal(t, "<rules>Be polite.</rules>", run.Config.BaseScript)

		assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/history/nope").Code)
	})

	t.Run("delete one", func(t *testing.T) {
		rec := do(http.MethodDelete, "/history/20260101000000")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"success"}`, rec.Body.String())

		missing := do(http.MethodDelete, "/history/20260101000000")
		assert.Equal(t, http.StatusNotFound, missing.Code)
		assert.Contains(t, missing.Body.String(), `"status":"error"`)
	})

	t.Run("clear", func(t *testing.T) {
		rec := do(http.MethodDelete, "/history")
		require.Equal(t, http.StatusOK, rec.Code)

		list := do(http.MethodGet, "/history")
		assert.JSONEq(t, `[]`, list.Body.String())
	})
}

func TestHistoryEndpoints_StoreErrors(t *testing.T) {
	history := new(mocks.MockStore)
	history.On("Load", mock.Anything).Return(nil, errors.New("disk on fire"))
	history.On("Get", mock.Anything, "r1").Return(nil, errors.New("disk on fire"))
	history.On("Delete", mock.Anything, "r1").Return(errors.New("disk on fire"))
	history.On("Clear", mock.Anything).Return(errors.New("disk on fire"))
	h := newTestServer(t, history, &fakeRunners{}).Handler()

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/history"},
		{http.MethodGet, "/history/r1"},
		{http.MethodDelete, "/history/r1"},
		{http.MethodDelete, "/history"},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code, "%s %s", tc.method, tc.path)
		assert.NotContains(t, rec.Body.String(), "disk on fire", "internal errors stay in the log")
	}
	history.AssertExpectations(t)
}

func TestCORS(t *testing.T) {
	t.Run("wildcard", func(t *testing.T) {
		h := newTestServer(t, store.NewMemory(), &fakeRunners{}).Handler()
		req := httptest.NewRequest(http.MethodOptions, "/history", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")
	})

	t.Run("allow list", func(t *testing.T) {
		cfg := config.NewDefaultConfig()
		serverCfg := cfg.Server()
		serverCfg.AllowedOrigins = []string{"https://gym.example"}
		h := New(serverCfg, cfg.Gym(), store.NewMemory(), &fakeRunners{}, nil, zaptest.NewLogger(t)).Handler()

		allowed := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		allowed.Header.Set("Origin", "https://gym.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, allowed)
		assert.Equal(t, "https://gym.example", rec.Header().Get("Access-Control-Allow-Origin"))

		other := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		other.Header.Set("Origin", "https://evil.example")
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, other)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "scriptgym_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	cfg := config.NewDefaultConfig()
	h := New(cfg.Server(), cfg.Gym(), store.NewMemory(), &fakeRunners{}, reg, zaptest.NewLogger(t)).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scriptgym_test_total 1")

	// Without a gatherer the route is not mounted.
	rec = httptest.NewRecorder()
	newTestServer(t, store.NewMemory(), &fakeRunners{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServe_GracefulShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := newTestServer(t, store.NewMemory(), &fakeRunners{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.TrimSpace(string(body)) == "OK"
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
