package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/artifacts"
	"github.com/xkilldash9x/marionette-cli/internal/config"
	"github.com/xkilldash9x/marionette-cli/internal/episode"
	"github.com/xkilldash9x/marionette-cli/internal/observability"
	"github.com/xkilldash9x/marionette-cli/internal/supervisor"
	"github.com/xkilldash9x/marionette-cli/internal/tasks"
)

// -- Fakes --

type stubSession struct{}

func (stubSession) ID() string { return "stub-device" }

func (stubSession) Execute(context.Context, schemas.ValidatedAction) error { return nil }

func (stubSession) CaptureRaw(context.Context) (schemas.RawCapture, error) {
	return schemas.RawCapture{}, nil
}

func (stubSession) Close(context.Context) error { return nil }

type stubController struct{}

func (stubController) Connect(context.Context) (schemas.DeviceSession, error) {
	return stubSession{}, nil
}

type staticPlanner struct {
	subtasks []schemas.Subtask
}

func (p *staticPlanner) Plan(context.Context, string, schemas.PlanHistory) ([]schemas.Subtask, error) {
	return p.subtasks, nil
}

// fakeWorker succeeds immediately, or with block set parks on the context
// until the episode is cancelled.
type fakeWorker struct {
	mu      sync.Mutex
	block   bool
	started chan struct{} // closed on first Run when blocking
	calls   int
}

func (w *fakeWorker) Run(ctx context.Context, subtask schemas.Subtask, _ string, _ int) (schemas.WorkerResult, error) {
	w.mu.Lock()
	w.calls++
	first := w.calls == 1
	blocking := w.block
	started := w.started
	w.mu.Unlock()

	if blocking {
		if first && started != nil {
			close(started)
		}
		<-ctx.Done()
		return schemas.WorkerResult{}, ctx.Err()
	}

	index := 0
	return schemas.WorkerResult{
		Outcome: schemas.OutcomeSucceeded,
		Steps: []schemas.StepRecord{{
			SubtaskID: subtask.ID,
			Action:    schemas.ValidatedAction{Kind: schemas.ActionTap, Tap: &schemas.TapParams{Index: &index}},
			Changed:   true,
			Timestamp: time.Now().UTC(),
		}},
		ReasonerCalls: 1,
	}, nil
}

// -- Fixture --

type fixtureOptions struct {
	worker        *fakeWorker
	catalog       *tasks.Catalog
	maxConcurrent int
}

type serviceFixture struct {
	manager *episode.Manager
	base    string
}

func newServiceFixture(t *testing.T, opts fixtureOptions) *serviceFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	worker := opts.worker
	if worker == nil {
		worker = &fakeWorker{}
	}
	if opts.maxConcurrent == 0 {
		opts.maxConcurrent = 2
	}

	planner := &staticPlanner{subtasks: []schemas.Subtask{
		{ID: "s1", Description: "Open the settings app", Complexity: 1},
	}}
	sup := supervisor.New(config.SupervisorConfig{MaxRetries: 1, FeedbackSteps: 2}, logger)
	workerFactory := func(schemas.DeviceSession, *artifacts.EpisodeArtifacts) (schemas.Worker, error) {
		return worker, nil
	}
	factory := func(id, goal string) (*episode.Episode, error) {
		return episode.New(
			id, goal,
			stubController{}, planner, sup, workerFactory,
			nil, nil,
			config.WorkerConfig{StepBudgetMultiplier: 10, MinStepBudget: 6, MaxStepBudget: 40, StallWindow: 3, RepeatedActionLimit: 3},
			config.EpisodeConfig{WallClockBudget: time.Minute, MaxTotalSteps: 100, MaxReplans: 3},
			nil, logger,
		)
	}

	manager, err := episode.NewManager(factory, opts.maxConcurrent, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Close(ctx)
	})

	registry := prometheus.NewRegistry()
	observability.NewMetrics(registry)

	srv := &Server{
		manager:  manager,
		catalog:  opts.catalog,
		gatherer: registry,
		logger:   logger.Named("service"),
		cfg:      config.ServerConfig{ShutdownTimeout: time.Second},
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &serviceFixture{manager: manager, base: ts.URL}
}

func (f *serviceFixture) request(t *testing.T, method, path, body string) (int, http.Header, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.base+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, resp.Header, raw
}

func (f *serviceFixture) startEpisode(t *testing.T, body string) startEpisodeResponse {
	t.Helper()
	status, header, raw := f.request(t, http.MethodPost, "/episodes", body)
	require.Equal(t, http.StatusAccepted, status, "start response: %s", raw)
	var started startEpisodeResponse
	require.NoError(t, json.Unmarshal(raw, &started))
	require.NotEmpty(t, started.EpisodeID)
	assert.Equal(t, "/episodes/"+started.EpisodeID, header.Get("Location"))
	return started
}

func (f *serviceFixture) waitFor(t *testing.T, id string) schemas.EpisodeResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := f.manager.Wait(ctx, id)
	require.NoError(t, err)
	return result
}

func errorBody(t *testing.T, raw []byte) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(raw, &body))
	return body.Error
}

// -- Test Cases: Starting Episodes --

// Verifies the request validation rejections before any episode is created.
func TestHandleStart_RequestValidation(t *testing.T) {
	fx := newServiceFixture(t, fixtureOptions{})

	cases := []struct {
		name      string
		body      string
		wantError string
	}{
		{"malformed body", `{"goal": `, "invalid request body"},
		{"neither goal nor task", `{}`, "either goal or task is required"},
		{"both goal and task", `{"goal":"g","task":"t"}`, "goal and task are mutually exclusive"},
		{"blank goal", `{"goal":"   "}`, "either goal or task is required"},
		{"task without a catalog", `{"task":"wifi-toggle"}`, "no task catalog configured"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, _, raw := fx.request(t, http.MethodPost, "/episodes", tc.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Contains(t, errorBody(t, raw), tc.wantError)
		})
	}
}

// Verifies the happy path over HTTP: accepted start, listing, status and
// result retrieval once the episode finishes.
func TestStartEpisode_RunsToResult(t *testing.T) {
	fx := newServiceFixture(t, fixtureOptions{})

	started := fx.startEpisode(t, `{"goal":"Turn off wifi"}`)
	assert.Equal(t, "Turn off wifi", started.Goal)

	final := fx.waitFor(t, started.EpisodeID)
	assert.Equal(t, schemas.EpisodeCompleted, final.Outcome)

	status, _, raw := fx.request(t, http.MethodGet, "/episodes/"+started.EpisodeID, "")
	require.Equal(t, http.StatusOK, status)
	var snapshot schemas.EpisodeStatus
	require.NoError(t, json.Unmarshal(raw, &snapshot))
	assert.Equal(t, started.EpisodeID, snapshot.EpisodeID)
	assert.Equal(t, schemas.EpisodeCompleted, snapshot.State)

	status, _, raw = fx.request(t, http.MethodGet, "/episodes/"+started.EpisodeID+"/result", "")
	require.Equal(t, http.StatusOK, status)
	var result schemas.EpisodeResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, schemas.EpisodeCompleted, result.Outcome)
	assert.Equal(t, "Turn off wifi", result.Goal)
	assert.NotEmpty(t, result.Steps)

	status, _, raw = fx.request(t, http.MethodGet, "/episodes", "")
	require.Equal(t, http.StatusOK, status)
	var list []schemas.EpisodeStatus
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list, 1)
	assert.Equal(t, started.EpisodeID, list[0].EpisodeID)
}

// Verifies that a task start resolves the goal text from the catalog and
// that unknown task names are distinguishable from bad requests.
func TestStartEpisode_FromTaskCatalog(t *testing.T) {
	catalog, err := tasks.Parse([]byte(
		"tasks:\n" +
			"  - name: wifi-toggle\n" +
			"    goal: Toggle wifi off and back on\n" +
			"    complexity: 1\n",
	))
	require.NoError(t, err)
	fx := newServiceFixture(t, fixtureOptions{catalog: catalog})

	started := fx.startEpisode(t, `{"task":"wifi-toggle"}`)
	assert.Equal(t, "Toggle wifi off and back on", started.Goal)
	fx.waitFor(t, started.EpisodeID)

	status, _, raw := fx.request(t, http.MethodPost, "/episodes", `{"task":"no-such-task"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, errorBody(t, raw), "not in catalog")
}

// Verifies the concurrency limit maps to 429 rather than queueing.
func TestStartEpisode_BeyondLimitReturns429(t *testing.T) {
	worker := &fakeWorker{block: true, started: make(chan struct{})}
	fx := newServiceFixture(t, fixtureOptions{worker: worker, maxConcurrent: 1})

	started := fx.startEpisode(t, `{"goal":"Occupy the only slot"}`)
	<-worker.started

	status, _, raw := fx.request(t, http.MethodPost, "/episodes", `{"goal":"One too many"}`)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Contains(t, errorBody(t, raw), "concurrency limit")

	_, _, _ = fx.request(t, http.MethodPost, "/episodes/"+started.EpisodeID+"/cancel", "")
	fx.waitFor(t, started.EpisodeID)
}

// Verifies starts are refused with 503 once the manager has shut down.
func TestStartEpisode_AfterCloseReturns503(t *testing.T) {
	fx := newServiceFixture(t, fixtureOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fx.manager.Close(ctx))

	status, _, raw := fx.request(t, http.MethodPost, "/episodes", `{"goal":"Too late"}`)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, errorBody(t, raw), "closed")
}

// -- Test Cases: Inspecting Episodes --

// Verifies the result endpoint answers 409 while the episode is in flight
// and serves the CANCELLED result after an operator cancel.
func TestEpisodeResult_ConflictWhileRunning(t *testing.T) {
	worker := &fakeWorker{block: true, started: make(chan struct{})}
	fx := newServiceFixture(t, fixtureOptions{worker: worker})

	started := fx.startEpisode(t, `{"goal":"Long running drag"}`)
	<-worker.started

	status, _, raw := fx.request(t, http.MethodGet, "/episodes/"+started.EpisodeID+"/result", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, errorBody(t, raw), "still running")

	status, _, raw = fx.request(t, http.MethodPost, "/episodes/"+started.EpisodeID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, status)
	var cancelBody map[string]string
	require.NoError(t, json.Unmarshal(raw, &cancelBody))
	assert.Equal(t, "cancelling", cancelBody["status"])

	final := fx.waitFor(t, started.EpisodeID)
	assert.Equal(t, schemas.EpisodeCancelled, final.Outcome)

	status, _, raw = fx.request(t, http.MethodGet, "/episodes/"+started.EpisodeID+"/result", "")
	require.Equal(t, http.StatusOK, status)
	var result schemas.EpisodeResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, schemas.EpisodeCancelled, result.Outcome)
}

// Verifies every per-episode route answers 404 for an unknown id.
func TestEpisodeRoutes_UnknownID(t *testing.T) {
	fx := newServiceFixture(t, fixtureOptions{})

	for _, probe := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/episodes/nope"},
		{http.MethodGet, "/episodes/nope/result"},
		{http.MethodPost, "/episodes/nope/cancel"},
	} {
		status, _, raw := fx.request(t, probe.method, probe.path, "")
		assert.Equal(t, http.StatusNotFound, status, "%s %s", probe.method, probe.path)
		assert.Contains(t, errorBody(t, raw), "unknown episode")
	}
}

// -- Test Cases: Lifecycle --

// Verifies Run serves until the context ends and then drains cleanly.
func TestServerRun_StopsOnContextCancel(t *testing.T) {
	logger := zaptest.NewLogger(t)
	manager, err := episode.NewManager(func(id, goal string) (*episode.Episode, error) {
		return nil, errors.New("no episodes in this test")
	}, 1, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Close(closeCtx)
	})

	srv := &Server{
		manager:  manager,
		gatherer: prometheus.NewRegistry(),
		logger:   logger,
		cfg:      config.ServerConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// Give the listener a moment to come up before asking it to stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after context cancellation")
	}
}

// -- Test Cases: Operational Endpoints --

func TestHealthAndMetricsEndpoints(t *testing.T) {
	fx := newServiceFixture(t, fixtureOptions{})

	status, _, raw := fx.request(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, status)
	var health map[string]string
	require.NoError(t, json.Unmarshal(raw, &health))
	assert.Equal(t, "ok", health["status"])

	status, _, raw = fx.request(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), "marionette_replayed_steps_total")
}
