package episode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/artifacts"
	"github.com/xkilldash9x/marionette-cli/internal/config"
	"github.com/xkilldash9x/marionette-cli/internal/supervisor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// managedFactory builds episodes over the package fakes. With block set,
// every episode's worker parks until its context dies.
func managedFactory(t *testing.T, block bool) Factory {
	t.Helper()
	return func(id, goal string) (*Episode, error) {
		planner := &fakePlanner{plans: [][]schemas.Subtask{{st("s1", "Do the thing")}}}
		worker := &fakeWorker{block: block, results: []schemas.WorkerResult{succeeded("s1", 1)}}
		workers := func(schemas.DeviceSession, *artifacts.EpisodeArtifacts) (schemas.Worker, error) {
			return worker, nil
		}
		sup := supervisor.New(config.SupervisorConfig{MaxRetries: 1, FeedbackSteps: 3}, nil)
		return New(id, goal,
			&fakeController{session: &stubSession{}}, planner, sup, workers,
			nil, nil, testWorkerConfig(), testEpisodeConfig(), nil, zaptest.NewLogger(t))
	}
}

func closeManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))
}

// Verifies the basic lifecycle: start, wait, read the result.
func TestManager_StartAndWait(t *testing.T) {
	m, err := NewManager(managedFactory(t, false), 2, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer closeManager(t, m)

	id, err := m.Start("Set an alarm")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := m.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schemas.EpisodeCompleted, result.Outcome)
	assert.Equal(t, id, result.EpisodeID)

	// After completion the result is immediately readable.
	again, err := m.Result(id)
	require.NoError(t, err)
	assert.Equal(t, result.Outcome, again.Outcome)
}

// Verifies in-flight behavior: status is live, the result is gated until the
// episode finishes, and cancel ends it as CANCELLED.
func TestManager_CancelRunningEpisode(t *testing.T) {
	m, err := NewManager(managedFactory(t, true), 2, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer closeManager(t, m)

	id, err := m.Start("Wait forever")
	require.NoError(t, err)

	status, err := m.Status(id)
	require.NoError(t, err)
	assert.False(t, status.State.Terminal())
	assert.Equal(t, "Wait forever", status.Goal)

	_, err = m.Result(id)
	assert.ErrorIs(t, err, ErrEpisodeRunning)

	require.NoError(t, m.Cancel(id))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := m.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schemas.EpisodeCancelled, result.Outcome)
	assert.Contains(t, result.Error, "operator")
}

// Verifies lookups on ids the manager has never seen.
func TestManager_UnknownEpisode(t *testing.T) {
	m, err := NewManager(managedFactory(t, false), 1, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer closeManager(t, m)

	_, err = m.Status("nope")
	assert.ErrorIs(t, err, ErrUnknownEpisode)
	_, err = m.Result("nope")
	assert.ErrorIs(t, err, ErrUnknownEpisode)
	assert.ErrorIs(t, m.Cancel("nope"), ErrUnknownEpisode)
}

// Verifies the concurrency cap rejects rather than queues, and that a freed
// slot admits new episodes.
func TestManager_ConcurrencyLimit(t *testing.T) {
	m, err := NewManager(managedFactory(t, true), 1, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer closeManager(t, m)

	first, err := m.Start("Hold the slot")
	require.NoError(t, err)

	_, err = m.Start("One too many")
	assert.ErrorIs(t, err, ErrTooManyEpisodes)

	require.NoError(t, m.Cancel(first))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = m.Wait(ctx, first)
	require.NoError(t, err)

	// The slot frees when the episode goroutine exits, which can trail the
	// result by a scheduling beat.
	assert.Eventually(t, func() bool {
		_, startErr := m.Start("Reuse the slot")
		return startErr == nil
	}, 2*time.Second, 10*time.Millisecond)
}

// Verifies shutdown: running episodes are cancelled, Close waits for them,
// and no new starts are accepted.
func TestManager_Close(t *testing.T) {
	m, err := NewManager(managedFactory(t, true), 2, zaptest.NewLogger(t))
	require.NoError(t, err)

	id, err := m.Start("Interrupted by shutdown")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	result, err := m.Result(id)
	require.NoError(t, err)
	assert.Equal(t, schemas.EpisodeCancelled, result.Outcome)
	assert.Contains(t, result.Error, "shutdown")

	_, err = m.Start("Too late")
	assert.ErrorIs(t, err, ErrManagerClosed)

	// Closing twice is a no-op.
	require.NoError(t, m.Close(ctx))
}

// Verifies input validation on start.
func TestManager_StartValidation(t *testing.T) {
	m, err := NewManager(managedFactory(t, false), 1, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer closeManager(t, m)

	_, err = m.Start("   ")
	assert.Error(t, err)
}

// Verifies List returns every episode, newest first.
func TestManager_List(t *testing.T) {
	var mu sync.Mutex
	starts := 0
	base := managedFactory(t, false)
	factory := func(id, goal string) (*Episode, error) {
		mu.Lock()
		starts++
		mu.Unlock()
		return base(id, goal)
	}
	m, err := NewManager(factory, 2, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer closeManager(t, m)

	a, err := m.Start("First goal")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = m.Wait(ctx, a)
	require.NoError(t, err)

	b, err := m.Start("Second goal")
	require.NoError(t, err)
	_, err = m.Wait(ctx, b)
	require.NoError(t, err)

	statuses := m.List()
	require.Len(t, statuses, 2)
	assert.Equal(t, 2, starts)
	assert.False(t, statuses[0].StartedAt.Before(statuses[1].StartedAt))
}
