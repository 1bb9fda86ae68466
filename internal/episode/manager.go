package episode

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

// Manager lifecycle and lookup errors.
var (
	ErrUnknownEpisode  = errors.New("unknown episode")
	ErrEpisodeRunning  = errors.New("episode still running")
	ErrTooManyEpisodes = errors.New("episode concurrency limit reached")
	ErrManagerClosed   = errors.New("episode manager closed")
)

// Cancellation causes, visible in the episode result's error field.
var (
	errOperatorCancel = errors.New("cancelled by operator")
	errShutdownCancel = errors.New("cancelled by shutdown")
)

// Factory builds a ready-to-run episode for a fresh id and goal. The service
// layer supplies one that wires the device, oracle, memory and artifact
// stack; tests supply stubs.
type Factory func(id, goal string) (*Episode, error)

// Manager owns the set of running and finished episodes. Each episode runs
// on its own goroutine, detached from the request context that started it;
// the manager is the only thing that can stop one (Cancel, or Close for all).
type Manager struct {
	factory Factory
	logger  *zap.Logger
	group   *errgroup.Group

	mu     sync.Mutex
	runs   map[string]*managedRun
	closed bool
}

type managedRun struct {
	episode *Episode
	cancel  context.CancelCauseFunc
	done    chan struct{}
	// result is written exactly once, before done is closed; readers must
	// observe done first.
	result schemas.EpisodeResult
}

// NewManager builds a manager that runs at most maxConcurrent episodes at a
// time. Starts beyond the limit are rejected, not queued.
func NewManager(factory Factory, maxConcurrent int, logger *zap.Logger) (*Manager, error) {
	if factory == nil {
		return nil, errors.New("episode manager requires a factory")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	group := new(errgroup.Group)
	group.SetLimit(maxConcurrent)
	return &Manager{
		factory: factory,
		logger:  logger.Named("episodes"),
		group:   group,
		runs:    make(map[string]*managedRun),
	}, nil
}

// Start launches an episode for the goal and returns its id. The episode
// runs detached from the caller's context: an HTTP request ending must not
// kill a half-driven device interaction.
func (m *Manager) Start(goal string) (string, error) {
	if strings.TrimSpace(goal) == "" {
		return "", errors.New("episode goal is empty")
	}

	id := uuid.NewString()
	ep, err := m.factory(id, goal)
	if err != nil {
		return "", fmt.Errorf("build episode: %w", err)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	run := &managedRun{episode: ep, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel(ErrManagerClosed)
		return "", ErrManagerClosed
	}
	m.runs[id] = run
	m.mu.Unlock()

	started := m.group.TryGo(func() error {
		run.result = ep.Run(ctx)
		close(run.done)
		cancel(nil)
		return nil
	})
	if !started {
		m.mu.Lock()
		delete(m.runs, id)
		m.mu.Unlock()
		cancel(ErrTooManyEpisodes)
		return "", ErrTooManyEpisodes
	}

	m.logger.Info("Episode started.", zap.String("episode_id", id), zap.String("goal", goal))
	return id, nil
}

// Status returns the current snapshot of an episode, running or finished.
func (m *Manager) Status(id string) (schemas.EpisodeStatus, error) {
	run, err := m.lookup(id)
	if err != nil {
		return schemas.EpisodeStatus{}, err
	}
	return run.episode.Status(), nil
}

// List returns a snapshot of every known episode, most recently started
// first.
func (m *Manager) List() []schemas.EpisodeStatus {
	m.mu.Lock()
	runs := make([]*managedRun, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	m.mu.Unlock()

	statuses := make([]schemas.EpisodeStatus, 0, len(runs))
	for _, run := range runs {
		statuses = append(statuses, run.episode.Status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].StartedAt.After(statuses[j].StartedAt)
	})
	return statuses
}

// Cancel requests an episode stop at its next step boundary. Cancelling a
// finished episode is a no-op.
func (m *Manager) Cancel(id string) error {
	run, err := m.lookup(id)
	if err != nil {
		return err
	}
	run.cancel(errOperatorCancel)
	m.logger.Info("Episode cancel requested.", zap.String("episode_id", id))
	return nil
}

// Result returns the terminal result of a finished episode, or
// ErrEpisodeRunning while it is still in flight.
func (m *Manager) Result(id string) (schemas.EpisodeResult, error) {
	run, err := m.lookup(id)
	if err != nil {
		return schemas.EpisodeResult{}, err
	}
	select {
	case <-run.done:
		return run.result, nil
	default:
		return schemas.EpisodeResult{}, ErrEpisodeRunning
	}
}

// Wait blocks until the episode finishes or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (schemas.EpisodeResult, error) {
	run, err := m.lookup(id)
	if err != nil {
		return schemas.EpisodeResult{}, err
	}
	select {
	case <-run.done:
		return run.result, nil
	case <-ctx.Done():
		return schemas.EpisodeResult{}, ctx.Err()
	}
}

// Close cancels every running episode and waits for them to finish, bounded
// by ctx. The manager accepts no new starts afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	runs := make([]*managedRun, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	m.mu.Unlock()

	for _, run := range runs {
		run.cancel(errShutdownCancel)
	}

	done := make(chan struct{})
	go func() {
		// Episode goroutines never return errors; results carry failures.
		_ = m.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Episode manager closed.")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("episode manager close: %w", ctx.Err())
	}
}

func (m *Manager) lookup(id string) (*managedRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEpisode, id)
	}
	return run, nil
}
