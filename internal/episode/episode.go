// Package episode runs the control loop for one goal: plan, execute each
// subtask through a worker, review the outcome, and retry or replan until the
// goal completes or a budget ends it. The episode owns the device session,
// the step log and the decision history; workers and the planner only ever
// see the slices they are handed.
package episode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/artifacts"
	"github.com/xkilldash9x/marionette-cli/internal/config"
	"github.com/xkilldash9x/marionette-cli/internal/observability"
	"github.com/xkilldash9x/marionette-cli/internal/worker"
)

// errWallClockExceeded is the cancellation cause installed by the episode's
// own deadline, so a timeout is distinguishable from an operator cancel.
var errWallClockExceeded = errors.New("wall clock budget exceeded")

// WorkerFactory builds the worker for an episode once its device session is
// live. The artifact sink is the episode's own, so raw captures land in the
// episode's directory.
type WorkerFactory func(session schemas.DeviceSession, art *artifacts.EpisodeArtifacts) (schemas.Worker, error)

// EventSource surfaces asynchronous device events (crashes, ANRs) observed
// outside the action cycle. Events are diagnostic only; they never drive
// control flow.
type EventSource interface {
	Snapshot() []schemas.DeviceEvent
}

// Episode is one goal attempt. Construct with New, drive with a single Run
// call; Status is safe to call concurrently while Run is in flight.
type Episode struct {
	id         string
	goal       string
	controller schemas.DeviceController
	planner    schemas.Planner
	supervisor schemas.Supervisor
	workers    WorkerFactory
	art        *artifacts.EpisodeArtifacts
	events     EventSource
	workerCfg  config.WorkerConfig
	cfg        config.EpisodeConfig
	metrics    *observability.Metrics
	logger     *zap.Logger

	mu        sync.Mutex
	state     schemas.EpisodeState
	current   *schemas.Subtask
	steps     []schemas.StepRecord
	decisions []schemas.DecisionRecord
	completed []schemas.Subtask
	answers   []string
	startedAt time.Time
}

// New builds an episode. The artifact sink and event source may be nil; the
// controller, planner, supervisor and worker factory may not.
func New(
	id string,
	goal string,
	controller schemas.DeviceController,
	planner schemas.Planner,
	supervisor schemas.Supervisor,
	workers WorkerFactory,
	art *artifacts.EpisodeArtifacts,
	events EventSource,
	workerCfg config.WorkerConfig,
	cfg config.EpisodeConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*Episode, error) {
	if id == "" || goal == "" {
		return nil, errors.New("episode requires an id and a goal")
	}
	if controller == nil || planner == nil || supervisor == nil || workers == nil {
		return nil, errors.New("episode requires a device controller, a planner, a supervisor and a worker factory")
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Episode{
		id:         id,
		goal:       goal,
		controller: controller,
		planner:    planner,
		supervisor: supervisor,
		workers:    workers,
		art:        art,
		events:     events,
		workerCfg:  workerCfg,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger.Named("episode").With(zap.String("episode_id", id)),
		state:      schemas.EpisodePlanning,
	}, nil
}

// ID returns the episode identifier.
func (e *Episode) ID() string { return e.id }

// Goal returns the natural-language goal.
func (e *Episode) Goal() string { return e.goal }

// Status returns a point-in-time snapshot of the episode.
func (e *Episode) Status() schemas.EpisodeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := schemas.EpisodeStatus{
		EpisodeID:      e.id,
		Goal:           e.goal,
		State:          e.state,
		CompletedCount: len(e.completed),
		TotalSteps:     len(e.steps),
		StartedAt:      e.startedAt,
	}
	if e.current != nil {
		current := *e.current
		status.CurrentSubtask = &current
	}
	return status
}

// Run drives the episode to a terminal state and returns its result. Run is
// called exactly once per episode; cancellation of ctx stops the loop at the
// next step boundary. Run never returns an error: failures terminate the
// episode and are carried in the result.
func (e *Episode) Run(ctx context.Context) schemas.EpisodeResult {
	e.mu.Lock()
	e.startedAt = time.Now().UTC()
	e.mu.Unlock()
	e.logger.Info("Episode starting.",
		zap.String("goal", e.goal),
		zap.Duration("wall_clock_budget", e.cfg.WallClockBudget),
		zap.Int("max_total_steps", e.cfg.MaxTotalSteps),
	)

	if e.cfg.WallClockBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, e.cfg.WallClockBudget, errWallClockExceeded)
		defer cancel()
	}

	outcome, runErr := e.run(ctx)
	return e.finalize(outcome, runErr)
}

func (e *Episode) run(ctx context.Context) (schemas.EpisodeState, error) {
	e.setState(schemas.EpisodePlanning, nil)

	session, err := e.controller.Connect(ctx)
	if err != nil {
		return schemas.EpisodeFailed, fmt.Errorf("device connect: %w", err)
	}
	defer func() {
		// The session outlived whatever killed the loop; close it detached so
		// a cancelled episode still releases the device.
		if cerr := session.Close(context.WithoutCancel(ctx)); cerr != nil {
			e.logger.Warn("Device session close failed.", zap.Error(cerr))
		}
	}()
	e.logger.Info("Device session established.", zap.String("session_id", session.ID()))

	runner, err := e.workers(session, e.art)
	if err != nil {
		return schemas.EpisodeFailed, fmt.Errorf("build worker: %w", err)
	}

	queue, err := e.planner.Plan(ctx, e.goal, schemas.PlanHistory{})
	if err != nil {
		if state := terminalFromCtx(ctx); state != "" {
			return state, context.Cause(ctx)
		}
		return schemas.EpisodeFailed, err
	}
	e.logger.Info("Plan ready.", zap.Int("subtasks", len(queue)))

	feedback := ""
	retries := make(map[string]int)
	replans := 0

	for len(queue) > 0 {
		if state := terminalFromCtx(ctx); state != "" {
			return state, context.Cause(ctx)
		}
		remaining := e.cfg.MaxTotalSteps - e.stepCount()
		if remaining <= 0 {
			return schemas.EpisodeTimedOut,
				fmt.Errorf("total step budget (%d) exhausted", e.cfg.MaxTotalSteps)
		}

		subtask := queue[0]
		budget := worker.StepBudget(subtask.Complexity, e.workerCfg)
		if budget > remaining {
			budget = remaining
		}

		e.setState(schemas.EpisodeExecuting, &subtask)
		result, runErr := runner.Run(ctx, subtask, feedback, budget)
		e.appendRun(result)
		if runErr != nil {
			if state := terminalFromCtx(ctx); state != "" {
				return state, context.Cause(ctx)
			}
			return schemas.EpisodeFailed, fmt.Errorf("subtask %s: %w", subtask.ID, runErr)
		}

		e.setState(schemas.EpisodeSupervising, &subtask)
		retryCount := retries[subtask.ID]
		decision := e.supervisor.Review(subtask, result, retryCount)
		e.recordDecision(subtask, result, decision, retryCount)

		switch decision.Kind {
		case schemas.DecisionAccept:
			e.markCompleted(subtask)
			queue = queue[1:]
			feedback = ""
			delete(retries, subtask.ID)

		case schemas.DecisionRetry:
			retries[subtask.ID] = retryCount + 1
			feedback = decision.Feedback

		case schemas.DecisionReplan:
			replans++
			if replans > e.cfg.MaxReplans {
				return schemas.EpisodeFailed,
					fmt.Errorf("replan budget (%d) exhausted on subtask %s", e.cfg.MaxReplans, subtask.ID)
			}
			e.setState(schemas.EpisodeReplanning, &subtask)
			history := schemas.PlanHistory{
				Completed: e.completedSnapshot(),
				Failure: &schemas.FailureContext{
					Subtask:   subtask,
					Feedback:  decision.Feedback,
					LastSteps: decision.FailedSteps,
				},
			}
			newPlan, perr := e.planner.Plan(ctx, e.goal, history)
			if perr != nil {
				if state := terminalFromCtx(ctx); state != "" {
					return state, context.Cause(ctx)
				}
				return schemas.EpisodeFailed, perr
			}
			e.logger.Info("Replanned.",
				zap.Int("replan", replans),
				zap.Int("subtasks", len(newPlan)),
			)
			queue = newPlan
			feedback = ""
			retries = make(map[string]int)

		default:
			return schemas.EpisodeFailed, fmt.Errorf("unknown supervisor decision %q", decision.Kind)
		}
	}

	return schemas.EpisodeCompleted, nil
}

// terminalFromCtx maps a dead context to the episode state it implies: the
// episode's own deadline means TIMED_OUT, everything else is an operator or
// shutdown cancel.
func terminalFromCtx(ctx context.Context) schemas.EpisodeState {
	if ctx.Err() == nil {
		return ""
	}
	if errors.Is(context.Cause(ctx), errWallClockExceeded) {
		return schemas.EpisodeTimedOut
	}
	return schemas.EpisodeCancelled
}

func (e *Episode) finalize(outcome schemas.EpisodeState, runErr error) schemas.EpisodeResult {
	endedAt := time.Now().UTC()

	e.mu.Lock()
	e.state = outcome
	e.current = nil
	result := schemas.EpisodeResult{
		EpisodeID: e.id,
		Goal:      e.goal,
		Outcome:   outcome,
		Steps:     append([]schemas.StepRecord(nil), e.steps...),
		Decisions: append([]schemas.DecisionRecord(nil), e.decisions...),
		Completed: append([]schemas.Subtask(nil), e.completed...),
		Answers:   append([]string(nil), e.answers...),
		StartedAt: e.startedAt,
		EndedAt:   endedAt,
	}
	e.mu.Unlock()

	if runErr != nil {
		result.Error = runErr.Error()
	}
	if e.events != nil {
		result.Events = e.events.Snapshot()
	}
	if e.art != nil {
		if _, err := e.art.SaveResult(result); err != nil {
			e.logger.Warn("Episode result not persisted.", zap.Error(err))
		}
	}

	e.metrics.EpisodesTotal.WithLabelValues(string(outcome)).Inc()
	e.metrics.EpisodeDuration.Observe(endedAt.Sub(result.StartedAt).Seconds())
	e.logger.Info("Episode finished.",
		zap.String("outcome", string(outcome)),
		zap.Int("steps", len(result.Steps)),
		zap.Int("completed_subtasks", len(result.Completed)),
		zap.Duration("elapsed", endedAt.Sub(result.StartedAt)),
		zap.String("error", result.Error),
	)
	return result
}

func (e *Episode) setState(state schemas.EpisodeState, current *schemas.Subtask) {
	e.mu.Lock()
	e.state = state
	if current != nil {
		c := *current
		e.current = &c
	} else {
		e.current = nil
	}
	e.mu.Unlock()

	fields := []zap.Field{zap.String("state", string(state))}
	if current != nil {
		fields = append(fields, zap.String("subtask_id", current.ID))
	}
	e.logger.Info("Episode state changed.", fields...)
}

// appendRun folds a worker run into the episode log, rebasing the run-local
// step indices onto the episode-wide sequence.
func (e *Episode) appendRun(result schemas.WorkerResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	base := len(e.steps)
	for i, step := range result.Steps {
		step.StepIndex = base + i
		e.steps = append(e.steps, step)
	}
	e.answers = append(e.answers, result.Answers...)
}

func (e *Episode) recordDecision(subtask schemas.Subtask, result schemas.WorkerResult, decision schemas.Decision, retryCount int) {
	e.mu.Lock()
	e.decisions = append(e.decisions, schemas.DecisionRecord{
		SubtaskID:  subtask.ID,
		Kind:       decision.Kind,
		Outcome:    result.Outcome,
		RetryCount: retryCount,
		Feedback:   decision.Feedback,
		Timestamp:  time.Now().UTC(),
	})
	e.mu.Unlock()

	e.metrics.SupervisorDecisions.WithLabelValues(string(decision.Kind)).Inc()
	e.logger.Info("Supervisor decision recorded.",
		zap.String("subtask_id", subtask.ID),
		zap.String("decision", string(decision.Kind)),
		zap.String("outcome", string(result.Outcome)),
		zap.Int("retry_count", retryCount),
	)
}

func (e *Episode) markCompleted(subtask schemas.Subtask) {
	e.mu.Lock()
	e.completed = append(e.completed, subtask)
	e.mu.Unlock()
}

func (e *Episode) completedSnapshot() []schemas.Subtask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]schemas.Subtask(nil), e.completed...)
}

func (e *Episode) stepCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.steps)
}
