// Package worker drives one subtask to a terminal outcome against a live
// device session. A run first tries to replay the action sequence procedural
// memory holds for the subtask's signature; when there is no entry, or the
// replay stops matching the screen, it falls through to oracle-proposed
// actions. Every action's effect is verified through the observer, never
// taken from the oracle's word.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/config"
	"github.com/xkilldash9x/marionette-cli/internal/memory"
	"github.com/xkilldash9x/marionette-cli/internal/observability"
	"github.com/xkilldash9x/marionette-cli/internal/protocol"
)

const (
	defaultStallWindow   = 3
	defaultHistoryWindow = 5
)

// Worker implements schemas.Worker for a single device session. At most one
// run is active per worker at a time; the episode that owns the session is
// responsible for never overlapping calls.
type Worker struct {
	logger    *zap.Logger
	goal      string
	session   schemas.DeviceSession
	observer  schemas.ScreenObserver
	oracle    schemas.Reasoner
	memory    schemas.ProceduralMemory
	validator *protocol.Validator
	metrics   *observability.Metrics
	cfg       config.WorkerConfig

	actionTimeout  time.Duration
	captureTimeout time.Duration
	settleDelay    time.Duration
}

var _ schemas.Worker = (*Worker)(nil)

// New creates a worker bound to one goal and one device session. Memory may
// be nil, which disables replay and write-back for the run.
func New(
	goal string,
	session schemas.DeviceSession,
	observer schemas.ScreenObserver,
	oracle schemas.Reasoner,
	mem schemas.ProceduralMemory,
	cfg config.WorkerConfig,
	device config.DeviceConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*Worker, error) {
	if session == nil || observer == nil || oracle == nil {
		return nil, errors.New("worker requires a device session, an observer and a reasoner")
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StallWindow <= 0 {
		cfg.StallWindow = defaultStallWindow
	}
	if cfg.ReasonerRetries < 0 {
		cfg.ReasonerRetries = 0
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	return &Worker{
		logger:         logger.Named("worker"),
		goal:           goal,
		session:        session,
		observer:       observer,
		oracle:         oracle,
		memory:         mem,
		validator:      protocol.NewValidator(),
		metrics:        metrics,
		cfg:            cfg,
		actionTimeout:  device.ActionTimeout,
		captureTimeout: device.CaptureTimeout,
		settleDelay:    device.SettleDelay,
	}, nil
}

// StepBudget scales a subtask's complexity into its action budget and clamps
// it into the configured range.
func StepBudget(complexity int, cfg config.WorkerConfig) int {
	if complexity <= 0 {
		complexity = 2
	}
	budget := complexity * cfg.StepBudgetMultiplier
	if cfg.MinStepBudget > 0 && budget < cfg.MinStepBudget {
		budget = cfg.MinStepBudget
	}
	if cfg.MaxStepBudget > 0 && budget > cfg.MaxStepBudget {
		budget = cfg.MaxStepBudget
	}
	if budget <= 0 {
		budget = 1
	}
	return budget
}

// runState accumulates one attempt at a subtask.
type runState struct {
	subtask  schemas.Subtask
	budget   int
	feedback string

	steps   []schemas.StepRecord
	answers []string
	// sequence holds the proposals of every step that executed cleanly, in
	// order, ending with the terminal done. This is what memory records.
	sequence      []schemas.ActionProposal
	reasonerCalls int
	replayedSteps int
	noChange      int // consecutive Changed=false steps
}

// Run drives the subtask until a terminal outcome or a fatal error. The step
// budget is hard: the run never appends more than stepBudget records. On a
// fatal error (device loss, cancellation) the returned result still carries
// every step taken so far and a zero outcome; the error says why.
func (w *Worker) Run(ctx context.Context, subtask schemas.Subtask, feedback string, stepBudget int) (schemas.WorkerResult, error) {
	if stepBudget <= 0 {
		stepBudget = StepBudget(subtask.Complexity, w.cfg)
	}
	logger := w.logger.With(zap.String("subtask_id", subtask.ID))
	logger.Info("Subtask run starting.",
		zap.String("description", subtask.Description),
		zap.Int("step_budget", stepBudget),
		zap.Bool("has_feedback", feedback != ""),
	)

	run := &runState{subtask: subtask, budget: stepBudget, feedback: feedback}

	outcome, err := w.tryReplay(ctx, logger, run)
	if err != nil {
		return w.result(run, ""), err
	}
	if outcome == "" {
		outcome, err = w.generate(ctx, logger, run)
		if err != nil {
			return w.result(run, ""), err
		}
	}

	result := w.result(run, outcome)
	if result.Outcome == schemas.OutcomeSucceeded {
		w.recordSequence(ctx, logger, run)
	}
	logger.Info("Subtask run finished.",
		zap.String("outcome", string(result.Outcome)),
		zap.Int("steps", len(result.Steps)),
		zap.Int("reasoner_calls", result.ReasonerCalls),
		zap.Bool("replayed", result.Replayed),
	)
	return result, nil
}

func (w *Worker) result(run *runState, outcome schemas.WorkerOutcome) schemas.WorkerResult {
	infeasible := false
	if n := len(run.steps); n > 0 {
		last := run.steps[n-1]
		infeasible = last.Action.Kind == schemas.ActionDone &&
			last.ExecError == "" &&
			last.Action.Done != nil &&
			last.Action.Done.Status == schemas.GoalInfeasible
	}
	return schemas.WorkerResult{
		Outcome:        outcome,
		Steps:          run.steps,
		Replayed:       outcome == schemas.OutcomeSucceeded && run.reasonerCalls == 0 && run.replayedSteps > 0,
		ReasonerCalls:  run.reasonerCalls,
		Answers:        run.answers,
		GoalInfeasible: infeasible,
	}
}

// tryReplay serves the subtask from procedural memory. It returns a zero
// outcome when the run must continue generatively: no entry, or the replay
// aborted partway. Steps already replayed stay in the run either way.
func (w *Worker) tryReplay(ctx context.Context, logger *zap.Logger, run *runState) (schemas.WorkerOutcome, error) {
	if w.memory == nil {
		return "", nil
	}
	signature := memory.Signature(run.subtask.Description)
	entry, ok, err := w.memory.Lookup(ctx, signature)
	if err != nil {
		w.metrics.MemoryLookups.WithLabelValues("error").Inc()
		logger.Warn("Procedural memory lookup failed, running generatively.", zap.Error(err))
		return "", nil
	}
	if !ok {
		w.metrics.MemoryLookups.WithLabelValues("miss").Inc()
		return "", nil
	}
	w.metrics.MemoryLookups.WithLabelValues("hit").Inc()
	logger.Info("Replaying recalled action sequence.",
		zap.Int("actions", len(entry.ActionSequence)),
		zap.Int("success_count", entry.SuccessCount),
	)

	for i, proposal := range entry.ActionSequence {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if len(run.steps) >= run.budget {
			return schemas.OutcomeExhausted, nil
		}

		pre, err := w.capture(ctx)
		if err != nil {
			return "", err
		}
		action, verr := w.validator.Validate(proposal, pre.Summary)
		if verr != nil {
			logger.Info("Replay aborted: recalled action no longer validates.",
				zap.Int("replay_index", i), zap.Error(verr))
			return "", nil
		}

		switch action.Kind {
		case schemas.ActionDone:
			if action.Done.Status != schemas.GoalComplete || !acceptanceConsistent(run.subtask.AcceptanceHint, pre.Summary) {
				logger.Info("Replay aborted: terminal check failed against the live screen.",
					zap.Int("replay_index", i))
				return "", nil
			}
			w.appendStep(run, terminalStep(action, pre), proposal, true)
			return schemas.OutcomeSucceeded, nil
		case schemas.ActionAnswer:
			run.answers = append(run.answers, action.Answer.Text)
			w.appendStep(run, terminalStep(action, pre), proposal, true)
			continue
		}

		record, fatal := w.executeStep(ctx, action, pre, true)
		w.appendStep(run, record, proposal, true)
		if fatal != nil {
			return "", fmt.Errorf("replay step %d: %w", i, fatal)
		}
		if record.ExecError != "" || !record.Changed {
			logger.Info("Replay aborted: step had no verified effect.",
				zap.Int("replay_index", i),
				zap.String("step", record.Summary()),
			)
			return "", nil
		}
	}

	// The stored sequence ran out without a terminal action. Entries written
	// by older builds that dropped terminal actions look like this; finish
	// the subtask generatively.
	logger.Info("Recalled sequence exhausted without terminal action, continuing generatively.")
	return "", nil
}

// generate is the oracle-driven loop: capture, propose, validate, execute,
// diff, until a terminal action, the budget, or a stall ends the run.
func (w *Worker) generate(ctx context.Context, logger *zap.Logger, run *runState) (schemas.WorkerOutcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if len(run.steps) >= run.budget {
			return schemas.OutcomeExhausted, nil
		}

		pre, err := w.capture(ctx)
		if err != nil {
			return "", err
		}

		proposal, action, err := w.propose(ctx, logger, run, pre)
		if err != nil {
			if schemas.IsStepRecoverable(err) {
				// Absorb the dead end into the step log so the run never
				// ends without a record of what was tried.
				failed := terminalStep(schemas.ValidatedAction{Kind: proposal.Type, Rationale: proposal.Rationale}, pre)
				failed.ExecError = err.Error()
				w.appendStep(run, failed, proposal, false)
				logger.Warn("No usable oracle proposal, stalling.", zap.Error(err))
				return schemas.OutcomeStalled, nil
			}
			return "", err
		}

		switch action.Kind {
		case schemas.ActionDone:
			if outcome := w.finishDone(logger, run, proposal, action, pre); outcome != "" {
				return outcome, nil
			}
			continue
		case schemas.ActionAnswer:
			run.answers = append(run.answers, action.Answer.Text)
			w.appendStep(run, terminalStep(action, pre), proposal, false)
			if run.noChange >= w.cfg.StallWindow {
				return schemas.OutcomeStalled, nil
			}
			continue
		}

		record, fatal := w.executeStep(ctx, action, pre, false)
		w.appendStep(run, record, proposal, false)
		if fatal != nil {
			return "", fmt.Errorf("step %d: %w", record.StepIndex, fatal)
		}
		if run.noChange >= w.cfg.StallWindow {
			logger.Info("Stall window reached.", zap.Int("consecutive_no_change", run.noChange))
			return schemas.OutcomeStalled, nil
		}
	}
}

// finishDone resolves a terminal done proposal. A complete verdict must
// survive the acceptance heuristic against the current screen; one that does
// not is recorded as a failed step so the oracle sees its premature claim in
// the history, and the loop continues (zero outcome). Infeasible verdicts
// always terminate.
func (w *Worker) finishDone(logger *zap.Logger, run *runState, proposal schemas.ActionProposal, action schemas.ValidatedAction, pre schemas.ScreenSnapshot) schemas.WorkerOutcome {
	record := terminalStep(action, pre)

	if action.Done.Status == schemas.GoalInfeasible {
		w.appendStep(run, record, proposal, false)
		logger.Info("Oracle declared the subtask infeasible.")
		return schemas.OutcomeStalled
	}

	if !acceptanceConsistent(run.subtask.AcceptanceHint, pre.Summary) {
		record.ExecError = fmt.Sprintf("acceptance check failed: screen does not show %q", run.subtask.AcceptanceHint)
		w.appendStep(run, record, proposal, false)
		logger.Info("Premature done rejected by acceptance check.")
		if run.noChange >= w.cfg.StallWindow {
			return schemas.OutcomeStalled
		}
		if len(run.steps) >= run.budget {
			return schemas.OutcomeExhausted
		}
		return ""
	}

	w.appendStep(run, record, proposal, false)
	return schemas.OutcomeSucceeded
}

// propose asks the oracle for the next action and validates it, retrying
// rejected or malformed output up to the configured count. On exhaustion the
// last raw proposal comes back with a step-recoverable error (the caller
// maps it to STALLED); only a dead context aborts outright.
func (w *Worker) propose(ctx context.Context, logger *zap.Logger, run *runState, pre schemas.ScreenSnapshot) (schemas.ActionProposal, schemas.ValidatedAction, error) {
	deviation := deviationNote(run.steps, w.cfg.RepeatedActionLimit)
	attempts := w.cfg.ReasonerRetries + 1

	var last schemas.ActionProposal
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, schemas.ValidatedAction{}, err
		}
		proposal, err := w.oracle.ProposeAction(ctx, schemas.ProposalRequest{
			Goal:      w.goal,
			Subtask:   run.subtask,
			Screen:    pre.Summary,
			History:   lastN(run.steps, w.cfg.HistoryWindow),
			Feedback:  run.feedback,
			Deviation: deviation,
		})
		run.reasonerCalls++
		if err != nil {
			if !schemas.IsStepRecoverable(err) {
				return last, schemas.ValidatedAction{}, err
			}
			lastErr = err
			logger.Warn("Oracle proposal failed.", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		last = proposal

		action, verr := w.validator.Validate(proposal, pre.Summary)
		if verr != nil {
			lastErr = verr
			logger.Warn("Proposal rejected by validation.",
				zap.Int("attempt", attempt+1),
				zap.String("action_type", string(proposal.Type)),
				zap.Error(verr),
			)
			continue
		}
		return proposal, action, nil
	}
	return last, schemas.ValidatedAction{},
		fmt.Errorf("no valid action after %d oracle attempts: %w", attempts, lastErr)
}

// executeStep performs a validated device action and measures its effect.
// The step runs detached from the caller's cancellation: an operator cancel
// takes effect at the next loop boundary, never mid-action. Execution
// failures and timeouts become failed records, not errors; only transport
// loss is returned, and it is fatal to the run.
func (w *Worker) executeStep(ctx context.Context, action schemas.ValidatedAction, pre schemas.ScreenSnapshot, replayed bool) (schemas.StepRecord, error) {
	record := schemas.StepRecord{
		Action:   action,
		Pre:      pre,
		Replayed: replayed,
	}
	started := time.Now()
	defer func() {
		w.metrics.StepsTotal.WithLabelValues(string(action.Kind)).Inc()
		w.metrics.StepDuration.Observe(time.Since(started).Seconds())
		if replayed {
			w.metrics.ReplayedStepsTotal.Inc()
		}
	}()

	stepCtx := context.WithoutCancel(ctx)
	execCtx := stepCtx
	if w.actionTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(stepCtx, w.actionTimeout)
		defer cancel()
	}

	if err := w.session.Execute(execCtx, action); err != nil {
		record.ExecError = err.Error()
		if errors.Is(err, schemas.ErrDeviceUnreachable) {
			return record, err
		}
	} else {
		w.settle(stepCtx)
	}

	post, cerr := w.capture(stepCtx)
	if cerr != nil {
		// The action ran but its effect is unknown. Keep the step as failed
		// and let transport loss end the run.
		if record.ExecError == "" {
			record.ExecError = fmt.Sprintf("post-capture failed: %v", cerr)
		}
		if errors.Is(cerr, schemas.ErrDeviceUnreachable) {
			return record, cerr
		}
		return record, nil
	}

	record.Post = post
	if record.ExecError == "" {
		delta := w.observer.Diff(pre, post)
		record.Changed = delta.Changed
		record.DiffSummary = delta.Summary
	}
	return record, nil
}

// appendStep stamps and stores a record and keeps the stall counter and the
// recordable sequence current. Only cleanly executed steps join the
// sequence; a failed one would bake a dead action into memory.
func (w *Worker) appendStep(run *runState, record schemas.StepRecord, proposal schemas.ActionProposal, replayed bool) {
	record.SubtaskID = run.subtask.ID
	record.StepIndex = len(run.steps)
	record.Timestamp = time.Now().UTC()
	run.steps = append(run.steps, record)

	if replayed {
		run.replayedSteps++
	}
	if record.ExecError == "" {
		run.sequence = append(run.sequence, proposal)
	}
	if record.Changed {
		run.noChange = 0
	} else {
		run.noChange++
	}
}

// terminalStep builds the record for actions that never touch the device
// (done, answer). Pre and post are the same snapshot.
func terminalStep(action schemas.ValidatedAction, pre schemas.ScreenSnapshot) schemas.StepRecord {
	return schemas.StepRecord{
		Action: action,
		Pre:    pre,
		Post:   pre,
	}
}

// recordSequence writes the run's clean proposal sequence back to memory.
// Write-back is best-effort: the subtask already succeeded, a store failure
// only costs the next episode a replay.
func (w *Worker) recordSequence(ctx context.Context, logger *zap.Logger, run *runState) {
	if w.memory == nil || len(run.sequence) == 0 {
		return
	}
	signature := memory.Signature(run.subtask.Description)
	if err := w.memory.Record(ctx, signature, run.sequence); err != nil {
		logger.Warn("Procedural memory write-back failed.", zap.Error(err))
		return
	}
	logger.Debug("Action sequence recorded.",
		zap.String("signature", signature),
		zap.Int("actions", len(run.sequence)),
	)
}

func (w *Worker) capture(ctx context.Context) (schemas.ScreenSnapshot, error) {
	if w.captureTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.captureTimeout)
		defer cancel()
	}
	return w.observer.Capture(ctx)
}

// settle waits the configured delay between executing an action and
// capturing its effect, so animations and IME transitions finish first.
func (w *Worker) settle(ctx context.Context) {
	if w.settleDelay <= 0 {
		return
	}
	t := time.NewTimer(w.settleDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func lastN(steps []schemas.StepRecord, n int) []schemas.StepRecord {
	if n <= 0 || len(steps) <= n {
		return steps
	}
	return steps[len(steps)-n:]
}
