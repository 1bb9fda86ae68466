// Package supervisor decides what happens after each worker run: advance the
// subtask queue, retry with feedback, or escalate to a replan. The policy is
// deliberately deterministic so an episode can be audited and replayed from
// its decision log alone.
package supervisor

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/config"
)

const defaultFeedbackSteps = 3

// Supervisor implements schemas.Supervisor as a pure review policy over
// (subtask, result, retryCount). It holds no mutable state; retry counters
// live with the episode that owns the subtask queue.
type Supervisor struct {
	logger        *zap.Logger
	maxRetries    int
	feedbackSteps int
}

var _ schemas.Supervisor = (*Supervisor)(nil)

// New creates a supervisor with the configured retry cap and feedback window.
func New(cfg config.SupervisorConfig, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	feedbackSteps := cfg.FeedbackSteps
	if feedbackSteps <= 0 {
		feedbackSteps = defaultFeedbackSteps
	}
	return &Supervisor{
		logger:        logger.Named("supervisor"),
		maxRetries:    maxRetries,
		feedbackSteps: feedbackSteps,
	}
}

// Review maps a worker result onto a decision.
//
// ACCEPT requires a SUCCEEDED outcome without an infeasibility verdict. An
// infeasible verdict escalates straight to REPLAN: the oracle has stated the
// subtask cannot be done as written, so re-running it with feedback would
// burn budget on the same dead end and only a new plan can route around it.
// Everything else retries with feedback until retryCount reaches the cap,
// then escalates.
func (s *Supervisor) Review(subtask schemas.Subtask, result schemas.WorkerResult, retryCount int) schemas.Decision {
	decision := s.review(result, retryCount)
	s.logger.Debug("Worker outcome reviewed.",
		zap.String("subtask_id", subtask.ID),
		zap.String("outcome", string(result.Outcome)),
		zap.Int("retry_count", retryCount),
		zap.Bool("goal_infeasible", result.GoalInfeasible),
		zap.String("decision", string(decision.Kind)),
	)
	return decision
}

func (s *Supervisor) review(result schemas.WorkerResult, retryCount int) schemas.Decision {
	if result.Outcome == schemas.OutcomeSucceeded && !result.GoalInfeasible {
		return schemas.Decision{Kind: schemas.DecisionAccept}
	}

	failed := lastSteps(result.Steps, s.feedbackSteps)
	feedback := buildFeedback(result, failed)

	if !result.GoalInfeasible && retryCount < s.maxRetries {
		return schemas.Decision{
			Kind:        schemas.DecisionRetry,
			Feedback:    feedback,
			FailedSteps: failed,
		}
	}
	return schemas.Decision{
		Kind:        schemas.DecisionReplan,
		Feedback:    feedback,
		FailedSteps: failed,
	}
}

// buildFeedback renders the failure as prose plus the trailing step log, in
// the shape the proposal and replan prompts expect to splice in verbatim.
func buildFeedback(result schemas.WorkerResult, failed []schemas.StepRecord) string {
	var b strings.Builder
	switch {
	case result.GoalInfeasible:
		fmt.Fprintf(&b, "The previous attempt declared this subtask infeasible after %d steps.", len(result.Steps))
	case result.Outcome == schemas.OutcomeStalled:
		fmt.Fprintf(&b, "The previous attempt stalled after %d steps: recent actions stopped changing the screen.", len(result.Steps))
	case result.Outcome == schemas.OutcomeExhausted:
		fmt.Fprintf(&b, "The previous attempt used its entire step budget (%d steps) without finishing.", len(result.Steps))
	default:
		fmt.Fprintf(&b, "The previous attempt ended with outcome %s after %d steps.", result.Outcome, len(result.Steps))
	}
	if len(failed) > 0 {
		b.WriteString(" Its last steps were:\n")
		for _, step := range failed {
			fmt.Fprintf(&b, "- %s\n", step.Summary())
		}
		b.WriteString("Do not repeat these actions verbatim; try a different approach.")
	}
	return b.String()
}

// lastSteps copies the trailing window of the step log so the decision stays
// valid even if the caller keeps appending to the episode's slice.
func lastSteps(steps []schemas.StepRecord, n int) []schemas.StepRecord {
	if n <= 0 || len(steps) == 0 {
		return nil
	}
	if len(steps) > n {
		steps = steps[len(steps)-n:]
	}
	out := make([]schemas.StepRecord, len(steps))
	copy(out, steps)
	return out
}
