package schemas

import (
	"fmt"
	"time"
)

// EpisodeState represents the phase of the episode state machine. An episode
// moves through the planning/execution/supervision cycle until it reaches one
// of the terminal states.
type EpisodeState string

const (
	EpisodePlanning    EpisodeState = "PLANNING"    // The planner is decomposing the goal into subtasks.
	EpisodeExecuting   EpisodeState = "EXECUTING"   // A worker is driving the current subtask on the device.
	EpisodeSupervising EpisodeState = "SUPERVISING" // The supervisor is reviewing the worker's outcome.
	EpisodeReplanning  EpisodeState = "REPLANNING"  // The planner is replacing the remaining subtask queue.
	EpisodeCompleted   EpisodeState = "COMPLETED"   // All subtasks accepted; the goal is done.
	EpisodeFailed      EpisodeState = "FAILED"      // Planning failed or the device became unreachable.
	EpisodeTimedOut    EpisodeState = "TIMED_OUT"   // The wall-clock or total-step budget was exceeded.
	EpisodeCancelled   EpisodeState = "CANCELLED"   // An operator cancelled the episode between steps.
)

// Terminal reports whether the state ends the episode.
func (s EpisodeState) Terminal() bool {
	switch s {
	case EpisodeCompleted, EpisodeFailed, EpisodeTimedOut, EpisodeCancelled:
		return true
	}
	return false
}

// Subtask is one decomposed unit of a goal, independently executable and
// verifiable. Subtasks are produced by the planner and owned by the episode;
// procedural memory references them only through the semantic signature of
// their description.
type Subtask struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	// AcceptanceHint is a short statement of what the screen should show once
	// the subtask is done. Workers use it for a lightweight terminal check;
	// full verification is the supervisor's job.
	AcceptanceHint string `json:"acceptance_hint,omitempty"`
	// Complexity (1-5) scales the worker's step budget for this subtask.
	Complexity int `json:"complexity,omitempty"`
}

// Rect is a rectangle in screen coordinates.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// UIElement is one interactable element of a screen summary. Elements are
// numbered so the oracle can reference them by index (tap {"index": 3}).
type UIElement struct {
	Index  int    `json:"index"`
	Role   string `json:"role,omitempty"` // widget class or tag name
	Text   string `json:"text,omitempty"`
	Desc   string `json:"desc,omitempty"` // content description / accessibility label
	Bounds Rect   `json:"bounds"`
}

// ScreenSummary is the normalized, prompt-friendly description of a captured
// screen. It is derived from the raw capture by the observer's normalization
// pass and is the only screen representation the oracle ever sees.
type ScreenSummary struct {
	Activity     string      `json:"activity,omitempty"` // foreground activity, page title or URL
	Width        int         `json:"width"`
	Height       int         `json:"height"`
	ElementCount int         `json:"element_count"`
	Texts        []string    `json:"texts,omitempty"` // first N visible texts, in layout order
	Elements     []UIElement `json:"elements,omitempty"`
}

// ScreenSnapshot is a normalized capture of device state. The structural
// digest is computed over the normalized form, so two captures of the same
// logical screen produce equal digests even when volatile noise (clock text,
// cursor blink) differs.
type ScreenSnapshot struct {
	CaptureID  string        `json:"capture_id"`
	Digest     string        `json:"structural_digest"`
	Summary    ScreenSummary `json:"summary"`
	RawRef     string        `json:"raw_reference,omitempty"` // artifact key of the persisted raw capture
	CapturedAt time.Time     `json:"captured_at"`
}

// ScreenDelta is the comparison of two snapshots. Changed is false exactly
// when the normalized digests match.
type ScreenDelta struct {
	Changed bool   `json:"changed"`
	Summary string `json:"diff_summary,omitempty"`
}

// StepRecord documents one executed action: what was done, what the screen
// looked like before and after, and whether anything changed. The episode
// owns the step log; workers append to their per-run slice and hand it back.
type StepRecord struct {
	SubtaskID   string          `json:"subtask_id"`
	StepIndex   int             `json:"step_index"`
	Action      ValidatedAction `json:"action"`
	Pre         ScreenSnapshot  `json:"pre_snapshot"`
	Post        ScreenSnapshot  `json:"post_snapshot"`
	Changed     bool            `json:"changed"`
	DiffSummary string          `json:"diff_summary,omitempty"`
	// Replayed marks steps served from procedural memory rather than a fresh
	// oracle proposal.
	Replayed bool `json:"replayed,omitempty"`
	// ExecError carries the device-side failure detail when the action was
	// rejected or timed out. Such steps count toward stall detection.
	ExecError string    `json:"exec_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary renders the step as a single log-style line: the action, then what
// it did to the screen. Prompt builders and supervisor feedback share this
// form.
func (s StepRecord) Summary() string {
	rendered := s.Action.String()
	switch {
	case s.ExecError != "":
		return fmt.Sprintf("%s -> FAILED: %s", rendered, s.ExecError)
	case s.Changed && s.DiffSummary != "":
		return fmt.Sprintf("%s -> screen changed (%s)", rendered, s.DiffSummary)
	case s.Changed:
		return rendered + " -> screen changed"
	default:
		return rendered + " -> no visible change"
	}
}

// MemoryEntry is a procedural-memory record: the action sequence that last
// completed a subtask matching the signature.
type MemoryEntry struct {
	Signature      string           `json:"signature"`
	ActionSequence []ActionProposal `json:"action_sequence"`
	SuccessCount   int              `json:"success_count"`
	LastUsed       time.Time        `json:"last_used"`
}

// WorkerOutcome is the terminal status of a single worker run.
type WorkerOutcome string

const (
	OutcomeSucceeded WorkerOutcome = "SUCCEEDED" // Terminal done action accepted by the heuristic check.
	OutcomeStalled   WorkerOutcome = "STALLED"   // Consecutive no-change steps hit the stall window, or the oracle kept failing.
	OutcomeExhausted WorkerOutcome = "EXHAUSTED" // The step budget was consumed without a terminal action.
)

// WorkerResult is everything a worker hands back to the supervisor for one
// subtask attempt.
type WorkerResult struct {
	Outcome WorkerOutcome `json:"outcome"`
	Steps   []StepRecord  `json:"steps"`
	// Replayed is true when the entire run was served from procedural memory
	// without a single oracle call.
	Replayed      bool     `json:"replayed,omitempty"`
	ReasonerCalls int      `json:"reasoner_calls"`
	Answers       []string `json:"answers,omitempty"`
	// GoalInfeasible is set when the oracle terminated with done(infeasible);
	// the supervisor treats this as a failed subtask.
	GoalInfeasible bool `json:"goal_infeasible,omitempty"`
}

// DecisionKind enumerates the supervisor's possible verdicts on a worker run.
type DecisionKind string

const (
	DecisionAccept DecisionKind = "ACCEPT" // Subtask done; advance the queue.
	DecisionRetry  DecisionKind = "RETRY"  // Re-run the same subtask with feedback.
	DecisionReplan DecisionKind = "REPLAN" // Retries exhausted; replace the remaining plan.
)

// Decision is the supervisor's verdict. Feedback and FailedSteps are only
// populated for RETRY and REPLAN: a structured summary of the trailing failed
// steps that the next worker invocation (or the planner) receives as context.
type Decision struct {
	Kind        DecisionKind `json:"kind"`
	Feedback    string       `json:"feedback,omitempty"`
	FailedSteps []StepRecord `json:"failed_steps,omitempty"`
}

// DecisionRecord is one supervisor verdict as stored in the episode's
// decision history.
type DecisionRecord struct {
	SubtaskID  string        `json:"subtask_id"`
	Kind       DecisionKind  `json:"kind"`
	Outcome    WorkerOutcome `json:"outcome"`
	RetryCount int           `json:"retry_count"`
	Feedback   string        `json:"feedback,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// PlanHistory is the context handed to the planner. Empty at episode start;
// on a replan it carries the completed subtasks and the failure that
// triggered the escalation.
type PlanHistory struct {
	Completed []Subtask       `json:"completed,omitempty"`
	Failure   *FailureContext `json:"failure,omitempty"`
}

// FailureContext describes the subtask whose retries were exhausted.
type FailureContext struct {
	Subtask   Subtask      `json:"subtask"`
	Feedback  string       `json:"feedback,omitempty"`
	LastSteps []StepRecord `json:"last_steps,omitempty"`
}

// DeviceEvent is an asynchronous signal raised outside the action/observe
// cycle, such as an application crash spotted in the device log. Events are
// attached to the episode result for diagnosis; they do not drive control
// flow.
type DeviceEvent struct {
	Kind      string    `json:"kind"` // "crash", "anr"
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// EpisodeStatus is a point-in-time snapshot of a running or finished episode.
type EpisodeStatus struct {
	EpisodeID      string       `json:"episode_id"`
	Goal           string       `json:"goal"`
	State          EpisodeState `json:"state"`
	CurrentSubtask *Subtask     `json:"current_subtask,omitempty"`
	CompletedCount int          `json:"completed_count"`
	TotalSteps     int          `json:"total_steps"`
	StartedAt      time.Time    `json:"started_at"`
}

// EpisodeResult is the terminal output of an episode. The full step log and
// decision history are always carried, whatever the outcome, so a failed run
// can be diagnosed down to the subtask and supervisor decision that ended it.
type EpisodeResult struct {
	EpisodeID string           `json:"episode_id"`
	Goal      string           `json:"goal"`
	Outcome   EpisodeState     `json:"outcome"`
	Steps     []StepRecord     `json:"steps"`
	Decisions []DecisionRecord `json:"decisions"`
	Completed []Subtask        `json:"completed_subtasks"`
	Answers   []string         `json:"answers,omitempty"`
	Events    []DeviceEvent    `json:"device_events,omitempty"`
	Error     string           `json:"error,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at"`
}
