package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/config"
	"github.com/xkilldash9x/marionette-cli/internal/memory"
)

// -- Fakes --

type oracleTurn struct {
	proposal schemas.ActionProposal
	err      error
}

// scriptedOracle returns canned proposals in order and records every request
// it saw. Exhausting the script yields a ReasonerError.
type scriptedOracle struct {
	mu       sync.Mutex
	turns    []oracleTurn
	requests []schemas.ProposalRequest
}

func (o *scriptedOracle) ProposeAction(_ context.Context, req schemas.ProposalRequest) (schemas.ActionProposal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	idx := len(o.requests)
	o.requests = append(o.requests, req)
	if idx >= len(o.turns) {
		return schemas.ActionProposal{}, &schemas.ReasonerError{Detail: "script exhausted"}
	}
	return o.turns[idx].proposal, o.turns[idx].err
}

func (o *scriptedOracle) calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

func (o *scriptedOracle) request(i int) schemas.ProposalRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[i]
}

// fakeSession accepts every action unless errByCall says otherwise.
type fakeSession struct {
	mu        sync.Mutex
	executed  []schemas.ValidatedAction
	errByCall map[int]error
	onExecute func()
}

func (s *fakeSession) ID() string { return "fake-device" }

func (s *fakeSession) Execute(_ context.Context, action schemas.ValidatedAction) error {
	s.mu.Lock()
	idx := len(s.executed)
	s.executed = append(s.executed, action)
	err := s.errByCall[idx]
	hook := s.onExecute
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (s *fakeSession) CaptureRaw(context.Context) (schemas.RawCapture, error) {
	return schemas.RawCapture{}, nil
}

func (s *fakeSession) Close(context.Context) error { return nil }

func (s *fakeSession) executeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executed)
}

// fakeObserver pops scripted snapshots per capture, repeating the last one
// once the script runs out. Diff mirrors the real observer: digest equality.
type fakeObserver struct {
	mu    sync.Mutex
	queue []schemas.ScreenSnapshot
	calls int
}

func (f *fakeObserver) Capture(context.Context) (schemas.ScreenSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return schemas.ScreenSnapshot{}, errors.New("no scripted snapshots")
	}
	idx := f.calls
	if idx >= len(f.queue) {
		idx = len(f.queue) - 1
	}
	f.calls++
	return f.queue[idx], nil
}

func (f *fakeObserver) Diff(a, b schemas.ScreenSnapshot) schemas.ScreenDelta {
	if a.Digest == b.Digest {
		return schemas.ScreenDelta{}
	}
	return schemas.ScreenDelta{Changed: true, Summary: "layout changed"}
}

// -- Builders --

func snap(digest string, texts ...string) schemas.ScreenSnapshot {
	return schemas.ScreenSnapshot{
		CaptureID: "cap-" + digest,
		Digest:    digest,
		Summary: schemas.ScreenSummary{
			Activity:     "com.android.settings/.Root",
			Width:        1080,
			Height:       1920,
			ElementCount: 2,
			Texts:        texts,
			Elements: []schemas.UIElement{
				{Index: 0, Role: "Button", Text: "Network", Bounds: schemas.Rect{X: 0, Y: 100, W: 200, H: 80}},
				{Index: 1, Role: "Switch", Text: "Wi-Fi", Bounds: schemas.Rect{X: 0, Y: 200, W: 200, H: 80}},
			},
		},
	}
}

func tapProposal(index int) schemas.ActionProposal {
	return schemas.ActionProposal{
		Type:       schemas.ActionTap,
		Parameters: map[string]interface{}{"index": index},
		Rationale:  "tap it",
	}
}

func doneProposal(status schemas.GoalStatus) schemas.ActionProposal {
	return schemas.ActionProposal{
		Type:       schemas.ActionDone,
		Parameters: map[string]interface{}{"goal_status": string(status)},
	}
}

func answerProposal(text string) schemas.ActionProposal {
	return schemas.ActionProposal{
		Type:       schemas.ActionAnswer,
		Parameters: map[string]interface{}{"text": text},
	}
}

var wifiSubtask = schemas.Subtask{
	ID:             "st-wifi",
	Description:    "Enable Wi-Fi in the network settings",
	AcceptanceHint: "Wi-Fi is enabled",
	Complexity:     2,
}

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		StepBudgetMultiplier: 10,
		MinStepBudget:        6,
		MaxStepBudget:        40,
		StallWindow:          3,
		ReasonerRetries:      1,
		HistoryWindow:        5,
	}
}

func newTestWorker(t *testing.T, oracle schemas.Reasoner, obs schemas.ScreenObserver, sess schemas.DeviceSession, mem schemas.ProceduralMemory, cfg config.WorkerConfig) *Worker {
	t.Helper()
	w, err := New("Enable WiFi on the device", sess, obs, oracle, mem, cfg, config.DeviceConfig{}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return w
}

// -- Test Cases: Generative Loop --

// Verifies the basic loop: one effective action, then an accepted done,
// and the fresh sequence written back to memory.
func TestRun_GenerativeSuccess(t *testing.T) {
	oracle := &scriptedOracle{turns: []oracleTurn{
		{proposal: tapProposal(1)},
		{proposal: doneProposal(schemas.GoalComplete)},
	}}
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{
		snap("a", "Network & internet"),
		snap("b", "Wi-Fi", "Enabled"),
	}}
	mem := memory.NewMemStore()
	w := newTestWorker(t, oracle, obs, &fakeSession{}, mem, testWorkerConfig())

	result, err := w.Run(context.Background(), wifiSubtask, "", 10)

	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeSucceeded, result.Outcome)
	require.Len(t, result.Steps, 2)
	assert.True(t, result.Steps[0].Changed)
	assert.Equal(t, schemas.ActionTap, result.Steps[0].Action.Kind)
	assert.Equal(t, schemas.ActionDone, result.Steps[1].Action.Kind)
	assert.False(t, result.Replayed)
	assert.Equal(t, 2, result.ReasonerCalls)
	assert.False(t, result.GoalInfeasible)

	// The oracle saw the goal and subtask context.
	req := oracle.request(0)
	assert.Equal(t, "Enable WiFi on the device", req.Goal)
	assert.Equal(t, wifiSubtask.ID, req.Subtask.ID)

	entry, ok, err := mem.Lookup(context.Background(), memory.Signature(wifiSubtask.Description))
	require.NoError(t, err)
	require.True(t, ok, "successful run must be recorded")
	require.Len(t, entry.ActionSequence, 2)
	assert.Equal(t, schemas.ActionDone, entry.ActionSequence[1].Type)
}

// Verifies the per-run step indices, subtask stamping and timestamps.
func TestRun_StepRecordStamping(t *testing.T) {
	oracle := &scriptedOracle{turns: []oracleTurn{
		{proposal: tapProposal(0)},
		{proposal: doneProposal(schemas.GoalComplete)},
	}}
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{snap("a"), snap("b", "Wi-Fi", "Enabled")}}
	w := newTestWorker(t, oracle, obs, &fakeSession{}, nil, testWorkerConfig())

	result, err := w.Run(context.Background(), wifiSubtask, "", 10)

	require.NoError(t, err)
	require.Len(t, result.Steps, 2)
	for i, step := range result.Steps {
		assert.Equal(t, i, step.StepIndex)
		assert.Equal(t, wifiSubtask.ID, step.SubtaskID)
		assert.False(t, step.Timestamp.IsZero())
	}
}

// Verifies the stall window: consecutive no-change steps end the run as
// STALLED exactly at the threshold, with nothing written to memory.
func TestRun_StallsAfterConsecutiveNoChange(t *testing.T) {
	oracle := &scriptedOracle{turns: []oracleTurn{
		{proposal: tapProposal(0)},
		{proposal: tapProposal(0)},
		{proposal: tapProposal(0)},
		{proposal: tapProposal(0)},
	}}
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{snap("same")}}
	mem := memory.NewMemStore()
	w := newTestWorker(t, oracle, obs, &fakeSession{}, mem, testWorkerConfig())

	result, err := w.Run(context.Background(), wifiSubtask, "", 10)

	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeStalled, result.Outcome)
	require.Len(t, result.Steps, 3, "stall threshold 3 stops after the third no-change step")
	for _, step := range result.Steps {
		assert.False(t, step.Changed)
	}
	assert.Equal(t, 3, result.ReasonerCalls)

	_, ok, err := mem.Lookup(context.Background(), memory.Signature(wifiSubtask.Description))
	require.NoError(t, err)
	assert.False(t, ok, "failed runs must not be recorded")
}

// Verifies the hard budget: the run never appends more steps than allowed
// even while every action keeps changing the screen.
func TestRun_BudgetNeverExceeded(t *testing.T) {
	oracle := &scriptedOracle{turns: []oracleTurn{
		{proposal: tapProposal(0)},
		{proposal: tapProposal(1)},
		{proposal: tapProposal(0)},
	}}
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{
		snap("a"), snap("b"), snap("b"), snap("c"),
	}}
	w := newTestWorker(t, oracle, obs, &fakeSession{}, nil, testWorkerConfig())

	result, err := w.Run(context.Background(), wifiSubtask, "", 2)

	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeExhausted, result.Outcome)
	assert.Len(t, result.Steps, 2)
	assert.Equal(t, 2, oracle.calls())
}

// Verifies oracle failures retry up to the configured count and then stall
// with the dead end absorbed into a failed step record.
func TestRun_OracleExhaustionBecomesFailedStep(t *testing.T) {
	oracle := &scriptedOracle{turns: []oracleTurn{
		{err: &schemas.ReasonerError{Detail: "model unavailable"}},
		{err: &schemas.ReasonerError{Detail: "model unavailable"}},
	}}
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{snap("a")}}
	w := newTestWorker(t, oracle, obs, &fakeSession{}, nil, testWorkerConfig())

	result, err := w.Run(context.Background(), wifiSubtask, "", 10)

	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeStalled, result.Outcome)
	assert.Equal(t, 2, result.ReasonerCalls, "one retry configured")
	require.Len(t, result.Steps, 1, "the dead end must leave a record")
	assert.Contains(t, result.Steps[0].ExecError, "no valid action after 2 oracle attempts")
	assert.Contains(t, result.Steps[0].Summary(), "FAILED")
}

// Verifies a proposal rejected by validation burns a retry, not a step.
func TestRun_ValidationRejectionRetries(t *testing.T) {
	oracle := &scriptedOracle{turns: []oracleTurn{
		{proposal: tapProposal(99)}, // out of range on a two-element screen
		{proposal: tapProposal(0)},
		{proposal: doneProposal(schemas.GoalComplete)},
	}}
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{snap("a"), snap("b", "Wi-Fi", "Enabled")}}
	w := newTestWorker(t, oracle, obs, &fakeSession{}, nil, testWorkerConfig())

	result, err := w.Run(context.Background(), wifiSubtask, "", 10)

	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeSucceeded, result.Outcome)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, schemas.ActionTap, result.Steps[0].Action.Kind)
	assert.Equal(t, 3, result.ReasonerCalls)
}

// Verifies a premature done claim is rejected by the acceptance check,
// recorded as a failed step, and excluded from the recorded sequence.
func TestRun_PrematureDoneRejected(t *testing.T) {
	oracle := &scriptedOracle{turns: []oracleTurn{
		{proposal: doneProposal(schemas.GoalComplete)},
		{proposal: tapProposal(1)},
		{proposal: doneProposal(schemas.GoalComplete)},
	}}
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{
		snap("a", "Network & internet"),
		snap("a", "Network & internet"),
		snap("b", "Wi-Fi", "Enabled"),
	}}
	mem := memory.NewMemStore()
	w := newTestWorker(t, oracle, obs, &fakeSession{}, mem, testWorkerConfig())

	result, err := w.Run(context.Background(), wifiSubtask, "", 10)

	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeSucceeded, result.Outcome)
	require.Len(t, result.Steps, 3)
	assert.Contains(t, result.Steps[0].ExecError, "acceptance check failed")
	assert.Equal(t, schemas.ActionDone, result.Steps[0].Action.Kind)
	assert.Empty(t, result.Steps[2].ExecError)

	entry, ok, err := mem.Lookup(context.Background(), memory.Signature(wifiSubtask.Description))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, entry.ActionSequence, 2, "the rejected done must not be memorized")
}

// Verifies done(infeasible) terminates as a stalled run with the
// infeasibility flag set and nothing memorized.
func TestRun_InfeasibleDone(t *testing.T) {
	oracle := &scriptedOracle{turns: []oracleTurn{
		{proposal: doneProposal(schemas.GoalInfeasible)},
	}}
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{snap("a")}}
	mem := memory.NewMemStore()
	w := newTestWorker(t, oracle, obs, &fakeSession{}, mem, testWorkerConfig())

	result, err := w.Run(context.Background(), wifiSubtask, "", 10)

	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeStalled, result.Outcome)
	assert.True(t, result.GoalInfeasible)
	require.Len(t, result.Steps, 1)

	_, ok, err := mem.Lookup(context.Background(), memory.Signature(wifiSubtask.Description))
	require.NoError(t, err)
	assert.False(t, ok)
}

// Verifies answer actions accumulate into the result without touching the
// device.
func TestRun_AnswersCollected(t *testing.T) {
	informational := schemas.Subtask{
		ID:          "st-q",
		Description: "Read the current Wi-Fi network name",
	}
	oracle := &scriptedOracle{turns: []oracleTurn{
		{proposal: answerProposal("HomeNet-5G")},
		{proposal: doneProposal(schemas.GoalComplete)},
	}}
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{snap("a", "HomeNet-5G")}}
	sess := &fakeSession{}
	w := newTestWorker(t, oracle, obs, sess, nil, testWorkerConfig())

	result, err := w.Run(context.Background(), informational, "", 10)

	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeSucceeded, result.Outcome)
	assert.Equal(t, []string{"HomeNet-5G"}, result.Answers)
	assert.Equal(t, 0, sess.executeCount(), "answer and done never reach the device")
}

// Verifies a device-side rejection is absorbed as a failed step that counts
// toward the stall window.
func TestRun_ExecutionErrorRecorded(t *testing.T) {
	execErr := &schemas.ActionExecutionError{Action: schemas.ActionTap, Detail: "injection rejected"}
	oracle := &scriptedOracle{turns: []oracleTurn{
		{proposal: tapProposal(0)},
		{proposal: tapProposal(0)},
	}}
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{snap("a")}}
	sess := &fakeSession{errByCall: map[int]error{0: execErr, 1: execErr}}
	cfg := testWorkerConfig()
	cfg.StallWindow = 2
	w := newTestWorker(t, oracle, obs, sess, nil, cfg)

	result, err := w.Run(context.Background(), wifiSubtask, "", 10)

	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeStalled, result.Outcome)
	require.Len(t, result.Steps, 2)
	assert.Contains(t, result.Steps[0].ExecError, "injection rejected")
	assert.False(t, result.Steps[0].Changed)
}

// Verifies transport loss is fatal: the run returns the steps taken so far
// plus an error matching ErrDeviceUnreachable.
func TestRun_DeviceLossFatal(t *testing.T) {
	oracle := &scriptedOracle{turns: []oracleTurn{{proposal: tapProposal(0)}}}
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{snap("a")}}
	sess := &fakeSession{errByCall: map[int]error{
		0: fmt.Errorf("adb transport: %w", schemas.ErrDeviceUnreachable),
	}}
	w := newTestWorker(t, oracle, obs, sess, nil, testWorkerConfig())

	result, err := w.Run(context.Background(), wifiSubtask, "", 10)

	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrDeviceUnreachable)
	assert.Empty(t, result.Outcome)
	require.Len(t, result.Steps, 1)
	assert.NotEmpty(t, result.Steps[0].ExecError)
}

// Verifies cancellation takes effect between steps: the in-flight step
// completes, including its post capture, before the run stops.
func TestRun_CancellationBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	oracle := &scriptedOracle{turns: []oracleTurn{
		{proposal: tapProposal(0)},
		{proposal: tapProposal(1)},
	}}
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{snap("a"), snap("b")}}
	sess := &fakeSession{onExecute: cancel}
	w := newTestWorker(t, oracle, obs, sess, nil, testWorkerConfig())

	result, err := w.Run(ctx, wifiSubtask, "", 10)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, result.Outcome)
	require.Len(t, result.Steps, 1)
	assert.True(t, result.Steps[0].Changed, "the in-flight step still measured its effect")
	assert.Equal(t, 1, oracle.calls())
}

// Verifies the repeated-action note appears once the same action stops
// changing the screen.
func TestRun_DeviationNoteInjected(t *testing.T) {
	oracle := &scriptedOracle{turns: []oracleTurn{
		{proposal: tapProposal(0)},
		{proposal: tapProposal(0)},
		{proposal: doneProposal(schemas.GoalComplete)},
	}}
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{snap("same")}}
	noHint := schemas.Subtask{ID: "st-x", Description: "Poke the screen"}
	cfg := testWorkerConfig()
	cfg.StallWindow = 4
	cfg.RepeatedActionLimit = 2
	w := newTestWorker(t, oracle, obs, &fakeSession{}, nil, cfg)

	result, err := w.Run(context.Background(), noHint, "", 10)

	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeSucceeded, result.Outcome)
	require.Equal(t, 3, oracle.calls())
	assert.Empty(t, oracle.request(0).Deviation)
	assert.Empty(t, oracle.request(1).Deviation)
	assert.Contains(t, oracle.request(2).Deviation, "same action")
	assert.Contains(t, oracle.request(2).Deviation, "tap(index=0)")
}

// Verifies supervisor feedback rides along on every proposal request of a
// retried run.
func TestRun_FeedbackForwarded(t *testing.T) {
	oracle := &scriptedOracle{turns: []oracleTurn{
		{proposal: tapProposal(1)},
		{proposal: doneProposal(schemas.GoalComplete)},
	}}
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{snap("a"), snap("b", "Wi-Fi", "Enabled")}}
	w := newTestWorker(t, oracle, obs, &fakeSession{}, nil, testWorkerConfig())

	feedback := "The previous attempt stalled after 3 steps."
	_, err := w.Run(context.Background(), wifiSubtask, feedback, 10)

	require.NoError(t, err)
	assert.Equal(t, feedback, oracle.request(0).Feedback)
	assert.Equal(t, feedback, oracle.request(1).Feedback)
}

// -- Test Cases: Replay --

func seedEntry(t *testing.T, mem schemas.ProceduralMemory, description string, seq []schemas.ActionProposal) {
	t.Helper()
	require.NoError(t, mem.Record(context.Background(), memory.Signature(description), seq))
}

// Verifies a full replay finishes the subtask with zero oracle calls and
// bumps the entry's success count.
func TestRun_FullReplayZeroOracleCalls(t *testing.T) {
	mem := memory.NewMemStore()
	seedEntry(t, mem, wifiSubtask.Description, []schemas.ActionProposal{
		tapProposal(1),
		doneProposal(schemas.GoalComplete),
	})
	oracle := &scriptedOracle{}
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{
		snap("a", "Network & internet"),
		snap("b", "Wi-Fi", "Enabled"),
	}}
	w := newTestWorker(t, oracle, obs, &fakeSession{}, mem, testWorkerConfig())

	result, err := w.Run(context.Background(), wifiSubtask, "", 10)

	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeSucceeded, result.Outcome)
	assert.True(t, result.Replayed)
	assert.Equal(t, 0, result.ReasonerCalls)
	assert.Equal(t, 0, oracle.calls())
	require.Len(t, result.Steps, 2)
	assert.True(t, result.Steps[0].Replayed)
	assert.True(t, result.Steps[1].Replayed)

	entry, ok, err := mem.Lookup(context.Background(), memory.Signature(wifiSubtask.Description))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, entry.SuccessCount, "replaying the identical sequence increments the count")
}

// Verifies a recalled action that no longer validates aborts the replay and
// the run finishes generatively, merging the clean prefix into the new
// recorded sequence.
func TestRun_PartialReplayFallsThrough(t *testing.T) {
	mem := memory.NewMemStore()
	seedEntry(t, mem, wifiSubtask.Description, []schemas.ActionProposal{
		tapProposal(1),
		tapProposal(9), // no longer exists on the live screen
		doneProposal(schemas.GoalComplete),
	})
	oracle := &scriptedOracle{turns: []oracleTurn{
		{proposal: doneProposal(schemas.GoalComplete)},
	}}
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{
		snap("a", "Network & internet"),
		snap("b", "Wi-Fi", "Enabled"),
	}}
	w := newTestWorker(t, oracle, obs, &fakeSession{}, mem, testWorkerConfig())

	result, err := w.Run(context.Background(), wifiSubtask, "", 10)

	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeSucceeded, result.Outcome)
	assert.False(t, result.Replayed, "a partial replay is not a replayed run")
	assert.Equal(t, 1, result.ReasonerCalls)
	require.Len(t, result.Steps, 2)
	assert.True(t, result.Steps[0].Replayed)
	assert.False(t, result.Steps[1].Replayed)

	entry, ok, err := mem.Lookup(context.Background(), memory.Signature(wifiSubtask.Description))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, entry.ActionSequence, 2, "dead middle action dropped from the healed sequence")
	assert.Equal(t, schemas.ActionTap, entry.ActionSequence[0].Type)
	assert.Equal(t, schemas.ActionDone, entry.ActionSequence[1].Type)
	assert.Equal(t, 1, entry.SuccessCount, "a different sequence replaces the entry")
}

// Verifies a replayed step that produces no screen change aborts the replay.
func TestRun_ReplayAbortsOnNoChange(t *testing.T) {
	mem := memory.NewMemStore()
	seedEntry(t, mem, wifiSubtask.Description, []schemas.ActionProposal{
		tapProposal(0),
		tapProposal(1),
		doneProposal(schemas.GoalComplete),
	})
	oracle := &scriptedOracle{turns: []oracleTurn{
		{proposal: doneProposal(schemas.GoalComplete)},
	}}
	// The first replayed tap changes nothing.
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{snap("a", "Wi-Fi", "Enabled")}}
	w := newTestWorker(t, oracle, obs, &fakeSession{}, mem, testWorkerConfig())

	result, err := w.Run(context.Background(), wifiSubtask, "", 10)

	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeSucceeded, result.Outcome)
	assert.Equal(t, 1, result.ReasonerCalls, "replay aborted after the dead step")
	require.Len(t, result.Steps, 2)
	assert.True(t, result.Steps[0].Replayed)
	assert.False(t, result.Steps[0].Changed)
}

// Verifies the terminal check guards replays too: a recalled done against a
// screen that no longer matches the hint falls through to the oracle.
func TestRun_ReplayDoneFailsTerminalCheck(t *testing.T) {
	mem := memory.NewMemStore()
	seedEntry(t, mem, wifiSubtask.Description, []schemas.ActionProposal{
		doneProposal(schemas.GoalComplete),
	})
	oracle := &scriptedOracle{turns: []oracleTurn{
		{proposal: tapProposal(1)},
		{proposal: doneProposal(schemas.GoalComplete)},
	}}
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{
		snap("a", "Network & internet"),
		snap("a", "Network & internet"),
		snap("b", "Wi-Fi", "Enabled"),
	}}
	w := newTestWorker(t, oracle, obs, &fakeSession{}, mem, testWorkerConfig())

	result, err := w.Run(context.Background(), wifiSubtask, "", 10)

	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeSucceeded, result.Outcome)
	assert.Equal(t, 2, result.ReasonerCalls)
	require.Len(t, result.Steps, 2)
	assert.False(t, result.Steps[0].Replayed)
}

// Verifies a memory backend failure degrades to a generative run instead of
// failing the subtask.
func TestRun_MemoryLookupErrorDegrades(t *testing.T) {
	oracle := &scriptedOracle{turns: []oracleTurn{
		{proposal: doneProposal(schemas.GoalComplete)},
	}}
	obs := &fakeObserver{queue: []schemas.ScreenSnapshot{snap("a", "Wi-Fi", "Enabled")}}
	w := newTestWorker(t, oracle, obs, &fakeSession{}, failingMemory{}, testWorkerConfig())

	result, err := w.Run(context.Background(), wifiSubtask, "", 10)

	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeSucceeded, result.Outcome)
	assert.Equal(t, 1, result.ReasonerCalls)
}

type failingMemory struct{}

func (failingMemory) Lookup(context.Context, string) (schemas.MemoryEntry, bool, error) {
	return schemas.MemoryEntry{}, false, errors.New("backend down")
}

func (failingMemory) Record(context.Context, string, []schemas.ActionProposal) error {
	return errors.New("backend down")
}

func (failingMemory) Close() error { return nil }

// -- Test Cases: Budget Scaling --

// Verifies complexity scaling with floor, ceiling and defaults.
func TestStepBudget(t *testing.T) {
	cfg := config.WorkerConfig{StepBudgetMultiplier: 10, MinStepBudget: 6, MaxStepBudget: 40}

	assert.Equal(t, 20, StepBudget(2, cfg))
	assert.Equal(t, 10, StepBudget(1, cfg))
	assert.Equal(t, 40, StepBudget(5, cfg), "capped at the ceiling")
	assert.Equal(t, 20, StepBudget(0, cfg), "missing complexity defaults to mid-range")
	assert.Equal(t, 6, StepBudget(3, config.WorkerConfig{MinStepBudget: 6}), "floor applies without a multiplier")
	assert.Equal(t, 1, StepBudget(0, config.WorkerConfig{}), "degenerate config still yields a usable budget")
}
