package reasoner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

func intPtr(v int) *int { return &v }

func sampleProposalRequest() schemas.ProposalRequest {
	return schemas.ProposalRequest{
		Goal: "Send a message to Bob",
		Subtask: schemas.Subtask{
			ID:             "st-1",
			Description:    "Open the messaging app",
			AcceptanceHint: "The conversation list is visible",
			Complexity:     2,
		},
		Screen: schemas.ScreenSummary{
			Activity:     "com.example.launcher/.Home",
			Width:        1080,
			Height:       2400,
			ElementCount: 2,
			Texts:        []string{"Messages", "Settings"},
			Elements: []schemas.UIElement{
				{Index: 0, Role: "button", Text: "Messages"},
				{Index: 1, Role: "button", Text: "Settings"},
			},
		},
	}
}

// Verifies every section of the request lands in the rendered prompt.
func TestBuildProposalPrompt_AllSections(t *testing.T) {
	req := sampleProposalRequest()
	req.History = []schemas.StepRecord{
		{
			Action:      schemas.ValidatedAction{Kind: schemas.ActionTap, Tap: &schemas.TapParams{Index: intPtr(2)}},
			Changed:     true,
			DiffSummary: "2 elements changed",
		},
		{
			Action: schemas.ValidatedAction{Kind: schemas.ActionScroll, Scroll: &schemas.ScrollParams{Direction: schemas.DirectionDown}},
		},
		{
			Action:    schemas.ValidatedAction{Kind: schemas.ActionTap, Tap: &schemas.TapParams{Index: intPtr(9)}},
			ExecError: "index 9 out of range",
		},
	}
	req.Feedback = "The wrong app was opened last time."
	req.Deviation = "You have repeated the same action 3 times without effect."

	prompt, err := BuildProposalPrompt(req)
	require.NoError(t, err)

	assert.Contains(t, prompt, "Overall goal: Send a message to Bob")
	assert.Contains(t, prompt, "Current subtask: Open the messaging app")
	assert.Contains(t, prompt, "The subtask is done when: The conversation list is visible")

	// The screen summary is embedded as JSON, ground truth for the model.
	assert.Contains(t, prompt, `"activity": "com.example.launcher/.Home"`)
	assert.Contains(t, prompt, `"element_count": 2`)

	assert.Contains(t, prompt, "Recent steps (oldest first):")
	assert.Contains(t, prompt, "- tap(index=2) -> screen changed (2 elements changed)")
	assert.Contains(t, prompt, "- scroll(direction=down) -> no visible change")
	assert.Contains(t, prompt, "- tap(index=9) -> FAILED: index 9 out of range")

	assert.Contains(t, prompt, "Supervisor feedback from the previous attempt:\nThe wrong app was opened last time.")
	assert.Contains(t, prompt, "IMPORTANT: You have repeated the same action 3 times without effect.")
	assert.True(t, strings.HasSuffix(prompt, "Decide the next action."))
}

// Verifies optional sections disappear when their inputs are empty.
func TestBuildProposalPrompt_MinimalRequest(t *testing.T) {
	req := sampleProposalRequest()
	req.Subtask.AcceptanceHint = ""

	prompt, err := BuildProposalPrompt(req)
	require.NoError(t, err)

	assert.NotContains(t, prompt, "The subtask is done when:")
	assert.NotContains(t, prompt, "Recent steps")
	assert.NotContains(t, prompt, "Supervisor feedback")
	assert.NotContains(t, prompt, "IMPORTANT:")
}

// Verifies the system prompt names every protocol action.
func TestActionSystemPrompt_CoversVocabulary(t *testing.T) {
	for _, actionType := range schemas.KnownActionTypes() {
		assert.Contains(t, actionSystemPrompt, "- "+string(actionType)+":", "System prompt must document action %q", actionType)
	}
	assert.Contains(t, actionSystemPrompt, "Reason:")
	assert.Contains(t, actionSystemPrompt, "Action:")
}
