package reasoner

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

// actionSystemPrompt is the core instruction set for per-step action
// generation. The vocabulary mirrors the protocol layer exactly; anything
// outside it fails validation and comes back as feedback.
const actionSystemPrompt = `You operate the user interface of a mobile device to accomplish one subtask of a larger goal.
On each turn you receive the current screen as structured JSON and the recent step history, and you respond with exactly one action.

Available actions:
- tap: Tap an element by its index, or an absolute coordinate. Params: {"index": <int>} or {"x": <int>, "y": <int>}
- long_press: Long-press an element by its index. Params: {"index": <int>}
- input_text: Type text. Params: {"text": <string>, "index": <int, optional element to focus first>}
- swipe: Drag gesture across the screen. Params: {"direction": "up"|"down"|"left"|"right"}
- scroll: Scroll the viewport. Params: {"direction": "up"|"down"|"left"|"right"}
- open_app: Launch an application. Params: {"app_name": <string>}
- navigate_home: Go to the home screen. No params.
- navigate_back: Go back one screen. No params.
- wait: Pause while the device settles. Params: {"seconds": <number, optional>}
- answer: Report an answer for an informational goal. Params: {"text": <string>}
- done: Terminate the subtask. Params: {"goal_status": "complete"} when the subtask is visibly done, {"goal_status": "infeasible"} when it cannot be accomplished from here.

Rules:
- Prefer element indices from the screen summary over raw coordinates.
- One action per response. Never invent elements that are not in the summary.
- The screen summary is ground truth. If your last action changed nothing, try a different approach instead of repeating it.
- Use done with goal_status "complete" only when the acceptance criterion is visible on the screen.

Respond in exactly this format:
Reason: <one or two sentences of reasoning>
Action: {"action_type": "<type>", "parameters": {...}}`

// BuildProposalPrompt renders the per-step user prompt from the worker's
// request context.
func BuildProposalPrompt(req schemas.ProposalRequest) (string, error) {
	screenJSON, err := json.MarshalIndent(req.Screen, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal screen summary: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Overall goal: %s\n", req.Goal)
	fmt.Fprintf(&b, "Current subtask: %s\n", req.Subtask.Description)
	if req.Subtask.AcceptanceHint != "" {
		fmt.Fprintf(&b, "The subtask is done when: %s\n", req.Subtask.AcceptanceHint)
	}

	b.WriteString("\nCurrent screen:\n")
	b.Write(screenJSON)
	b.WriteString("\n")

	if len(req.History) > 0 {
		b.WriteString("\nRecent steps (oldest first):\n")
		for _, step := range req.History {
			fmt.Fprintf(&b, "- %s\n", step.Summary())
		}
	}

	if req.Feedback != "" {
		fmt.Fprintf(&b, "\nSupervisor feedback from the previous attempt:\n%s\n", req.Feedback)
	}
	if req.Deviation != "" {
		fmt.Fprintf(&b, "\nIMPORTANT: %s\n", req.Deviation)
	}

	b.WriteString("\nDecide the next action.")
	return b.String(), nil
}
