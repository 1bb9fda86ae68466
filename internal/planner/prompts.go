package planner

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

// planSystemPrompt is the decomposition instruction set. The acceptance hint
// quality bar matters: workers use it for their terminal check, so an intent
// echo makes every subtask look unfinishable.
const planSystemPrompt = `You decompose a user goal for a mobile device into an ordered list of subtasks.
Another agent executes them one at a time by operating the user interface, so each subtask must be a short, concrete interaction an operator could perform in a handful of taps, swipes and keystrokes.

Decomposition rules:
- PREFER few subtasks. Use one subtask for any simple operation; split only when steps must happen in order across different screens.
- Order matters: subtasks run strictly in sequence, each starting from the screen the previous one left behind.
- Never include subtasks for work that is listed as already completed.

Acceptance hint rules (critical):
- Each acceptance_hint MUST be a concrete, checkable assertion about what the screen shows once the subtask is done. NOT a restatement of the intent.
- Bad (intent echo):  "open the settings app"
- Good (assertion):   "the Settings menu with the Network & internet entry is visible"
- Bad (intent echo):  "search for the weather"
- Good (assertion):   "search results mentioning a temperature are visible"

Complexity rules:
- complexity is an integer from 1 to 5 estimating how many interactions the subtask needs: 1 for a single tap, 5 for a long flow across several screens. It scales the executor's step budget.

Respond with ONLY this JSON object (a markdown code fence is acceptable, prose is not):
{
  "subtasks": [
    {"description": "<one-sentence instruction>", "acceptance_hint": "<checkable screen assertion>", "complexity": <1-5>}
  ]
}`

// buildPlanPrompt renders the user prompt for an initial plan or a replan.
func buildPlanPrompt(goal string, history schemas.PlanHistory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", goal)

	if len(history.Completed) > 0 {
		b.WriteString("\nAlready completed subtasks (do not repeat their work):\n")
		for _, st := range history.Completed {
			fmt.Fprintf(&b, "- %s\n", st.Description)
		}
	}

	if f := history.Failure; f != nil {
		b.WriteString("\nThe previous plan failed. Subtask that exhausted its retries:\n")
		fmt.Fprintf(&b, "  %s\n", f.Subtask.Description)
		if f.Feedback != "" {
			fmt.Fprintf(&b, "Supervisor feedback:\n  %s\n", f.Feedback)
		}
		if len(f.LastSteps) > 0 {
			b.WriteString("Last steps of the failed attempt (oldest first):\n")
			for _, step := range f.LastSteps {
				fmt.Fprintf(&b, "- %s\n", step.Summary())
			}
		}
		b.WriteString("\nProduce a revised plan for the remaining work. Choose a different approach for the part that failed instead of repeating it.")
	} else {
		b.WriteString("\nDecompose the goal into subtasks.")
	}
	return b.String()
}
