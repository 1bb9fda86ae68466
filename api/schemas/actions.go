package schemas

import (
	"fmt"
	"strings"
)

// ActionType is the structured vocabulary of device operations. The values
// are the wire form the oracle emits in its action JSON.
type ActionType string

const (
	ActionTap          ActionType = "tap"           // Tap an element by index, or a coordinate.
	ActionLongPress    ActionType = "long_press"    // Long-press an element by index.
	ActionInputText    ActionType = "input_text"    // Type text, optionally into an element by index.
	ActionSwipe        ActionType = "swipe"         // Swipe in a direction (drag gesture).
	ActionScroll       ActionType = "scroll"        // Scroll the viewport in a direction.
	ActionOpenApp      ActionType = "open_app"      // Launch an application by name.
	ActionNavigateHome ActionType = "navigate_home" // Go to the home screen.
	ActionNavigateBack ActionType = "navigate_back" // Go back one screen.
	ActionWait         ActionType = "wait"          // Pause and let the device settle.
	ActionAnswer       ActionType = "answer"        // Report an answer for an informational goal.
	ActionDone         ActionType = "done"          // Terminal: the subtask is complete or infeasible.
)

// KnownActionTypes lists every action type the protocol accepts, in a stable
// order suitable for prompts and error messages.
func KnownActionTypes() []ActionType {
	return []ActionType{
		ActionTap, ActionLongPress, ActionInputText, ActionSwipe, ActionScroll,
		ActionOpenApp, ActionNavigateHome, ActionNavigateBack, ActionWait,
		ActionAnswer, ActionDone,
	}
}

// Direction constrains swipe and scroll gestures.
type Direction string

const (
	DirectionUp    Direction = "up"
	DirectionDown  Direction = "down"
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

// GoalStatus is the argument of a terminal done action.
type GoalStatus string

const (
	GoalComplete   GoalStatus = "complete"
	GoalInfeasible GoalStatus = "infeasible"
)

// ActionProposal is the oracle's raw suggestion for the next step. Parameters
// stay an open map until the protocol validates them into the typed variant
// on ValidatedAction. Proposals are transient; only sequences that completed
// a subtask are persisted, via procedural memory.
type ActionProposal struct {
	Type       ActionType             `json:"action_type"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Rationale  string                 `json:"rationale,omitempty"`
}

// TapParams targets either a numbered element of the current screen summary
// or an absolute coordinate.
type TapParams struct {
	Index *int `json:"index,omitempty" mapstructure:"index"`
	X     *int `json:"x,omitempty" mapstructure:"x"`
	Y     *int `json:"y,omitempty" mapstructure:"y"`
}

// LongPressParams targets a numbered element of the current screen summary.
// X and Y are filled in by validation from the element's bounds.
type LongPressParams struct {
	Index int  `json:"index" mapstructure:"index"`
	X     *int `json:"x,omitempty" mapstructure:"x"`
	Y     *int `json:"y,omitempty" mapstructure:"y"`
}

// InputTextParams carries the text to type. When Index is set the element is
// focused first; otherwise the currently focused field receives the text.
// X and Y are the resolved focus coordinates for an indexed element.
type InputTextParams struct {
	Text  string `json:"text" mapstructure:"text"`
	Index *int   `json:"index,omitempty" mapstructure:"index"`
	X     *int   `json:"x,omitempty" mapstructure:"x"`
	Y     *int   `json:"y,omitempty" mapstructure:"y"`
}

// SwipeParams is a directional drag gesture.
type SwipeParams struct {
	Direction Direction `json:"direction" mapstructure:"direction"`
}

// ScrollParams is a directional viewport scroll.
type ScrollParams struct {
	Direction Direction `json:"direction" mapstructure:"direction"`
}

// OpenAppParams launches an application by its user-visible name.
type OpenAppParams struct {
	AppName string `json:"app_name" mapstructure:"app_name"`
}

// WaitParams pauses for the given number of seconds (defaults applied by the
// protocol when omitted).
type WaitParams struct {
	Seconds float64 `json:"seconds,omitempty" mapstructure:"seconds"`
}

// AnswerParams reports the answer text for an informational goal.
type AnswerParams struct {
	Text string `json:"text" mapstructure:"text"`
}

// DoneParams terminates the subtask. Status infeasible signals that the goal
// cannot be accomplished from the current state.
type DoneParams struct {
	Status GoalStatus `json:"goal_status" mapstructure:"goal_status"`
}

// ValidatedAction is the typed result of protocol validation: exactly one of
// the parameter variants is non-nil, matching Kind. Only validated actions
// reach the device.
type ValidatedAction struct {
	Kind      ActionType       `json:"kind"`
	Tap       *TapParams       `json:"tap,omitempty"`
	LongPress *LongPressParams `json:"long_press,omitempty"`
	Input     *InputTextParams `json:"input,omitempty"`
	Swipe     *SwipeParams     `json:"swipe,omitempty"`
	Scroll    *ScrollParams    `json:"scroll,omitempty"`
	OpenApp   *OpenAppParams   `json:"open_app,omitempty"`
	Wait      *WaitParams      `json:"wait,omitempty"`
	Answer    *AnswerParams    `json:"answer,omitempty"`
	Done      *DoneParams      `json:"done,omitempty"`
	Rationale string           `json:"rationale,omitempty"`
}

// Terminal reports whether the action ends the subtask.
func (a ValidatedAction) Terminal() bool {
	return a.Kind == ActionDone
}

// String renders a compact, human-readable form used in logs, prompts and
// repeated-action detection.
func (a ValidatedAction) String() string {
	if a.Kind == "" {
		return "(no action)"
	}
	var b strings.Builder
	b.WriteString(string(a.Kind))
	switch a.Kind {
	case ActionTap:
		if a.Tap != nil {
			if a.Tap.Index != nil {
				fmt.Fprintf(&b, "(index=%d)", *a.Tap.Index)
			} else if a.Tap.X != nil && a.Tap.Y != nil {
				fmt.Fprintf(&b, "(x=%d, y=%d)", *a.Tap.X, *a.Tap.Y)
			}
		}
	case ActionLongPress:
		if a.LongPress != nil {
			fmt.Fprintf(&b, "(index=%d)", a.LongPress.Index)
		}
	case ActionInputText:
		if a.Input != nil {
			if a.Input.Index != nil {
				fmt.Fprintf(&b, "(text=%q, index=%d)", a.Input.Text, *a.Input.Index)
			} else {
				fmt.Fprintf(&b, "(text=%q)", a.Input.Text)
			}
		}
	case ActionSwipe:
		if a.Swipe != nil {
			fmt.Fprintf(&b, "(direction=%s)", a.Swipe.Direction)
		}
	case ActionScroll:
		if a.Scroll != nil {
			fmt.Fprintf(&b, "(direction=%s)", a.Scroll.Direction)
		}
	case ActionOpenApp:
		if a.OpenApp != nil {
			fmt.Fprintf(&b, "(app=%q)", a.OpenApp.AppName)
		}
	case ActionWait:
		if a.Wait != nil && a.Wait.Seconds > 0 {
			fmt.Fprintf(&b, "(seconds=%g)", a.Wait.Seconds)
		}
	case ActionAnswer:
		if a.Answer != nil {
			fmt.Fprintf(&b, "(text=%q)", a.Answer.Text)
		}
	case ActionDone:
		if a.Done != nil {
			fmt.Fprintf(&b, "(status=%s)", a.Done.Status)
		}
	}
	return b.String()
}

// Proposal converts a validated action back into the proposal form persisted
// by procedural memory. Replay re-validates each proposal against the live
// screen, so memory keeps the loose form rather than the typed one.
func (a ValidatedAction) Proposal() ActionProposal {
	p := ActionProposal{Type: a.Kind, Rationale: a.Rationale, Parameters: map[string]interface{}{}}
	switch a.Kind {
	case ActionTap:
		if a.Tap != nil {
			if a.Tap.Index != nil {
				p.Parameters["index"] = *a.Tap.Index
			}
			if a.Tap.X != nil {
				p.Parameters["x"] = *a.Tap.X
			}
			if a.Tap.Y != nil {
				p.Parameters["y"] = *a.Tap.Y
			}
		}
	case ActionLongPress:
		if a.LongPress != nil {
			p.Parameters["index"] = a.LongPress.Index
		}
	case ActionInputText:
		if a.Input != nil {
			p.Parameters["text"] = a.Input.Text
			if a.Input.Index != nil {
				p.Parameters["index"] = *a.Input.Index
			}
		}
	case ActionSwipe:
		if a.Swipe != nil {
			p.Parameters["direction"] = string(a.Swipe.Direction)
		}
	case ActionScroll:
		if a.Scroll != nil {
			p.Parameters["direction"] = string(a.Scroll.Direction)
		}
	case ActionOpenApp:
		if a.OpenApp != nil {
			p.Parameters["app_name"] = a.OpenApp.AppName
		}
	case ActionWait:
		if a.Wait != nil && a.Wait.Seconds > 0 {
			p.Parameters["seconds"] = a.Wait.Seconds
		}
	case ActionAnswer:
		if a.Answer != nil {
			p.Parameters["text"] = a.Answer.Text
		}
	case ActionDone:
		if a.Done != nil {
			p.Parameters["goal_status"] = string(a.Done.Status)
		}
	}
	if len(p.Parameters) == 0 {
		p.Parameters = nil
	}
	return p
}
