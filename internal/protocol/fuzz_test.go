package protocol

import (
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

// FuzzValidate feeds raw oracle output through the JSON decode and
// validation path. Whatever the bytes, Validate must either return a typed
// action or an ActionError; it must never panic and never produce an action
// whose variant does not match its kind.
func FuzzValidate(f *testing.F) {
	f.Add([]byte(`{"action_type": "tap", "parameters": {"index": 0}}`))
	f.Add([]byte(`{"action_type": "input_text", "parameters": {"text": "hello", "index": 1}}`))
	f.Add([]byte(`{"action_type": "done", "parameters": {"goal_status": "complete"}}`))
	f.Add([]byte(`{"action_type": "swipe", "parameters": {"direction": "up"}}`))
	f.Add([]byte(`{"action_type": "tap", "parameters": {"x": -5, "y": 99999}}`))
	f.Add([]byte(`{"action_type": "wait", "parameters": {"seconds": 1e308}}`))

	v := NewValidator()
	screen := schemas.ScreenSummary{
		Width: 1080, Height: 1920, ElementCount: 2,
		Elements: []schemas.UIElement{
			{Index: 0, Bounds: schemas.Rect{X: 0, Y: 0, W: 100, H: 100}},
			{Index: 1, Bounds: schemas.Rect{X: 100, Y: 100, W: 100, H: 100}},
		},
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		var proposal schemas.ActionProposal
		if err := json.Unmarshal(data, &proposal); err != nil {
			return
		}
		action, err := v.Validate(proposal, screen)
		if err != nil {
			return
		}
		if action.Kind != proposal.Type {
			t.Fatalf("validated kind %q does not match proposal type %q", action.Kind, proposal.Type)
		}
	})
}

// FuzzValidateStructured fuzzes the proposal and screen structs directly, so
// element bounds and dimensions take arbitrary values.
func FuzzValidateStructured(f *testing.F) {
	v := NewValidator()

	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)

		proposal := schemas.ActionProposal{}
		if err := consumer.GenerateStruct(&proposal); err != nil {
			return
		}
		screen := schemas.ScreenSummary{}
		if err := consumer.GenerateStruct(&screen); err != nil {
			return
		}

		action, err := v.Validate(proposal, screen)
		if err != nil {
			if !schemas.IsStepRecoverable(err) {
				t.Fatalf("validation error must be step recoverable, got %v", err)
			}
			return
		}
		if action.Kind != proposal.Type {
			t.Fatalf("validated kind %q does not match proposal type %q", action.Kind, proposal.Type)
		}
	})
}
