// Package protocol turns raw oracle proposals into validated, executable
// actions. Validation is deterministic and pure: the same proposal against
// the same screen summary always yields the same result, and nothing here
// ever touches the device.
package protocol

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

const (
	// defaultWaitSeconds is applied when a wait proposal omits the duration.
	defaultWaitSeconds = 1.0
	// maxWaitSeconds caps a single wait so a looping oracle cannot burn the
	// wall-clock budget with one action.
	maxWaitSeconds = 30.0
)

// Validator checks action proposals against the protocol schema and the
// current screen summary. Index references are resolved to coordinates here,
// so device adapters never need the element list.
type Validator struct{}

// NewValidator returns a protocol validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate converts a proposal into a typed action or rejects it with an
// ActionError. Rejections never reach the device; the caller responds by
// asking the oracle again.
func (v *Validator) Validate(p schemas.ActionProposal, screen schemas.ScreenSummary) (schemas.ValidatedAction, error) {
	action := schemas.ValidatedAction{Kind: p.Type, Rationale: p.Rationale}

	switch p.Type {
	case schemas.ActionTap:
		params := &schemas.TapParams{}
		if err := decodeParams(p, params); err != nil {
			return schemas.ValidatedAction{}, err
		}
		if params.Index == nil && (params.X == nil || params.Y == nil) {
			return schemas.ValidatedAction{}, schemas.NewActionError(
				schemas.ErrCodeMissingParameter, p.Type, "index", "either index or both x and y are required")
		}
		if params.Index != nil {
			x, y, err := resolveIndex(p.Type, *params.Index, screen)
			if err != nil {
				return schemas.ValidatedAction{}, err
			}
			params.X, params.Y = &x, &y
		} else if err := checkCoordinates(p.Type, *params.X, *params.Y, screen); err != nil {
			return schemas.ValidatedAction{}, err
		}
		action.Tap = params

	case schemas.ActionLongPress:
		if err := requireParam(p, "index"); err != nil {
			return schemas.ValidatedAction{}, err
		}
		params := &schemas.LongPressParams{}
		if err := decodeParams(p, params); err != nil {
			return schemas.ValidatedAction{}, err
		}
		x, y, err := resolveIndex(p.Type, params.Index, screen)
		if err != nil {
			return schemas.ValidatedAction{}, err
		}
		params.X, params.Y = &x, &y
		action.LongPress = params

	case schemas.ActionInputText:
		params := &schemas.InputTextParams{}
		if err := decodeParams(p, params); err != nil {
			return schemas.ValidatedAction{}, err
		}
		if strings.TrimSpace(params.Text) == "" {
			return schemas.ValidatedAction{}, schemas.NewActionError(
				schemas.ErrCodeMissingParameter, p.Type, "text", "text must be a non-empty string")
		}
		if params.Index != nil {
			x, y, err := resolveIndex(p.Type, *params.Index, screen)
			if err != nil {
				return schemas.ValidatedAction{}, err
			}
			params.X, params.Y = &x, &y
		}
		action.Input = params

	case schemas.ActionSwipe:
		params := &schemas.SwipeParams{}
		if err := decodeParams(p, params); err != nil {
			return schemas.ValidatedAction{}, err
		}
		if err := checkDirection(p.Type, params.Direction); err != nil {
			return schemas.ValidatedAction{}, err
		}
		action.Swipe = params

	case schemas.ActionScroll:
		params := &schemas.ScrollParams{}
		if err := decodeParams(p, params); err != nil {
			return schemas.ValidatedAction{}, err
		}
		if err := checkDirection(p.Type, params.Direction); err != nil {
			return schemas.ValidatedAction{}, err
		}
		action.Scroll = params

	case schemas.ActionOpenApp:
		params := &schemas.OpenAppParams{}
		if err := decodeParams(p, params); err != nil {
			return schemas.ValidatedAction{}, err
		}
		if strings.TrimSpace(params.AppName) == "" {
			return schemas.ValidatedAction{}, schemas.NewActionError(
				schemas.ErrCodeMissingParameter, p.Type, "app_name", "app_name must be a non-empty string")
		}
		action.OpenApp = params

	case schemas.ActionNavigateHome, schemas.ActionNavigateBack:
		// No parameters.

	case schemas.ActionWait:
		params := &schemas.WaitParams{}
		if err := decodeParams(p, params); err != nil {
			return schemas.ValidatedAction{}, err
		}
		if params.Seconds == 0 {
			params.Seconds = defaultWaitSeconds
		}
		if params.Seconds < 0 || params.Seconds > maxWaitSeconds {
			return schemas.ValidatedAction{}, schemas.NewActionError(
				schemas.ErrCodeOutOfRange, p.Type, "seconds",
				fmt.Sprintf("%g is outside (0, %g]", params.Seconds, maxWaitSeconds))
		}
		action.Wait = params

	case schemas.ActionAnswer:
		params := &schemas.AnswerParams{}
		if err := decodeParams(p, params); err != nil {
			return schemas.ValidatedAction{}, err
		}
		if strings.TrimSpace(params.Text) == "" {
			return schemas.ValidatedAction{}, schemas.NewActionError(
				schemas.ErrCodeMissingParameter, p.Type, "text", "answer text must be a non-empty string")
		}
		action.Answer = params

	case schemas.ActionDone:
		if err := requireParam(p, "goal_status"); err != nil {
			return schemas.ValidatedAction{}, err
		}
		params := &schemas.DoneParams{}
		if err := decodeParams(p, params); err != nil {
			return schemas.ValidatedAction{}, err
		}
		if params.Status != schemas.GoalComplete && params.Status != schemas.GoalInfeasible {
			return schemas.ValidatedAction{}, schemas.NewActionError(
				schemas.ErrCodeOutOfRange, p.Type, "goal_status",
				fmt.Sprintf("%q is not one of %q, %q", params.Status, schemas.GoalComplete, schemas.GoalInfeasible))
		}
		action.Done = params

	default:
		return schemas.ValidatedAction{}, schemas.NewActionError(
			schemas.ErrCodeUnknownActionType, p.Type, "",
			fmt.Sprintf("known types: %s", joinTypes(schemas.KnownActionTypes())))
	}

	return action, nil
}

// decodeParams maps the loose parameter map into a typed struct. Numbers
// arrive as float64 from JSON, so decoding is weakly typed.
func decodeParams(p schemas.ActionProposal, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return schemas.NewActionError(schemas.ErrCodeMalformedPayload, p.Type, "", err.Error())
	}
	params := p.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}
	if err := dec.Decode(params); err != nil {
		return schemas.NewActionError(schemas.ErrCodeMalformedPayload, p.Type, "", err.Error())
	}
	return nil
}

// requireParam rejects proposals missing a key whose zero value would be
// ambiguous after decoding (index 0 is the first element).
func requireParam(p schemas.ActionProposal, key string) error {
	if _, ok := p.Parameters[key]; !ok {
		return schemas.NewActionError(schemas.ErrCodeMissingParameter, p.Type, key, "required parameter absent")
	}
	return nil
}

// resolveIndex bounds-checks an element index against the screen summary and
// returns the center of the element's bounds.
func resolveIndex(action schemas.ActionType, index int, screen schemas.ScreenSummary) (int, int, error) {
	if index < 0 || index >= len(screen.Elements) {
		return 0, 0, schemas.NewActionError(
			schemas.ErrCodeOutOfRange, action, "index",
			fmt.Sprintf("%d is outside [0, %d)", index, len(screen.Elements)))
	}
	el := screen.Elements[index]
	return el.Bounds.X + el.Bounds.W/2, el.Bounds.Y + el.Bounds.H/2, nil
}

// checkCoordinates bounds-checks an absolute coordinate against the screen
// dimensions. Screens with unknown dimensions (zero) accept any non-negative
// coordinate.
func checkCoordinates(action schemas.ActionType, x, y int, screen schemas.ScreenSummary) error {
	if x < 0 || y < 0 ||
		(screen.Width > 0 && x >= screen.Width) ||
		(screen.Height > 0 && y >= screen.Height) {
		return schemas.NewActionError(
			schemas.ErrCodeOutOfRange, action, "x,y",
			fmt.Sprintf("(%d, %d) is outside the %dx%d screen", x, y, screen.Width, screen.Height))
	}
	return nil
}

func checkDirection(action schemas.ActionType, d schemas.Direction) error {
	switch d {
	case schemas.DirectionUp, schemas.DirectionDown, schemas.DirectionLeft, schemas.DirectionRight:
		return nil
	case "":
		return schemas.NewActionError(schemas.ErrCodeMissingParameter, action, "direction", "required parameter absent")
	default:
		return schemas.NewActionError(schemas.ErrCodeOutOfRange, action, "direction",
			fmt.Sprintf("%q is not one of up, down, left, right", d))
	}
}

func joinTypes(types []schemas.ActionType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}
