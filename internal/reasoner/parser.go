package reasoner

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// A regex to robustly extract a JSON payload from a markdown code block.
var jsonBlockRegex = regexp.MustCompile(fmt.Sprintf("(?s)%s(?:json)?\\s*(.*?)\\s*%s", "```", "```"))

// ExtractJSON pulls the JSON payload out of a model response, handling
// markdown code fences and surrounding prose. The result is the widest
// object or array window; callers still unmarshal it.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)
	if m := jsonBlockRegex.FindStringSubmatch(response); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}

	firstObj := strings.Index(response, "{")
	firstArr := strings.Index(response, "[")
	if firstArr != -1 && (firstObj == -1 || firstArr < firstObj) {
		if last := strings.LastIndex(response, "]"); last > firstArr {
			return response[firstArr : last+1]
		}
	}
	if firstObj != -1 {
		if last := strings.LastIndex(response, "}"); last > firstObj {
			return response[firstObj : last+1]
		}
	}
	return response
}

const actionMarker = "Action:"

// ParseActionResponse decodes the oracle's structured step output. The
// expected shape is a "Reason:" line followed by "Action:" and a JSON
// object, but bare JSON (fenced or not) is tolerated, as is JSON that
// flattens the parameters into the top-level object.
func ParseActionResponse(response string) (schemas.ActionProposal, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return schemas.ActionProposal{}, fmt.Errorf("empty oracle response")
	}

	reason := ""
	jsonPart := response
	if idx := strings.Index(response, actionMarker); idx != -1 {
		head := strings.TrimSpace(response[:idx])
		head = strings.TrimPrefix(head, "Reason:")
		reason = strings.TrimSpace(head)
		jsonPart = response[idx+len(actionMarker):]
	}

	payload := ExtractJSON(jsonPart)
	if payload == "" {
		return schemas.ActionProposal{}, fmt.Errorf("could not find any JSON in the oracle response")
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return schemas.ActionProposal{}, fmt.Errorf("failed to unmarshal extracted JSON: %w", err)
	}

	proposal := schemas.ActionProposal{Rationale: reason}

	for _, key := range []string{"action_type", "action", "type", "name"} {
		if v, ok := raw[key].(string); ok && v != "" {
			proposal.Type = schemas.ActionType(strings.ToLower(strings.TrimSpace(v)))
			delete(raw, key)
			break
		}
	}
	if proposal.Type == "" {
		return schemas.ActionProposal{}, fmt.Errorf("oracle response missing action type")
	}

	for _, key := range []string{"rationale", "reason", "thought"} {
		if v, ok := raw[key].(string); ok {
			if proposal.Rationale == "" {
				proposal.Rationale = strings.TrimSpace(v)
			}
			delete(raw, key)
		}
	}

	// Nested parameters win; otherwise any leftover top-level keys are
	// treated as flattened parameters.
	if nested, ok := raw["parameters"].(map[string]interface{}); ok {
		proposal.Parameters = nested
	} else if len(raw) > 0 {
		delete(raw, "parameters")
		proposal.Parameters = raw
	}
	if len(proposal.Parameters) == 0 {
		proposal.Parameters = nil
	}
	return proposal, nil
}
