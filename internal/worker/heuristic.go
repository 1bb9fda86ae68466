package worker

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

// hintStopwords are words that describe the check itself rather than the
// screen content, plus common glue. They never count as evidence.
var hintStopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"was": {}, "are": {}, "has": {}, "have": {}, "its": {}, "from": {},
	"into": {}, "after": {}, "before": {}, "when": {}, "then": {},
	"screen": {}, "page": {}, "visible": {}, "shown": {}, "showing": {},
	"displayed": {}, "displays": {}, "appears": {}, "appear": {},
	"listed": {}, "open": {}, "opened": {},
}

// acceptanceConsistent is the lightweight terminal check: does the current
// screen plausibly show what the acceptance hint describes. It only gates
// the oracle's own done(complete) claim; real verification is the
// supervisor's job. An empty or all-stopword hint passes trivially.
func acceptanceConsistent(hint string, screen schemas.ScreenSummary) bool {
	tokens := hintTokens(hint)
	if len(tokens) == 0 {
		return true
	}

	var b strings.Builder
	b.WriteString(strings.ToLower(screen.Activity))
	for _, t := range screen.Texts {
		b.WriteByte(' ')
		b.WriteString(strings.ToLower(t))
	}
	for _, el := range screen.Elements {
		b.WriteByte(' ')
		b.WriteString(strings.ToLower(el.Text))
		b.WriteByte(' ')
		b.WriteString(strings.ToLower(el.Desc))
	}
	corpus := b.String()

	matched := 0
	for _, token := range tokens {
		if strings.Contains(corpus, token) {
			matched++
		}
	}
	// A third of the hint's significant words, at least one, must be on
	// screen.
	need := (len(tokens) + 2) / 3
	return matched >= need
}

// hintTokens reduces an acceptance hint to its significant words: lowercase
// runs of letters and digits, minus stopwords and fragments too short to
// mean anything (pure numbers are kept at any length, "7" in "7:00" counts).
func hintTokens(hint string) []string {
	fields := strings.FieldsFunc(strings.ToLower(hint), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var tokens []string
	for _, f := range fields {
		if _, stop := hintStopwords[f]; stop {
			continue
		}
		if len(f) < 3 && !isDigits(f) {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// deviationNote detects an action loop: the last limit steps all carry the
// same validated action and the most recent one changed nothing. The note is
// injected into the next proposal prompt. Repetition that keeps changing the
// screen (paging through a long list) is left alone.
func deviationNote(steps []schemas.StepRecord, limit int) string {
	if limit <= 0 || len(steps) < limit {
		return ""
	}
	window := steps[len(steps)-limit:]
	if window[len(window)-1].Changed {
		return ""
	}
	rendered := window[0].Action.String()
	for _, step := range window[1:] {
		if step.Action.String() != rendered {
			return ""
		}
	}
	return fmt.Sprintf("You have issued the same action %d times in a row (%s) and it is no longer changing the screen. Pick a different action type or a different target now.", limit, rendered)
}
