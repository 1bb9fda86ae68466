package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Subtask descriptions arrive as free-form planner prose. Two descriptions
// of the same procedure should collide ("Type 'Bob' into the name field" and
// "type \"Alice\" into the name field"), so literals are templated out before
// hashing and the residue is case- and punctuation-folded.
var (
	quotedLiteralRegex = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	numberRegex        = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
	punctuationRegex   = regexp.MustCompile(`[^\p{L}\p{N}\s\x{00ab}\x{00bb}]+`)
	whitespaceRegex    = regexp.MustCompile(`\s+`)
)

// Normalize reduces a subtask description to its signature template:
// lowercased, quoted literals and standalone numbers replaced by
// placeholders, punctuation stripped, whitespace collapsed.
func Normalize(description string) string {
	s := strings.ToLower(strings.TrimSpace(description))
	s = quotedLiteralRegex.ReplaceAllString(s, "«str»")
	s = numberRegex.ReplaceAllString(s, "«num»")
	s = punctuationRegex.ReplaceAllString(s, " ")
	s = whitespaceRegex.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Signature returns the stable lookup key for a subtask description: the
// hex-encoded digest of its normalized template.
func Signature(description string) string {
	sum := sha256.Sum256([]byte(Normalize(description)))
	return hex.EncodeToString(sum[:])
}
