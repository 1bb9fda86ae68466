// Package observer turns raw device captures into normalized screen
// snapshots and compares them. The observer is the loop's only source of
// truth about action effect; the oracle's own claims about what happened are
// never consulted.
package observer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/config"
)

// ArtifactSink persists raw captures for later diagnosis. Saving is
// best-effort: a sink failure degrades the snapshot's RawRef, never the
// capture itself.
type ArtifactSink interface {
	SaveCapture(captureID string, format schemas.CaptureFormat, payload []byte) (string, error)
}

// normalized is the format-independent result of a normalization pass.
type normalized struct {
	activity   string
	elements   []schemas.UIElement
	texts      []string
	structural []string // digest input lines, already scrubbed
}

// Observer implements schemas.ScreenObserver over one device session.
type Observer struct {
	session  schemas.DeviceSession
	cfg      config.ObserverConfig
	sink     ArtifactSink
	logger   *zap.Logger
	volatile []*regexp.Regexp
}

// New builds an observer for the session. Invalid volatile patterns are
// rejected so a config typo surfaces at startup, not mid-episode.
func New(session schemas.DeviceSession, cfg config.ObserverConfig, sink ArtifactSink, logger *zap.Logger) (*Observer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	volatile := make([]*regexp.Regexp, 0, len(cfg.VolatilePatterns))
	for _, p := range cfg.VolatilePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("observer: invalid volatile pattern %q: %w", p, err)
		}
		volatile = append(volatile, re)
	}
	return &Observer{
		session:  session,
		cfg:      cfg,
		sink:     sink,
		logger:   logger.Named("observer"),
		volatile: volatile,
	}, nil
}

// Capture takes a raw capture from the session and normalizes it into a
// snapshot. Transport errors propagate unchanged so callers can match
// ErrDeviceUnreachable.
func (o *Observer) Capture(ctx context.Context) (schemas.ScreenSnapshot, error) {
	raw, err := o.session.CaptureRaw(ctx)
	if err != nil {
		return schemas.ScreenSnapshot{}, err
	}

	var norm normalized
	switch raw.Format {
	case schemas.CaptureUIAutomatorXML:
		norm, err = normalizeUIAutomator(raw.Payload)
	case schemas.CaptureHTML:
		norm, err = normalizeHTML(raw.Payload)
	case schemas.CapturePNG:
		// Pixels carry no element structure; the digest is the only signal.
		norm = normalized{structural: []string{hashBytes(raw.Payload)}}
	default:
		err = fmt.Errorf("observer: unsupported capture format %q", raw.Format)
	}
	if err != nil {
		return schemas.ScreenSnapshot{}, err
	}

	if norm.activity == "" {
		norm.activity = raw.Activity
	}
	o.scrub(&norm)

	captureID := uuid.NewString()
	snapshot := schemas.ScreenSnapshot{
		CaptureID:  captureID,
		Digest:     o.digest(norm),
		Summary:    o.summarize(norm, raw),
		CapturedAt: time.Now().UTC(),
	}

	if o.sink != nil {
		ref, serr := o.sink.SaveCapture(captureID, raw.Format, raw.Payload)
		if serr != nil {
			o.logger.Warn("failed to persist raw capture", zap.String("capture_id", captureID), zap.Error(serr))
		} else {
			snapshot.RawRef = ref
		}
	}
	return snapshot, nil
}

// Diff compares two snapshots. Changed is false exactly when the normalized
// digests match; the summary names what moved for prompts and logs.
func (o *Observer) Diff(a, b schemas.ScreenSnapshot) schemas.ScreenDelta {
	if a.Digest == b.Digest {
		return schemas.ScreenDelta{Changed: false}
	}

	var parts []string
	if a.Summary.Activity != b.Summary.Activity {
		parts = append(parts, fmt.Sprintf("activity %q -> %q", a.Summary.Activity, b.Summary.Activity))
	}
	if a.Summary.ElementCount != b.Summary.ElementCount {
		parts = append(parts, fmt.Sprintf("elements %d -> %d", a.Summary.ElementCount, b.Summary.ElementCount))
	}
	if added := textDiff(b.Summary.Texts, a.Summary.Texts, 3); len(added) > 0 {
		parts = append(parts, "new text: "+strings.Join(added, "; "))
	}
	if removed := textDiff(a.Summary.Texts, b.Summary.Texts, 3); len(removed) > 0 {
		parts = append(parts, "gone: "+strings.Join(removed, "; "))
	}
	if len(parts) == 0 {
		parts = append(parts, "layout changed")
	}
	return schemas.ScreenDelta{Changed: true, Summary: strings.Join(parts, "; ")}
}

// scrub replaces volatile fragments (clocks, percentages) in every text the
// digest or summary will see, so a ticking clock does not read as an action
// effect.
func (o *Observer) scrub(n *normalized) {
	if len(o.volatile) == 0 {
		return
	}
	for i := range n.elements {
		n.elements[i].Text = o.scrubText(n.elements[i].Text)
		n.elements[i].Desc = o.scrubText(n.elements[i].Desc)
	}
	for i := range n.texts {
		n.texts[i] = o.scrubText(n.texts[i])
	}
	for i := range n.structural {
		n.structural[i] = o.scrubText(n.structural[i])
	}
}

func (o *Observer) scrubText(s string) string {
	for _, re := range o.volatile {
		s = re.ReplaceAllString(s, "«volatile»")
	}
	return s
}

func (o *Observer) digest(n normalized) string {
	h := sha256.New()
	h.Write([]byte(n.activity))
	h.Write([]byte{0})
	for _, line := range n.structural {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// summarize caps the element and text lists to the configured sizes and
// renumbers elements so oracle indices always match the summary it saw.
func (o *Observer) summarize(n normalized, raw schemas.RawCapture) schemas.ScreenSummary {
	elements := n.elements
	if o.cfg.MaxElements > 0 && len(elements) > o.cfg.MaxElements {
		elements = elements[:o.cfg.MaxElements]
	}
	for i := range elements {
		elements[i].Index = i
	}
	texts := n.texts
	if o.cfg.MaxTexts > 0 && len(texts) > o.cfg.MaxTexts {
		texts = texts[:o.cfg.MaxTexts]
	}
	return schemas.ScreenSummary{
		Activity:     n.activity,
		Width:        raw.Width,
		Height:       raw.Height,
		ElementCount: len(elements),
		Texts:        texts,
		Elements:     elements,
	}
}

// textDiff returns up to limit entries of a that are absent from b.
func textDiff(a, b []string, limit int) []string {
	seen := make(map[string]struct{}, len(b))
	for _, s := range b {
		seen[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := seen[s]; ok {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
