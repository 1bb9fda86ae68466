package schemas

import (
	"context"
)

// -- Device Capability --

// CaptureFormat identifies the payload of a raw device capture.
type CaptureFormat string

const (
	CaptureUIAutomatorXML CaptureFormat = "uiautomator_xml" // Android view hierarchy dump.
	CaptureHTML           CaptureFormat = "html"            // Serialized DOM of a Chromium-rendered UI.
	CapturePNG            CaptureFormat = "png"             // Raw screenshot; digest-only observation.
)

// RawCapture is the unprocessed device state handed to the observer. Payload
// semantics depend on Format; Activity is the transport's best notion of the
// foreground context (Android activity, page title or URL).
type RawCapture struct {
	Format   CaptureFormat
	Payload  []byte
	Activity string
	Width    int
	Height   int
}

// DeviceController establishes sessions against one device. The transport
// (adb bridge, DevTools protocol) is an implementation concern; a connection
// failure wraps ErrDeviceUnreachable and is fatal to the episode.
type DeviceController interface {
	// Connect opens a device session. Connection establishment honors the
	// context deadline; a timeout here is terminal.
	Connect(ctx context.Context) (DeviceSession, error)
}

// DeviceSession is one live connection to a device. At most one worker issues
// actions against a session at a time.
type DeviceSession interface {
	// ID returns the session identifier (device serial, browser target id).
	ID() string
	// Execute performs a validated action. Device-side rejections return an
	// ActionExecutionError; transport loss wraps ErrDeviceUnreachable.
	Execute(ctx context.Context, action ValidatedAction) error
	// CaptureRaw returns the current raw device state for observation.
	CaptureRaw(ctx context.Context) (RawCapture, error)
	// Close releases the session.
	Close(ctx context.Context) error
}

// -- Observation Capability --

// ScreenObserver captures normalized snapshots and compares them. It is the
// sole source of ground truth about action effect: oracle self-reports are
// never trusted in its place.
type ScreenObserver interface {
	// Capture takes a raw capture from the session and normalizes it into a
	// snapshot. Transport loss wraps ErrDeviceUnreachable.
	Capture(ctx context.Context) (ScreenSnapshot, error)
	// Diff compares two snapshots. Changed is false exactly when the
	// normalized digests match.
	Diff(a, b ScreenSnapshot) ScreenDelta
}

// -- Procedural Memory Capability --

// ProceduralMemory maps a subtask's semantic signature to the action sequence
// that last completed it. Implementations must keep writes single-writer per
// signature; episodes hold a reference, never ownership.
type ProceduralMemory interface {
	// Lookup returns the entry for a signature, if one exists.
	Lookup(ctx context.Context, signature string) (MemoryEntry, bool, error)
	// Record stores a successful action sequence. An identical sequence
	// increments the entry's success count; a different one replaces it
	// (last-success-wins).
	Record(ctx context.Context, signature string, sequence []ActionProposal) error
	// Close releases any underlying store resources.
	Close() error
}

// -- Oracle Capabilities --

// ProposalRequest is the full context the oracle sees when asked for the next
// action of a subtask.
type ProposalRequest struct {
	Goal     string        `json:"goal"`
	Subtask  Subtask       `json:"subtask"`
	Screen   ScreenSummary `json:"screen"`
	History  []StepRecord  `json:"history,omitempty"`
	Feedback string        `json:"feedback,omitempty"`
	// Deviation carries the repeated-action note injected when the worker
	// detects the same action looping.
	Deviation string `json:"deviation,omitempty"`
}

// Reasoner is the untrusted decision oracle for per-step action generation.
// It must be callable repeatedly; its output is validated and its effect
// independently verified before it is believed.
type Reasoner interface {
	// ProposeAction returns the oracle's suggestion for the next step.
	// Failures and malformed output surface as a ReasonerError.
	ProposeAction(ctx context.Context, req ProposalRequest) (ActionProposal, error)
}

// Planner decomposes a goal into an ordered subtask sequence. Called once at
// episode start with an empty history and again on every replan escalation.
// An empty plan or an oracle failure wraps ErrPlanningFailed.
type Planner interface {
	Plan(ctx context.Context, goal string, history PlanHistory) ([]Subtask, error)
}

// -- Loop Components --

// Worker drives one subtask to a terminal outcome: replay from procedural
// memory when possible, otherwise iterative oracle-driven action generation,
// always verified through the observer.
type Worker interface {
	Run(ctx context.Context, subtask Subtask, feedback string, stepBudget int) (WorkerResult, error)
}

// Supervisor reviews a worker's outcome. The decision is a pure function of
// (subtask, result, retryCount): identical inputs always produce identical
// decisions, keeping the episode auditable and replayable from its log.
type Supervisor interface {
	Review(subtask Subtask, result WorkerResult, retryCount int) Decision
}

// -- LLM Transport --

// ModelTier selects a large language model by preference for speed versus
// capability.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Prefers a faster, less capable model.
	TierPowerful ModelTier = "powerful" // Prefers a more capable, slower model.
)

// GenerationOptions controls the sampling behavior of a completion request.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`
	ForceJSONFormat bool    `json:"force_json_format"`
	TopP            float64 `json:"top_p"`
	TopK            int     `json:"top_k"`
}

// GenerationRequest is one complete prompt for the underlying model.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient abstracts the model provider. Both the per-step reasoner and the
// planner are prompt layers over this one transport.
type LLMClient interface {
	// Generate produces a text completion for the request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close releases client resources.
	Close() error
}
