// Package planner decomposes a goal into an ordered subtask queue using the
// powerful model tier. It is a prompt layer over the shared LLM transport;
// the episode calls it once at start and again on every replan escalation.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/config"
	"github.com/xkilldash9x/marionette-cli/internal/observability"
	"github.com/xkilldash9x/marionette-cli/internal/reasoner"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultMaxSubtasks = 10

// Complexity bounds for the step budget scaling. Entries outside the range
// are clamped; a missing value lands mid-range rather than starving the
// subtask of budget.
const (
	minComplexity     = 1
	maxComplexity     = 5
	defaultComplexity = 2
)

// Planner implements schemas.Planner over an LLM client.
type Planner struct {
	logger      *zap.Logger
	client      schemas.LLMClient
	metrics     *observability.Metrics
	maxSubtasks int
}

var _ schemas.Planner = (*Planner)(nil)

// New creates a planner on top of an LLM client.
func New(client schemas.LLMClient, cfg config.PlannerConfig, metrics *observability.Metrics, logger *zap.Logger) *Planner {
	maxSubtasks := cfg.MaxSubtasks
	if maxSubtasks <= 0 {
		maxSubtasks = defaultMaxSubtasks
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Planner{
		logger:      logger.Named("planner"),
		client:      client,
		metrics:     metrics,
		maxSubtasks: maxSubtasks,
	}
}

// Plan asks the powerful tier for a subtask decomposition of the goal. On a
// replan the history carries the already completed subtasks and the failure
// that triggered the escalation; the prompt forbids repeating finished work.
// A zero-subtask plan and every oracle failure wrap schemas.ErrPlanningFailed.
func (p *Planner) Plan(ctx context.Context, goal string, history schemas.PlanHistory) ([]schemas.Subtask, error) {
	userPrompt := buildPlanPrompt(goal, history)

	raw, err := p.client.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: planSystemPrompt,
		UserPrompt:   userPrompt,
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
		},
	})
	if err != nil {
		p.metrics.ReasonerCalls.WithLabelValues("planner", "error").Inc()
		return nil, fmt.Errorf("%w: oracle call: %w", schemas.ErrPlanningFailed, err)
	}

	subtasks, err := p.parsePlan(raw)
	if err != nil {
		p.metrics.ReasonerCalls.WithLabelValues("planner", "parse_error").Inc()
		return nil, fmt.Errorf("%w: %w", schemas.ErrPlanningFailed, err)
	}
	p.metrics.ReasonerCalls.WithLabelValues("planner", "ok").Inc()

	if len(subtasks) > p.maxSubtasks {
		p.logger.Warn("Plan exceeds the subtask cap, truncating.",
			zap.Int("planned", len(subtasks)),
			zap.Int("cap", p.maxSubtasks))
		subtasks = subtasks[:p.maxSubtasks]
	}

	p.logger.Info("Goal decomposed.",
		zap.String("goal", goal),
		zap.Int("subtasks", len(subtasks)),
		zap.Bool("replan", history.Failure != nil))
	for i, st := range subtasks {
		p.logger.Debug("Planned subtask.",
			zap.Int("position", i),
			zap.String("subtask_id", st.ID),
			zap.String("description", st.Description),
			zap.Int("complexity", st.Complexity))
	}
	return subtasks, nil
}

// planEntry is the wire shape of one subtask in the model's plan output.
type planEntry struct {
	Description    string `json:"description"`
	AcceptanceHint string `json:"acceptance_hint"`
	Complexity     int    `json:"complexity"`
}

// parsePlan decodes the model output into subtasks. The preferred shape is
// the {"subtasks": [...]} wrapper the prompt requests; a bare JSON array is
// tolerated for models that ignore the wrapper.
func (p *Planner) parsePlan(raw string) ([]schemas.Subtask, error) {
	payload := strings.TrimSpace(reasoner.ExtractJSON(raw))
	if payload == "" {
		return nil, fmt.Errorf("no JSON found in plan response")
	}

	var entries []planEntry
	if strings.HasPrefix(payload, "{") {
		var wrapper struct {
			Subtasks []planEntry `json:"subtasks"`
		}
		if err := json.Unmarshal([]byte(payload), &wrapper); err == nil && len(wrapper.Subtasks) > 0 {
			entries = wrapper.Subtasks
		}
	}
	if entries == nil {
		if err := json.Unmarshal([]byte(payload), &entries); err != nil {
			return nil, fmt.Errorf("parse subtasks: %w (raw: %s)", err, truncateForLog(raw))
		}
	}

	subtasks := make([]schemas.Subtask, 0, len(entries))
	for _, entry := range entries {
		description := strings.TrimSpace(entry.Description)
		if description == "" {
			p.logger.Warn("Dropping subtask without a description.")
			continue
		}
		subtasks = append(subtasks, schemas.Subtask{
			ID:             uuid.New().String(),
			Description:    description,
			AcceptanceHint: strings.TrimSpace(entry.AcceptanceHint),
			Complexity:     clampComplexity(entry.Complexity),
		})
	}
	if len(subtasks) == 0 {
		return nil, fmt.Errorf("planner returned zero subtasks")
	}
	return subtasks, nil
}

func clampComplexity(c int) int {
	switch {
	case c == 0:
		return defaultComplexity
	case c < minComplexity:
		return minComplexity
	case c > maxComplexity:
		return maxComplexity
	}
	return c
}

func truncateForLog(s string) string {
	const limit = 300
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
