package reasoner

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/observability"
)

// proposalTemperature keeps per-step generation near-deterministic while
// leaving the model enough freedom to rephrase after a failed attempt.
const proposalTemperature = 0.2

// Oracle turns screen state into action proposals. It is a prompt layer over
// the LLM transport: one request in, one proposal out. Retrying a failed or
// unparseable call is the worker's job, so every failure surfaces
// immediately as a ReasonerError.
type Oracle struct {
	logger  *zap.Logger
	client  schemas.LLMClient
	metrics *observability.Metrics
}

var _ schemas.Reasoner = (*Oracle)(nil)

// NewOracle creates the action oracle on top of an LLM client.
func NewOracle(client schemas.LLMClient, metrics *observability.Metrics, logger *zap.Logger) *Oracle {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Oracle{
		logger:  logger.Named("oracle"),
		client:  client,
		metrics: metrics,
	}
}

// ProposeAction asks the fast tier model for the next step of a subtask.
func (o *Oracle) ProposeAction(ctx context.Context, req schemas.ProposalRequest) (schemas.ActionProposal, error) {
	userPrompt, err := BuildProposalPrompt(req)
	if err != nil {
		o.metrics.ReasonerCalls.WithLabelValues("worker", "error").Inc()
		return schemas.ActionProposal{}, &schemas.ReasonerError{Detail: "building proposal prompt", Err: err}
	}

	raw, err := o.client.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: actionSystemPrompt,
		UserPrompt:   userPrompt,
		Tier:         schemas.TierFast,
		Options: schemas.GenerationOptions{
			Temperature: proposalTemperature,
		},
	})
	if err != nil {
		o.metrics.ReasonerCalls.WithLabelValues("worker", "error").Inc()
		return schemas.ActionProposal{}, &schemas.ReasonerError{Detail: "action generation failed", Err: err}
	}

	proposal, err := ParseActionResponse(raw)
	if err != nil {
		o.logger.Warn("Discarding unparseable oracle output.",
			zap.String("subtask_id", req.Subtask.ID),
			zap.Error(err))
		o.metrics.ReasonerCalls.WithLabelValues("worker", "parse_error").Inc()
		return schemas.ActionProposal{}, &schemas.ReasonerError{Detail: "unparseable oracle output", Err: err}
	}

	o.metrics.ReasonerCalls.WithLabelValues("worker", "ok").Inc()
	o.logger.Debug("Oracle proposed an action.",
		zap.String("subtask_id", req.Subtask.ID),
		zap.String("action_type", string(proposal.Type)))
	return proposal, nil
}
