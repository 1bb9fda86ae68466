package reasoner

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/config"
)

// NewClient creates a single LLM client for a model entry based on its
// provider.
func NewClient(cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(cfg, logger)
	case config.ProviderOpenAI, config.ProviderOllama:
		return NewOpenAIClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderOpenAI, config.ProviderOllama)
	}
}

// resolveModel looks up a named model entry in the reasoner config. The
// entry's Model field defaults to the map key so configs only need to
// set it when the upstream model name differs from the entry name.
func resolveModel(cfg config.ReasonerConfig, name string) (config.LLMModelConfig, error) {
	if name == "" {
		return config.LLMModelConfig{}, fmt.Errorf("no model name configured")
	}
	model, ok := cfg.Models[name]
	if !ok {
		return config.LLMModelConfig{}, fmt.Errorf("model %q not found in reasoner.models", name)
	}
	if model.Model == "" {
		model.Model = name
	}
	return model, nil
}

// NewRouterFromConfig builds clients for the configured fast and powerful
// default models and wires them into a tier router. When both defaults
// name the same entry a single client serves both tiers.
func NewRouterFromConfig(cfg config.ReasonerConfig, logger *zap.Logger) (*Router, error) {
	fastModel, err := resolveModel(cfg, cfg.DefaultFastModel)
	if err != nil {
		return nil, fmt.Errorf("fast tier: %w", err)
	}

	fastClient, err := NewClient(fastModel, logger)
	if err != nil {
		return nil, fmt.Errorf("fast tier: %w", err)
	}

	powerfulClient := fastClient
	if cfg.DefaultPowerfulModel != cfg.DefaultFastModel {
		powerfulModel, err := resolveModel(cfg, cfg.DefaultPowerfulModel)
		if err != nil {
			return nil, fmt.Errorf("powerful tier: %w", err)
		}
		powerfulClient, err = NewClient(powerfulModel, logger)
		if err != nil {
			return nil, fmt.Errorf("powerful tier: %w", err)
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	return NewRouter(logger, fastClient, powerfulClient, limiter)
}
