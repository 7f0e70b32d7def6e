// internal/llmclient/factory.go
package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/webpilot-dev/webpilot/api/schemas"
	"github.com/webpilot-dev/webpilot/internal/config"
)

// NewClient builds the tiered router from configuration: one client for the
// fast tier, one for the powerful tier. The two tiers may share a single
// underlying client when they resolve to the same model entry.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	fastClient, err := newModelClient(cfg, cfg.DefaultFastModel, logger)
	if err != nil {
		return nil, fmt.Errorf("fast tier (%s): %w", cfg.DefaultFastModel, err)
	}

	var powerfulClient schemas.LLMClient
	if cfg.DefaultPowerfulModel == cfg.DefaultFastModel {
		powerfulClient = fastClient
	} else {
		powerfulClient, err = newModelClient(cfg, cfg.DefaultPowerfulModel, logger)
		if err != nil {
			return nil, fmt.Errorf("powerful tier (%s): %w", cfg.DefaultPowerfulModel, err)
		}
	}

	return NewLLMRouter(logger, fastClient, powerfulClient, cfg.RequestsPerMinute)
}

// newModelClient constructs a provider client for one named model entry.
func newModelClient(cfg config.LLMConfig, name string, logger *zap.Logger) (schemas.LLMClient, error) {
	modelCfg, ok := cfg.ModelFor(name)
	if !ok {
		return nil, fmt.Errorf("no model configuration named %q", name)
	}

	switch modelCfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(modelCfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s]", modelCfg.Provider, config.ProviderGemini)
	}
}
