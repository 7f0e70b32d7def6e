package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/webpilot-dev/webpilot/api/schemas"
)

// LLMRouter implements schemas.LLMClient and routes requests to a per-tier
// client. A shared rate limiter throttles outgoing generation calls across
// all sessions so concurrent session loops cannot stampede the provider.
type LLMRouter struct {
	logger  *zap.Logger
	clients map[schemas.ModelTier]schemas.LLMClient
	limiter *rate.Limiter
}

// NewLLMRouter creates a new router with the specified clients for each tier.
// requestsPerMinute of zero disables rate limiting.
func NewLLMRouter(logger *zap.Logger, fastClient, powerfulClient schemas.LLMClient, requestsPerMinute float64) (*LLMRouter, error) {
	if fastClient == nil || powerfulClient == nil {
		return nil, fmt.Errorf("both fast and powerful tier clients must be provided")
	}

	var limiter *rate.Limiter
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerMinute/60.0), 1)
	}

	return &LLMRouter{
		logger: logger.Named("llm_router"),
		clients: map[schemas.ModelTier]schemas.LLMClient{
			schemas.TierFast:     fastClient,
			schemas.TierPowerful: powerfulClient,
		},
		limiter: limiter,
	}, nil
}

// Generate selects the appropriate client based on the request's Tier.
func (r *LLMRouter) Generate(ctx context.Context, req schemas.GenerationRequest) (*schemas.GenerationResult, error) {
	tier := req.Tier
	if tier == "" {
		tier = schemas.TierPowerful // Default to the powerful tier if unspecified.
	}

	client, ok := r.clients[tier]
	if !ok {
		return nil, fmt.Errorf("no LLM client configured for tier: %s", tier)
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait aborted: %w", err)
		}
	}

	r.logger.Debug("Routing LLM request", zap.String("tier", string(tier)))
	return client.Generate(ctx, req)
}

// Close closes every distinct underlying client.
func (r *LLMRouter) Close() error {
	var firstErr error
	seen := make(map[schemas.LLMClient]struct{}, len(r.clients))
	for _, client := range r.clients {
		if _, dup := seen[client]; dup {
			continue
		}
		seen[client] = struct{}{}
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
