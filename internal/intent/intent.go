// Package intent performs the one-shot decomposition of a natural-language
// test scenario into an ordered list of short intention strings.
package intent

import (
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/webpilot-dev/webpilot/api/schemas"
	"github.com/webpilot-dev/webpilot/internal/llmutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const systemPrompt = `You are a test planning assistant. Decompose the user's browser test scenario into an ordered list of short, atomic intentions.

Rules:
- Each intention is one imperative sentence describing a single user-visible goal (e.g. "Navigate to the login page", "Fill in the email field", "Verify the welcome heading is shown").
- Preserve the order implied by the scenario.
- Do not invent steps the scenario does not ask for.
- Respond with ONLY a JSON array of strings. No prose, no markdown, no keys.`

// ParseError reports that the model's response could not be turned into a
// non-empty intention list. It is fatal to the session; no retry is attempted
// here.
type ParseError struct {
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("intent parsing failed: %s", e.Reason)
}

// Parser turns a scenario string into intentions with a single LLM call.
type Parser struct {
	llm    schemas.LLMClient
	logger *zap.Logger
}

func NewParser(llm schemas.LLMClient, logger *zap.Logger) *Parser {
	return &Parser{llm: llm, logger: logger.Named("intent")}
}

// Parse makes exactly one generation call and extracts the first well-formed
// JSON array from the response, tolerating surrounding prose and markdown
// fencing. An empty array, a missing array, or malformed JSON yields a
// *ParseError.
func (p *Parser) Parse(ctx context.Context, scenario string, tier schemas.ModelTier) ([]string, error) {
	if strings.TrimSpace(scenario) == "" {
		return nil, &ParseError{Reason: "scenario is empty"}
	}

	result, err := p.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   fmt.Sprintf("Scenario:\n%s", scenario),
		Tier:         tier,
		Options: schemas.GenerationOptions{
			Temperature:     0.1,
			ForceJSONFormat: true,
		},
	})
	if err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("generation call failed: %v", err)}
	}

	arrayText, ok := llmutil.ExtractJSONArray(result.Text)
	if !ok {
		return nil, &ParseError{Reason: "no JSON array found in model response", Raw: result.Text}
	}

	var intentions []string
	if err := json.Unmarshal([]byte(arrayText), &intentions); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("array is not a list of strings: %v", err), Raw: result.Text}
	}

	cleaned := intentions[:0]
	for _, it := range intentions {
		if s := strings.TrimSpace(it); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return nil, &ParseError{Reason: "model returned an empty intention list", Raw: result.Text}
	}

	p.logger.Info("Parsed scenario into intentions.",
		zap.Int("count", len(cleaned)),
		zap.String("model", result.ModelID),
		zap.Duration("latency", result.Latency))
	return cleaned, nil
}
