// Package stepgen synthesizes one concrete browser Step per intention,
// either context-free (navigation before any page exists) or grounded in the
// latest PageSnapshot.
package stepgen

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

// SynthesisError reports that the model's response could not be turned into a
// usable Step. Under the fail-fast policy it is fatal to the session.
type SynthesisError struct {
	Intention string
	Reason    string
	Raw       string
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("step synthesis failed for intention %q: %s", e.Intention, e.Reason)
}

const navigateSystemPrompt = `You are a browser test step generator. No page is loaded yet, so the only action available is "navigate".

Return a single JSON object of this shape:
{"action": "navigate", "value": "<url>", "description": "<short description>"}

Rules:
- Extract the URL from the scenario text. Never invent a URL that the scenario does not contain or clearly imply.
- If the scenario names a site without a scheme, prepend "https://".
- Respond with ONLY the JSON object. No prose, no markdown.`

const pageAwareSystemPrompt = `You are a browser test step generator. You are given one intention, the steps already executed, and the interactive elements currently on the page.

Return a single JSON object of this shape:
{"action": "<action>", "selector": "<selector>", "value": "<value>", "description": "<short description>"}

Allowed actions: navigate, fill, click, hover, select_option, check, uncheck, expect_visible, expect_hidden, expect_text, expect_url, wait, screenshot, scroll, error.

Rules:
- "selector" MUST be copied verbatim from the element list below. Do not modify, combine, or invent selectors.
- If no listed element matches the intention, return {"action": "error", "description": "<why no element matches>"} instead of guessing.
- "value" carries the text for fill/expect_text, the option for select_option, the URL or fragment for navigate/expect_url, and milliseconds for wait.
- Respond with ONLY the JSON object. No prose, no markdown.`

// Synthesizer generates Steps with one LLM call per intention.
type Synthesizer struct {
	llm    schemas.LLMClient
	logger *zap.Logger
}

func NewSynthesizer(llm schemas.LLMClient, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{llm: llm, logger: logger.Named("stepgen")}
}

// Navigate synthesizes the context-free navigation step for a session that
// has no page yet. The target URL must come from the scenario text.
func (s *Synthesizer) Navigate(ctx context.Context, scenario, intention string, tier schemas.ModelTier) (*schemas.Step, error) {
	prompt := fmt.Sprintf("Scenario:\n%s\n\nCurrent intention:\n%s", scenario, intention)
	step, err := s.generate(ctx, navigateSystemPrompt, prompt, intention, tier)
	if err != nil {
		return nil, err
	}
	if step.Action != schemas.ActionNavigate {
		return nil, &SynthesisError{
			Intention: intention,
			Reason:    fmt.Sprintf("expected a navigate step, got action %q", step.Action),
		}
	}
	if strings.TrimSpace(step.Value) == "" {
		return nil, &SynthesisError{Intention: intention, Reason: "navigate step has no target URL"}
	}
	return step, nil
}

// Synthesize generates one page-aware Step for the intention, grounded in the
// snapshot's elements. The model is constrained to selectors that appear
// verbatim in the snapshot; a genuinely absent element comes back as an
// explicit error-sentinel step rather than a guess.
func (s *Synthesizer) Synthesize(ctx context.Context, intention string, prior []schemas.Step, snap *schemas.PageSnapshot, tier schemas.ModelTier) (*schemas.Step, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Current intention:\n%s\n\n", intention)

	if len(prior) > 0 {
		b.WriteString("Steps already executed:\n")
		for i, st := range prior {
			fmt.Fprintf(&b, "%d. %s\n", i+1, describeStep(st))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Page: %s (%s)\n", snap.Title, snap.URL)
	if snap.Empty() {
		b.WriteString("Interactive elements: none detected.\n")
	} else {
		b.WriteString("Interactive elements (use these selectors verbatim):\n")
		for _, el := range snap.Elements {
			b.WriteString("- ")
			b.WriteString(describeElement(el))
			b.WriteString("\n")
		}
	}

	return s.generate(ctx, pageAwareSystemPrompt, b.String(), intention, tier)
}

func (s *Synthesizer) generate(ctx context.Context, system, prompt, intention string, tier schemas.ModelTier) (*schemas.Step, error) {
	result, err := s.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: system,
		UserPrompt:   prompt,
		Tier:         tier,
		Options: schemas.GenerationOptions{
			Temperature:     0.1,
			ForceJSONFormat: true,
		},
	})
	if err != nil {
		return nil, &SynthesisError{Intention: intention, Reason: fmt.Sprintf("generation call failed: %v", err)}
	}

	step, err := decodeStep(result.Text)
	if err != nil {
		return nil, &SynthesisError{Intention: intention, Reason: err.Error(), Raw: result.Text}
	}
	if !step.Action.Valid() {
		return nil, &SynthesisError{
			Intention: intention,
			Reason:    fmt.Sprintf("unknown action %q", step.Action),
			Raw:       result.Text,
		}
	}

	s.logger.Debug("Synthesized step.",
		zap.String("intention", intention),
		zap.String("action", string(step.Action)),
		zap.String("selector", step.Selector))
	return step, nil
}

// decodeStep accepts either a single JSON object or a single-element JSON
// array as the wire format, with fences and surrounding prose tolerated.
func decodeStep(response string) (*schemas.Step, error) {
	if step, err := llmutil.ParseJSONResponse[schemas.Step](response); err == nil && step.Action != "" {
		return step, nil
	}

	if arrayText, ok := llmutil.ExtractJSONArray(response); ok {
		var steps []schemas.Step
		if err := json.Unmarshal([]byte(arrayText), &steps); err == nil && len(steps) > 0 && steps[0].Action != "" {
			return &steps[0], nil
		}
	}

	return nil, fmt.Errorf("response is not a step object (or has no action field)")
}

func describeStep(st schemas.Step) string {
	parts := []string{string(st.Action)}
	if st.Selector != "" {
		parts = append(parts, "on "+st.Selector)
	}
	if st.Value != "" {
		parts = append(parts, "with "+st.Value)
	}
	if st.Description != "" {
		parts = append(parts, "("+st.Description+")")
	}
	return strings.Join(parts, " ")
}

func describeElement(el schemas.DOMElement) string {
	var b strings.Builder
	fmt.Fprintf(&b, "selector=%q tag=%s", el.Selector, el.Tag)
	if el.Role != "" {
		fmt.Fprintf(&b, " role=%s", el.Role)
	}
	if el.Text != "" {
		fmt.Fprintf(&b, " text=%q", truncate(el.Text, 80))
	}
	if el.AriaLabel != "" {
		fmt.Fprintf(&b, " aria-label=%q", el.AriaLabel)
	}
	for _, key := range []string{"type", "name", "placeholder", "href", "value"} {
		if v := el.Attributes[key]; v != "" {
			fmt.Fprintf(&b, " %s=%q", key, truncate(v, 80))
		}
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
