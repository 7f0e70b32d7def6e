package schemas

import (
	"context"
	"time"
)

// -- LLM Client Schemas & Interface --

// ModelTier allows for selecting a large language model based on a preference
// for speed versus advanced capabilities.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Prefers a faster, potentially less capable model.
	TierPowerful ModelTier = "powerful" // Prefers a more capable, potentially slower model.
)

// GenerationOptions provides detailed parameters to control the text
// generation process of the LLM.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`       // Controls randomness. Lower is more deterministic.
	ForceJSONFormat bool    `json:"force_json_format"` // If true, forces the model to output valid JSON.
	MaxTokens       int     `json:"max_tokens"`        // Upper bound on the completion length. 0 uses the model default.
}

// GenerationRequest encapsulates a complete request to the LLM, including the
// system and user prompts, the desired model tier, and generation options.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// GenerationResult carries the completion text plus call metadata so callers
// can surface model identity and latency without re-plumbing it themselves.
type GenerationResult struct {
	Text    string        `json:"text"`
	Latency time.Duration `json:"latency"`
	ModelID string        `json:"model_id"`
}

// LLMClient defines a standard interface for interacting with a Large
// Language Model, abstracting the specifics of the underlying provider.
// Implementations are stateless per call; the caller supplies its own timeout
// via ctx.
type LLMClient interface {
	// Generate produces a text completion based on the provided request.
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
	// Close cleans up any resources held by the client.
	Close() error
}

// -- Browser Driver Interface --

// BrowserDriver defines the contract for controlling a single, exclusively
// owned browser context. Every action call may fail; failures are surfaced as
// step errors, never as process crashes. Implementations must be safe for the
// strictly sequential call pattern of one session loop (they are never called
// concurrently for the same session).
type BrowserDriver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Hover(ctx context.Context, selector string) error
	SelectOption(ctx context.Context, selector, value string) error
	// SetChecked covers both the check and uncheck actions.
	SetChecked(ctx context.Context, selector string, checked bool) error
	ExpectVisible(ctx context.Context, selector string) error
	ExpectHidden(ctx context.Context, selector string) error
	ExpectText(ctx context.Context, selector, text string) error
	ExpectURL(ctx context.Context, fragment string) error
	Wait(ctx context.Context, d time.Duration) error
	Screenshot(ctx context.Context) ([]byte, error)
	// Scroll scrolls the element into view, or the page itself when selector
	// is empty.
	Scroll(ctx context.Context, selector string) error
	// ListInteractiveElements enumerates the page's interactive elements
	// (buttons, inputs, textareas, links, selects, checkboxes/radios,
	// headings) as raw attribute bundles.
	ListInteractiveElements(ctx context.Context) ([]RawElement, error)
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	// Close releases the underlying browser context.
	Close(ctx context.Context) error
}

// DriverFactory creates an isolated BrowserDriver for a new session. The
// returned driver is owned exclusively by that session until Close.
type DriverFactory interface {
	NewDriver(ctx context.Context, sessionID string) (BrowserDriver, error)
}
