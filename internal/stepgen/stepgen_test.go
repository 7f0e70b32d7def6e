package stepgen

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/webpilot-dev/webpilot/api/schemas"
)

type mockLLM struct{ mock.Mock }

func (m *mockLLM) Generate(ctx context.Context, req schemas.GenerationRequest) (*schemas.GenerationResult, error) {
	args := m.Called(ctx, req)
	if res := args.Get(0); res != nil {
		return res.(*schemas.GenerationResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLLM) Close() error { return nil }

func respondWith(text string) *mockLLM {
	llm := &mockLLM{}
	llm.On("Generate", mock.Anything, mock.Anything).
		Return(&schemas.GenerationResult{Text: text}, nil).Once()
	return llm
}

func testSnapshot() *schemas.PageSnapshot {
	return &schemas.PageSnapshot{
		URL:   "https://app.example/login",
		Title: "Login",
		Elements: []schemas.DOMElement{
			{Tag: "input", Selector: `[name="email"]`, Attributes: map[string]string{"type": "email", "name": "email"}},
			{Tag: "button", Selector: `button:has-text("Sign in")`, Text: "Sign in", Role: "button"},
		},
	}
}

func TestNavigate_ExtractsURL(t *testing.T) {
	llm := respondWith(`{"action": "navigate", "value": "https://app.example/login", "description": "Open the login page"}`)
	synth := NewSynthesizer(llm, zaptest.NewLogger(t))

	step, err := synth.Navigate(context.Background(), "Go to app.example/login and sign in", "Navigate to the login page", schemas.TierFast)
	require.NoError(t, err)
	assert.Equal(t, schemas.ActionNavigate, step.Action)
	assert.Equal(t, "https://app.example/login", step.Value)
}

func TestNavigate_RejectsNonNavigateAction(t *testing.T) {
	llm := respondWith(`{"action": "click", "selector": "button"}`)
	synth := NewSynthesizer(llm, zaptest.NewLogger(t))

	_, err := synth.Navigate(context.Background(), "scenario", "intention", schemas.TierFast)
	var synthErr *SynthesisError
	require.ErrorAs(t, err, &synthErr)
	assert.Contains(t, synthErr.Error(), "expected a navigate step")
}

func TestNavigate_RejectsMissingURL(t *testing.T) {
	llm := respondWith(`{"action": "navigate", "value": ""}`)
	synth := NewSynthesizer(llm, zaptest.NewLogger(t))

	_, err := synth.Navigate(context.Background(), "scenario", "intention", schemas.TierFast)
	var synthErr *SynthesisError
	require.ErrorAs(t, err, &synthErr)
	assert.Contains(t, synthErr.Error(), "no target URL")
}

func TestSynthesize_PromptEnumeratesElements(t *testing.T) {
	llm := &mockLLM{}
	llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		// Every element's selector must appear verbatim in the prompt.
		return strings.Contains(req.UserPrompt, `selector="[name=\"email\"]"`) &&
			strings.Contains(req.UserPrompt, "Sign in") &&
			strings.Contains(req.UserPrompt, "verbatim")
	})).Return(&schemas.GenerationResult{Text: `{"action": "fill", "selector": "[name=\"email\"]", "value": "me@example.com"}`}, nil).Once()

	synth := NewSynthesizer(llm, zaptest.NewLogger(t))
	step, err := synth.Synthesize(context.Background(), "Fill in the email field", nil, testSnapshot(), schemas.TierPowerful)
	require.NoError(t, err)
	assert.Equal(t, schemas.ActionFill, step.Action)
	assert.Equal(t, `[name="email"]`, step.Selector)
	llm.AssertExpectations(t)
}

func TestSynthesize_AcceptsSingleElementArray(t *testing.T) {
	llm := respondWith(`[{"action": "click", "selector": "button:has-text(\"Sign in\")"}]`)
	synth := NewSynthesizer(llm, zaptest.NewLogger(t))

	step, err := synth.Synthesize(context.Background(), "Click sign in", nil, testSnapshot(), schemas.TierFast)
	require.NoError(t, err)
	assert.Equal(t, schemas.ActionClick, step.Action)
}

func TestSynthesize_AcceptsFencedObject(t *testing.T) {
	llm := respondWith("```json\n{\"action\": \"expect_visible\", \"selector\": \"button:has-text(\\\"Sign in\\\")\"}\n```")
	synth := NewSynthesizer(llm, zaptest.NewLogger(t))

	step, err := synth.Synthesize(context.Background(), "Verify the button", nil, testSnapshot(), schemas.TierFast)
	require.NoError(t, err)
	assert.Equal(t, schemas.ActionExpectVisible, step.Action)
}

func TestSynthesize_ErrorSentinelPassesThrough(t *testing.T) {
	llm := respondWith(`{"action": "error", "description": "no element matches a logout link"}`)
	synth := NewSynthesizer(llm, zaptest.NewLogger(t))

	step, err := synth.Synthesize(context.Background(), "Click logout", nil, testSnapshot(), schemas.TierFast)
	require.NoError(t, err)
	assert.Equal(t, schemas.ActionError, step.Action)
}

func TestSynthesize_Failures(t *testing.T) {
	testCases := []struct {
		name     string
		response string
	}{
		{"missing action", `{"selector": "button", "value": "x"}`},
		{"not json", "I cannot help with that."},
		{"unknown action", `{"action": "teleport"}`},
		{"empty array", `[]`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			synth := NewSynthesizer(respondWith(tc.response), zaptest.NewLogger(t))
			_, err := synth.Synthesize(context.Background(), "intention", nil, testSnapshot(), schemas.TierFast)

			var synthErr *SynthesisError
			require.ErrorAs(t, err, &synthErr)
		})
	}
}

func TestSynthesize_PriorStepsInPrompt(t *testing.T) {
	llm := &mockLLM{}
	llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return strings.Contains(req.UserPrompt, "Steps already executed") &&
			strings.Contains(req.UserPrompt, "1. fill on [name=\"email\"]")
	})).Return(&schemas.GenerationResult{Text: `{"action": "click", "selector": "button:has-text(\"Sign in\")"}`}, nil).Once()

	prior := []schemas.Step{{Action: schemas.ActionFill, Selector: `[name="email"]`}}
	_, err := NewSynthesizer(llm, zaptest.NewLogger(t)).
		Synthesize(context.Background(), "Click sign in", prior, testSnapshot(), schemas.TierFast)
	require.NoError(t, err)
	llm.AssertExpectations(t)
}
