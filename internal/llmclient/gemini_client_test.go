package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpilot-dev/webpilot/api/schemas"
	"github.com/webpilot-dev/webpilot/internal/config"
)

// geminiSuccessBody builds a minimal successful generateContent response.
func geminiSuccessBody(text string) string {
	payload := map[string]interface{}{
		"candidates": []map[string]interface{}{
			{
				"content": map[string]interface{}{
					"parts": []map[string]string{{"text": text}},
					"role":  "model",
				},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]int{
			"promptTokenCount":     10,
			"candidatesTokenCount": 5,
			"totalTokenCount":      15,
		},
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}

func newTestGeminiClient(t *testing.T, serverURL string) *GeminiClient {
	t.Helper()
	client, err := NewGeminiClient(config.LLMModelConfig{
		Provider:   config.ProviderGemini,
		Model:      "gemini-test",
		APIKey:     "test-key",
		Endpoint:   serverURL,
		APITimeout: 5 * time.Second,
	}, setupTestLogger(t))
	require.NoError(t, err)
	return client
}

func TestNewGeminiClient_RequiresAPIKey(t *testing.T) {
	_, err := NewGeminiClient(config.LLMModelConfig{Model: "gemini-test"}, setupTestLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API Key is required")
}

func TestNewGeminiClient_DefaultEndpoint(t *testing.T) {
	client, err := NewGeminiClient(config.LLMModelConfig{
		Model:  "gemini-2.5-pro",
		APIKey: "k",
	}, setupTestLogger(t))
	require.NoError(t, err)
	assert.Contains(t, client.endpoint, "models/gemini-2.5-pro:generateContent")
}

func TestGeminiClient_Generate_Success(t *testing.T) {
	var gotBody geminiRequestPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(geminiSuccessBody(`{"action":"navigate"}`)))
	}))
	defer server.Close()

	client := newTestGeminiClient(t, server.URL)

	result, err := client.Generate(context.Background(), schemas.GenerationRequest{
		SystemPrompt: "You generate browser steps.",
		UserPrompt:   "Navigate to example.com",
		Options:      schemas.GenerationOptions{Temperature: 0.1, ForceJSONFormat: true},
	})
	require.NoError(t, err)

	assert.Equal(t, `{"action":"navigate"}`, result.Text)
	assert.Equal(t, "gemini-test", result.ModelID)
	assert.Greater(t, result.Latency, time.Duration(0))

	// The request payload must reflect the generation options.
	require.NotNil(t, gotBody.SystemInstruction)
	assert.Equal(t, "You generate browser steps.", gotBody.SystemInstruction.Parts[0].Text)
	assert.Equal(t, "application/json", gotBody.GenerationConfig.ResponseMimeType)
	assert.InDelta(t, 0.1, gotBody.GenerationConfig.Temperature, 1e-9)
}

func TestGeminiClient_Generate_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(geminiSuccessBody("recovered")))
	}))
	defer server.Close()

	client := newTestGeminiClient(t, server.URL)

	result, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Text)
	assert.GreaterOrEqual(t, calls.Load(), int32(2), "503 must be retried")
}

func TestGeminiClient_Generate_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad request"}}`))
	}))
	defer server.Close()

	client := newTestGeminiClient(t, server.URL)

	_, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load(), "a 400 must not be retried")
}

func TestGeminiClient_Generate_NoCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer server.Close()

	client := newTestGeminiClient(t, server.URL)

	_, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no candidates")
}
