package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, "webpilot", cfg.Logger.ServiceName)
	assert.Equal(t, ":8711", cfg.Server.ListenAddr)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 30*time.Second, cfg.Browser.NavigationTimeout)
	assert.Equal(t, 750*time.Millisecond, cfg.Browser.SettleWait)
	assert.Equal(t, "gemini-2.5-flash", cfg.LLM.DefaultFastModel)
	assert.Equal(t, "gemini-2.5-pro", cfg.LLM.DefaultPowerfulModel)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.ApprovalTimeout)
	assert.Equal(t, 4, cfg.Sessions.MaxConcurrent)
	assert.False(t, cfg.Sessions.SnapshotApproval)

	assert.NoError(t, cfg.Validate(), "defaults must validate")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config { return NewDefaultConfig() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad logger format",
			mutate:  func(c *Config) { c.Logger.Format = "xml" },
			wantErr: "logger.format",
		},
		{
			name:    "empty listen addr",
			mutate:  func(c *Config) { c.Server.ListenAddr = "" },
			wantErr: "server.listen_addr",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Sessions.MaxConcurrent = 0 },
			wantErr: "sessions.max_concurrent",
		},
		{
			name:    "negative approval timeout",
			mutate:  func(c *Config) { c.Sessions.ApprovalTimeout = -time.Second },
			wantErr: "sessions.approval_timeout",
		},
		{
			name: "model without provider",
			mutate: func(c *Config) {
				c.LLM.Models = map[string]LLMModelConfig{"gemini-2.5-pro": {Model: "gemini-2.5-pro"}}
			},
			wantErr: "provider must be set",
		},
		{
			name: "unsupported provider",
			mutate: func(c *Config) {
				c.LLM.Models = map[string]LLMModelConfig{"gpt": {Provider: "openai", Model: "gpt-4o"}}
			},
			wantErr: "unsupported provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSetDefaults_OverridesStillUnmarshal(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("sessions.approval_timeout", "30s")
	v.Set("llm.models.gemini-2.5-pro.provider", "gemini")
	v.Set("llm.models.gemini-2.5-pro.model", "gemini-2.5-pro")
	v.Set("llm.models.gemini-2.5-pro.api_key", "test-key")

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	assert.Equal(t, 30*time.Second, cfg.Sessions.ApprovalTimeout)
	m, ok := cfg.LLM.ModelFor("gemini-2.5-pro")
	require.True(t, ok)
	assert.Equal(t, ProviderGemini, m.Provider)
	assert.Equal(t, "test-key", m.APIKey)
	assert.NoError(t, cfg.Validate())
}

func TestModelFor_TierNamesResolveThroughDefaults(t *testing.T) {
	llm := LLMConfig{
		DefaultFastModel:     "gemini-2.5-flash",
		DefaultPowerfulModel: "gemini-2.5-pro",
		Models: map[string]LLMModelConfig{
			"gemini-2.5-flash": {Provider: ProviderGemini, Model: "gemini-2.5-flash"},
			"gemini-2.5-pro":   {Provider: ProviderGemini, Model: "gemini-2.5-pro"},
		},
	}

	m, ok := llm.ModelFor("fast")
	require.True(t, ok)
	assert.Equal(t, "gemini-2.5-flash", m.Model)

	m, ok = llm.ModelFor("powerful")
	require.True(t, ok)
	assert.Equal(t, "gemini-2.5-pro", m.Model)

	// Direct model names still resolve unchanged.
	m, ok = llm.ModelFor("gemini-2.5-pro")
	require.True(t, ok)
	assert.Equal(t, "gemini-2.5-pro", m.Model)

	_, ok = llm.ModelFor("no-such-model")
	assert.False(t, ok)
}
