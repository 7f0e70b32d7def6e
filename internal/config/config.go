// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Sessions SessionsConfig `mapstructure:"sessions" yaml:"sessions"`
}

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"` // "console" or "json"
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"` // megabytes, per lumberjack
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to terminal colors for the console encoder.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig configures the websocket transport server.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// BrowserConfig configures the chromedp driver.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	// SettleWait is how long the orchestrator lets the page settle after a
	// page-changing action before recapturing a snapshot.
	SettleWait        time.Duration `mapstructure:"settle_wait" yaml:"settle_wait"`
	DefaultActionWait time.Duration `mapstructure:"default_action_wait" yaml:"default_action_wait"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// LLMProvider identifies a supported text-generation backend.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
)

// LLMConfig configures the model router and its per-model clients.
type LLMConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
	// RequestsPerMinute rate-limits outgoing generation calls across all
	// sessions; zero disables the limiter.
	RequestsPerMinute float64 `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// LLMModelConfig defines the configuration for a single model.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// SessionsConfig configures session lifecycle defaults.
type SessionsConfig struct {
	// ApprovalTimeout is the default human-approval deadline. Zero means wait
	// indefinitely.
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout" yaml:"approval_timeout"`
	// MaxConcurrent caps simultaneously running session loops.
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	// SnapshotApproval additionally gates each captured snapshot behind a
	// human approval before it is used for generation.
	SnapshotApproval bool `mapstructure:"snapshot_approval" yaml:"snapshot_approval"`
}

// NewDefaultConfig creates a configuration struct populated with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with static defaults, but fail loudly if it does.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "webpilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Server --
	v.SetDefault("server.listen_addr", ":8711")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.shutdown_timeout", "10s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.settle_wait", "750ms")
	v.SetDefault("browser.default_action_wait", "10s")
	v.SetDefault("browser.user_agent", "")

	// -- LLM --
	v.SetDefault("llm.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.default_powerful_model", "gemini-2.5-pro")
	v.SetDefault("llm.requests_per_minute", 30.0)

	// -- Sessions --
	v.SetDefault("sessions.approval_timeout", "5m")
	v.SetDefault("sessions.max_concurrent", 4)
	v.SetDefault("sessions.snapshot_approval", false)
}

// Validate checks invariants that viper cannot express.
func (c *Config) Validate() error {
	switch c.Logger.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logger.format must be \"console\" or \"json\", got %q", c.Logger.Format)
	}

	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if c.Sessions.MaxConcurrent < 1 {
		return fmt.Errorf("sessions.max_concurrent must be at least 1, got %d", c.Sessions.MaxConcurrent)
	}
	if c.Sessions.ApprovalTimeout < 0 {
		return fmt.Errorf("sessions.approval_timeout must not be negative")
	}
	if c.LLM.RequestsPerMinute < 0 {
		return fmt.Errorf("llm.requests_per_minute must not be negative")
	}

	for name, m := range c.LLM.Models {
		if m.Provider == "" {
			return fmt.Errorf("llm.models.%s.provider must be set", name)
		}
		if m.Provider != ProviderGemini {
			return fmt.Errorf("llm.models.%s: unsupported provider %q", name, m.Provider)
		}
		if m.Model == "" {
			return fmt.Errorf("llm.models.%s.model must be set", name)
		}
	}
	return nil
}

// ModelFor resolves a model entry. The tier names "fast" and "powerful"
// resolve through the corresponding tier default; any other name is looked up
// as a model name directly.
func (c *LLMConfig) ModelFor(name string) (LLMModelConfig, bool) {
	switch name {
	case "fast":
		name = c.DefaultFastModel
	case "powerful":
		name = c.DefaultPowerfulModel
	}
	m, ok := c.Models[name]
	return m, ok
}
