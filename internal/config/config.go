// Package config provides the configuration schema and loader for the
// co-author voice engine.
package config

import (
	"log/slog"

	"github.com/ElkanHub/coauthor/internal/toolbridge"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to the corresponding slog level. Unset or unknown levels
// map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	LogLevel   LogLevel         `yaml:"log_level"`
	Provider   ProviderConfig   `yaml:"provider"`
	Audio      AudioConfig      `yaml:"audio"`
	Session    SessionConfig    `yaml:"session"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	MCP        MCPConfig        `yaml:"mcp"`
}

// ProviderConfig selects and authenticates the speech-to-speech backend.
type ProviderConfig struct {
	// APIKey authenticates against the provider. When empty, the loader falls
	// back to the GEMINI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// Model selects the live model (e.g. "gemini-2.0-flash-live-001").
	// Empty uses the provider default.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's WebSocket endpoint. Leave empty for
	// the production endpoint.
	BaseURL string `yaml:"base_url"`
}

// AudioConfig holds capture tuning.
type AudioConfig struct {
	// TargetFrameSamples is the minimum capture frame size in samples before
	// a frame is sent up the wire. Zero uses the built-in default.
	TargetFrameSamples int `yaml:"target_frame_samples"`
}

// SessionConfig holds per-session conversation settings.
type SessionConfig struct {
	// Voice selects the prebuilt voice for synthesised speech.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt defining the agent's behaviour.
	Instructions string `yaml:"instructions"`

	// TranscribeInput enables transcription of the user's speech.
	TranscribeInput bool `yaml:"transcribe_input"`

	// TranscribeOutput enables transcription of the model's speech.
	TranscribeOutput bool `yaml:"transcribe_output"`
}

// TranscriptConfig selects where transcripts are persisted.
type TranscriptConfig struct {
	// PostgresDSN enables the PostgreSQL store when non-empty. When empty,
	// transcripts are kept in memory for the life of the process.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	// ListenAddr is the TCP address the /metrics endpoint listens on
	// (e.g. ":9090"). Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`
}

// MCPConfig lists external MCP tool servers to connect at startup.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig mirrors [toolbridge.ServerConfig] in YAML form.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	URL       string            `yaml:"url"`
	Env       map[string]string `yaml:"env"`
}

// Bridge converts the YAML entry to a [toolbridge.ServerConfig].
func (c MCPServerConfig) Bridge() toolbridge.ServerConfig {
	return toolbridge.ServerConfig{
		Name:      c.Name,
		Transport: c.Transport,
		Command:   c.Command,
		URL:       c.URL,
		Env:       c.Env,
	}
}
