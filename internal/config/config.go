// Package config provides the configuration schema, loader, and factory
// registry for the voidlink streaming client.
package config

import "time"

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

// DefaultAPIKeyEnv is the environment variable consulted for the transport
// API key when neither api_key nor api_key_env is set.
const DefaultAPIKeyEnv = "API_KEY"

// Config is the root configuration structure.
type Config struct {
	// Server holds the control surface and logging settings.
	Server ServerConfig `yaml:"server"`

	// Transport selects and configures the remote speech-to-speech service.
	Transport TransportConfig `yaml:"transport"`

	// Audio selects the device backend and the stream parameters.
	Audio AudioConfig `yaml:"audio"`

	// Persona is sent with every new session.
	Persona PersonaConfig `yaml:"persona"`

	// Session controls connection lifecycle behaviour.
	Session SessionConfig `yaml:"session"`
}

// ServerConfig holds settings for the HTTP control surface.
type ServerConfig struct {
	// ListenAddr is the TCP address the control surface listens on.
	// An empty value disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls log verbosity. Valid values: debug, info, warn, error.
	LogLevel LogLevel `yaml:"log_level"`
}

// TransportConfig is the configuration for the remote service adapter.
type TransportConfig struct {
	// Name selects the adapter (e.g., "gemini-live", "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the literal credential. Prefer APIKeyEnv outside of tests.
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names the environment variable holding the credential.
	// Defaults to API_KEY.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the service endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the service model.
	Model string `yaml:"model"`

	// Options holds adapter-specific settings.
	Options map[string]any `yaml:"options"`
}

// AudioConfig describes the device backend and stream parameters.
type AudioConfig struct {
	// Backend selects the device backend (e.g., "portaudio").
	Backend string `yaml:"backend"`

	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FrameSize is the number of samples per capture frame.
	FrameSize int `yaml:"frame_size"`

	// SendQueue bounds the transport's outbound packet queue.
	SendQueue int `yaml:"send_queue"`

	// MaxConsecutiveDecodeErrors ends a session after this many undecodable
	// inbound chunks in a row.
	MaxConsecutiveDecodeErrors int `yaml:"max_consecutive_decode_errors"`
}

// PersonaConfig is the voice and system instructions of the remote model.
type PersonaConfig struct {
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`
}

// SessionConfig controls connection lifecycle behaviour.
type SessionConfig struct {
	// Autoconnect starts a session as soon as the program is ready.
	Autoconnect bool `yaml:"autoconnect"`

	// Reconnect configures automatic recovery from session errors.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig configures automatic reconnection after a session ends in
// the error state. Zero durations and counts select the supervisor defaults.
type ReconnectConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}
