package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidNames lists known factory names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidNames = map[string][]string{
	"transport": {"gemini-live", "openai-realtime"},
	"audio":     {"portaudio"},
}

// Defaults applied by [ApplyDefaults] to fields left empty.
const (
	DefaultTransport = "gemini-live"
	DefaultBackend   = "portaudio"
	DefaultVoice     = "Charon"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields of cfg in place. Audio stream parameters
// are left at zero; the session manager owns their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Transport.Name == "" {
		cfg.Transport.Name = DefaultTransport
	}
	if cfg.Transport.APIKeyEnv == "" {
		cfg.Transport.APIKeyEnv = DefaultAPIKeyEnv
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = DefaultBackend
	}
	if cfg.Persona.Voice == "" {
		cfg.Persona.Voice = DefaultVoice
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Transport.Name == "" {
		errs = append(errs, errors.New("transport.name is required"))
	}
	validateName("transport", cfg.Transport.Name)
	validateName("audio", cfg.Audio.Backend)

	nonNegative := []struct {
		field string
		value int
	}{
		{"audio.input_sample_rate", cfg.Audio.InputSampleRate},
		{"audio.output_sample_rate", cfg.Audio.OutputSampleRate},
		{"audio.frame_size", cfg.Audio.FrameSize},
		{"audio.send_queue", cfg.Audio.SendQueue},
		{"audio.max_consecutive_decode_errors", cfg.Audio.MaxConsecutiveDecodeErrors},
		{"session.reconnect.max_retries", cfg.Session.Reconnect.MaxRetries},
	}
	for _, f := range nonNegative {
		if f.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", f.field, f.value))
		}
	}

	rc := cfg.Session.Reconnect
	if rc.Backoff < 0 {
		errs = append(errs, fmt.Errorf("session.reconnect.backoff must not be negative, got %s", rc.Backoff))
	}
	if rc.MaxBackoff < 0 {
		errs = append(errs, fmt.Errorf("session.reconnect.max_backoff must not be negative, got %s", rc.MaxBackoff))
	}
	if rc.Backoff > 0 && rc.MaxBackoff > 0 && rc.MaxBackoff < rc.Backoff {
		errs = append(errs, fmt.Errorf("session.reconnect.max_backoff %s is shorter than backoff %s", rc.MaxBackoff, rc.Backoff))
	}

	if cfg.Persona.Instructions == "" {
		slog.Warn("persona.instructions is empty; the remote model will use its default behaviour")
	}

	return errors.Join(errs...)
}

// validateName logs a warning if name is non-empty and not found in the
// [ValidNames] list for the given kind.
func validateName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown name, may be a typo or a third-party factory",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// LoadEnv loads KEY=VALUE pairs from the given dotenv files into the process
// environment. Variables that are already set win. Missing files are
// skipped; with no arguments ".env" in the working directory is tried.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env %q: %w", p, err)
		}
		slog.Debug("config: loaded env file", "path", p)
	}
	return nil
}

// ResolveAPIKey returns the transport credential: the literal api_key if
// set, otherwise the value of the environment variable named by api_key_env
// (DefaultAPIKeyEnv when empty). An empty result means no credential.
func (t TransportConfig) ResolveAPIKey() string {
	if t.APIKey != "" {
		return t.APIKey
	}
	env := t.APIKeyEnv
	if env == "" {
		env = DefaultAPIKeyEnv
	}
	return os.Getenv(env)
}
