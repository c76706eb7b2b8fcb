package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// knownVoices lists the prebuilt voices the Gemini Live API documents.
// Unknown names only warn; the provider is the final authority.
var knownVoices = []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Provider.APIKey == "" {
		errs = append(errs, fmt.Errorf("provider.api_key is empty and GEMINI_API_KEY is not set"))
	}

	if cfg.Audio.TargetFrameSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.target_frame_samples must not be negative"))
	}

	if v := cfg.Session.Voice; v != "" && !knownVoice(v) {
		slog.Warn("unrecognised voice name; the provider may reject it", "voice", v)
	}

	seen := make(map[string]bool, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seen[srv.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate server name %q", prefix, srv.Name))
		}
		seen[srv.Name] = true

		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s: stdio transport requires command", prefix))
			}
		case "http":
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s: http transport requires url", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: transport %q is invalid; valid values: stdio, http", prefix, srv.Transport))
		}
	}

	return errors.Join(errs...)
}

func knownVoice(name string) bool {
	for _, v := range knownVoices {
		if v == name {
			return true
		}
	}
	return false
}
