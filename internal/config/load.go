package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Environment variables consulted when the config file leaves Watson
// credentials empty. Names match the IBM credentials file format.
const (
	EnvWatsonAPIKey      = "SPEECH_TO_TEXT_APIKEY"
	EnvWatsonURL         = "SPEECH_TO_TEXT_URL"
	EnvWatsonAccessToken = "SPEECH_TO_TEXT_ACCESS_TOKEN"
)

// Loaded captures resolved config path, parsed values, and non-fatal warnings.
type Loaded struct {
	Path     string
	Config   Config
	Warnings []Warning
	Exists   bool
}

// Load resolves, reads, parses, and validates the runtime configuration.
func Load(explicitPath string) (Loaded, error) {
	resolvedPath, err := ResolvePath(explicitPath)
	if err != nil {
		return Loaded{}, err
	}

	base := Default()
	content, err := os.ReadFile(resolvedPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(&base)
			return Loaded{
				Path:   resolvedPath,
				Config: base,
				Warnings: []Warning{{
					Message: fmt.Sprintf("config file %q not found; using defaults", resolvedPath),
				}},
				Exists: false,
			}, nil
		}
		return Loaded{}, fmt.Errorf("read config %q: %w", resolvedPath, err)
	}

	cfg, warnings, err := Parse(string(content), base)
	if err != nil {
		return Loaded{}, fmt.Errorf("parse config %q: %w", resolvedPath, err)
	}
	applyEnv(&cfg)

	return Loaded{
		Path:     resolvedPath,
		Config:   cfg,
		Warnings: warnings,
		Exists:   true,
	}, nil
}

func applyEnv(cfg *Config) {
	fill := func(dst *string, key string) {
		if *dst != "" {
			return
		}
		*dst = strings.TrimSpace(os.Getenv(key))
	}
	fill(&cfg.Watson.APIKey, EnvWatsonAPIKey)
	fill(&cfg.Watson.URL, EnvWatsonURL)
	fill(&cfg.Watson.AccessToken, EnvWatsonAccessToken)
}
