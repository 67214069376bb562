package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvConfigPath names a config file when --config is not given.
const EnvConfigPath = "HARK_CONFIG"

// ResolvePath picks the config file: explicit flag, then $HARK_CONFIG, then
// the user config dir ($XDG_CONFIG_HOME or ~/.config).
func ResolvePath(explicit string) (string, error) {
	for _, candidate := range []string{explicit, os.Getenv(EnvConfigPath)} {
		if c := strings.TrimSpace(candidate); c != "" {
			return c, nil
		}
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "hark", "config.jsonc"), nil
}
