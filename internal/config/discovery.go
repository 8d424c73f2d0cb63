package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath overrides config discovery.
const EnvConfigPath = "HOOKGATE_CONFIG"

// Discover locates a config file when --config is not given. It checks, in
// order: $HOOKGATE_CONFIG, ~/.config/hookgate/config.yaml,
// /etc/hookgate/config.yaml and ./config.yaml.
func Discover() (string, error) {
	return discoverIn(os.Getenv(EnvConfigPath), userConfigCandidate(), "/etc/hookgate/config.yaml", "config.yaml")
}

func userConfigCandidate() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "hookgate", "config.yaml")
}

func discoverIn(candidates ...string) (string, error) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if fileExists(c) {
			return c, nil
		}
		// A directory holding config.yaml is accepted too.
		if dirExists(c) && fileExists(filepath.Join(c, "config.yaml")) {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/hookgate, /etc/hookgate, ./config.yaml)", EnvConfigPath)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
