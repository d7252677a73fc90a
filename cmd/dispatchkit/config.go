package main

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/haasonsaas/dispatchkit/internal/config"
)

// DefaultConfigName is the config file used when neither a flag nor
// DISPATCHKIT_CONFIG names one.
const DefaultConfigName = "dispatchkit.yaml"

// resolveConfigPath determines the configuration file path based on:
// 1. Explicit path provided by user
// 2. DISPATCHKIT_CONFIG
// 3. Default config path
func resolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("DISPATCHKIT_CONFIG")); p != "" {
		return p
	}
	return DefaultConfigName
}

// loadConfigOrDefault loads path, falling back to defaults when the file does
// not exist. Offline commands use it so they work without a config file.
func loadConfigOrDefault(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}
