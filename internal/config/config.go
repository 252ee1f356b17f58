// Package config loads the daemon configuration file and applies defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"fsproxy/internal/core/types"

	"github.com/goccy/go-yaml"
)

// LoadConfig loads configuration from a YAML file and applies defaults
func LoadConfig(configFile string) (*types.Config, error) {
	config := &types.Config{}

	if configFile != "" && fileExists(configFile) {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configFile, err)
		}
	}

	// Apply defaults by merging with default configs
	if config.Proxy != nil {
		config.Proxy = mergeProxyConfig(config.Proxy, types.DefaultProxyConfig())
	}
	if config.Server != nil {
		config.Server = mergeServerConfig(config.Server, types.DefaultServerConfig())
	}
	if config.Client != nil {
		config.Client = mergeClientConfig(config.Client, types.DefaultClientConfig())
	}

	return config, nil
}

// mergeProxyConfig merges loaded config with defaults, with loaded values taking precedence
func mergeProxyConfig(loaded *types.ProxyConfig, defaults types.ProxyConfig) *types.ProxyConfig {
	return &types.ProxyConfig{
		ServerURL: coalescePtr(loaded.ServerURL, defaults.ServerURL),
		Listen:    coalescePtr(loaded.Listen, defaults.Listen),
		CacheDir:  coalesce(loaded.CacheDir, defaults.CacheDir),
		CacheSize: coalesceBytes(loaded.CacheSize, defaults.CacheSize),
		Transfer: types.TransferConfig{
			RateLimit: loaded.Transfer.RateLimit,
			RateBurst: coalesceBytes(loaded.Transfer.RateBurst, defaults.Transfer.RateBurst),
		},
	}
}

// mergeServerConfig merges loaded config with defaults
func mergeServerConfig(loaded *types.ServerConfig, defaults types.ServerConfig) *types.ServerConfig {
	return &types.ServerConfig{
		Listen:  coalescePtr(loaded.Listen, defaults.Listen),
		RootDir: coalesce(loaded.RootDir, defaults.RootDir),
	}
}

// mergeClientConfig merges loaded config with defaults
func mergeClientConfig(loaded *types.ClientConfig, defaults types.ClientConfig) *types.ClientConfig {
	return &types.ClientConfig{
		ProxyURL: coalescePtr(loaded.ProxyURL, defaults.ProxyURL),
	}
}

// Helper functions to reduce repetitive conditional logic
func coalesce[T comparable](loaded, defaultVal T) T {
	var zero T
	if loaded != zero {
		return loaded
	}
	return defaultVal
}

func coalescePtr[T any](loaded, defaultVal *T) *T {
	if loaded != nil {
		return loaded
	}
	return defaultVal
}

func coalesceBytes(loaded, defaultVal types.Bytes) types.Bytes {
	if loaded != 0 {
		return loaded
	}
	return defaultVal
}

// fileExists checks if a file exists
func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// ResolveConfigPath resolves a config file path, checking common locations
func ResolveConfigPath(configFile string) string {
	if configFile != "" {
		if filepath.IsAbs(configFile) || fileExists(configFile) {
			return configFile
		}
	}

	commonPaths := []string{
		"config.yaml",
		"config.yml",
		"/etc/fsproxy/config.yaml",
		"/etc/fsproxy/config.yml",
	}

	for _, path := range commonPaths {
		if fileExists(path) {
			return path
		}
	}

	return configFile // Return original even if it doesn't exist
}
