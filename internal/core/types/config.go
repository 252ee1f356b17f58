package types

import (
	"net/url"
)

// mustParseURL is a helper for parsing URLs in default configs
func mustParseURL(rawURL string) *url.URL {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic("invalid default URL: " + rawURL)
	}
	return u
}

// Config is the top-level configuration structure
type Config struct {
	Debug bool `yaml:"debug"`

	// Only one of these should be set depending on the binary
	Proxy  *ProxyConfig  `yaml:"proxy,omitempty"`
	Server *ServerConfig `yaml:"server,omitempty"`
	Client *ClientConfig `yaml:"client,omitempty"`
}

// ProxyConfig holds configuration for the caching proxy daemon
type ProxyConfig struct {
	ServerURL *url.URL       `yaml:"server_url"` // Remote file server RPC URL
	Listen    *url.URL       `yaml:"listen"`     // Address to bind the session API
	CacheDir  string         `yaml:"cache_dir"`  // Directory for cached file versions
	CacheSize Bytes          `yaml:"cache_size"` // Cache capacity in bytes
	Transfer  TransferConfig `yaml:"transfer"`   // Chunk transfer settings
}

// UnmarshalYAML implements custom YAML unmarshaling for ProxyConfig
func (p *ProxyConfig) UnmarshalYAML(unmarshal func(any) error) error {
	type rawProxyConfig struct {
		ServerURL string         `yaml:"server_url"`
		Listen    string         `yaml:"listen"`
		CacheDir  string         `yaml:"cache_dir"`
		CacheSize Bytes          `yaml:"cache_size"`
		Transfer  TransferConfig `yaml:"transfer"`
	}

	var raw rawProxyConfig
	if err := unmarshal(&raw); err != nil {
		return err
	}

	if raw.ServerURL != "" {
		parsed, err := url.Parse(raw.ServerURL)
		if err != nil {
			return err
		}
		p.ServerURL = parsed
	}
	if raw.Listen != "" {
		parsed, err := url.Parse(raw.Listen)
		if err != nil {
			return err
		}
		p.Listen = parsed
	}

	p.CacheDir = raw.CacheDir
	p.CacheSize = raw.CacheSize
	p.Transfer = raw.Transfer

	return nil
}

// ServerConfig holds configuration for the remote file server daemon
type ServerConfig struct {
	Listen  *url.URL `yaml:"listen"`   // Address to bind the RPC API
	RootDir string   `yaml:"root_dir"` // Directory served to proxies
}

// UnmarshalYAML implements custom YAML unmarshaling for ServerConfig
func (s *ServerConfig) UnmarshalYAML(unmarshal func(any) error) error {
	type rawServerConfig struct {
		Listen  string `yaml:"listen"`
		RootDir string `yaml:"root_dir"`
	}

	var raw rawServerConfig
	if err := unmarshal(&raw); err != nil {
		return err
	}

	if raw.Listen != "" {
		parsed, err := url.Parse(raw.Listen)
		if err != nil {
			return err
		}
		s.Listen = parsed
	}

	s.RootDir = raw.RootDir

	return nil
}

// ClientConfig holds configuration for the CLI client
type ClientConfig struct {
	ProxyURL *url.URL `yaml:"proxy_url"` // Proxy session API URL
}

// TransferConfig holds chunk transfer settings
type TransferConfig struct {
	RateLimit Bytes `yaml:"rate_limit"` // Bytes per second rate limit (0 = unlimited)
	RateBurst Bytes `yaml:"rate_burst"` // Burst size for the limiter
}

// DefaultProxyConfig returns default proxy configuration
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		ServerURL: mustParseURL("http://localhost:9090"),
		Listen:    mustParseURL("http://0.0.0.0:8080"),
		CacheDir:  "/var/lib/fsproxy/cache",
		CacheSize: Bytes(64 * 1024 * 1024),
		Transfer:  DefaultTransferConfig(),
	}
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:  mustParseURL("http://0.0.0.0:9090"),
		RootDir: "/var/lib/fsproxy/root",
	}
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ProxyURL: mustParseURL("http://localhost:8080"),
	}
}

// DefaultTransferConfig returns default transfer configuration
func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		RateLimit: 0, // No limit
		RateBurst: Bytes(1024 * 1024),
	}
}
