package main

import (
	"fmt"
	"net/url"

	"github.com/alecthomas/kong"

	"fsproxy/internal/config"
	"fsproxy/internal/core/logger"
	"fsproxy/internal/core/types"
	"fsproxy/internal/proxy"
	"fsproxy/internal/server"
)

type ProxyCmd struct {
	ConfigFile string `short:"c" long:"config" default:"${config_file}" help:"Path to config file"`
	ServerURL  string `long:"server-url" help:"Remote file server RPC URL"`
	Listen     string `long:"listen" help:"Address to bind the session API"`
	CacheDir   string `long:"cache-dir" help:"Directory for cached file versions"`
	CacheSize  string `long:"cache-size" help:"Cache capacity (e.g. 64MB)"`
	Debug      bool   `short:"d" long:"debug" help:"Enable debug logging"`
}

type ServerCmd struct {
	ConfigFile string `short:"c" long:"config" default:"${config_file}" help:"Path to config file"`
	Listen     string `long:"listen" help:"Address to bind the RPC API"`
	RootDir    string `long:"root-dir" help:"Directory served to proxies"`
	Debug      bool   `short:"d" long:"debug" help:"Enable debug logging"`
}

type CLI struct {
	Version kong.VersionFlag `short:"v" long:"version" help:"Print version and exit"`
	Proxy   ProxyCmd         `cmd:"proxy" help:"Start the caching proxy daemon"`
	Server  ServerCmd        `cmd:"server" help:"Start the file server daemon"`
}

func (p *ProxyCmd) Run() error {
	cfg, err := loadConfig(p.ConfigFile, p.Debug)
	if err != nil {
		return err
	}

	proxyCfg := types.DefaultProxyConfig()
	if cfg.Proxy != nil {
		proxyCfg = *cfg.Proxy
	}

	// Flags win over file values.
	if p.ServerURL != "" {
		parsed, err := url.Parse(p.ServerURL)
		if err != nil {
			return fmt.Errorf("invalid server URL %q: %w", p.ServerURL, err)
		}
		proxyCfg.ServerURL = parsed
	}
	if p.Listen != "" {
		parsed, err := url.Parse(p.Listen)
		if err != nil {
			return fmt.Errorf("invalid listen URL %q: %w", p.Listen, err)
		}
		proxyCfg.Listen = parsed
	}
	if p.CacheDir != "" {
		proxyCfg.CacheDir = p.CacheDir
	}
	if p.CacheSize != "" {
		var size types.Bytes
		if err := size.Set(p.CacheSize); err != nil {
			return fmt.Errorf("invalid cache size %q: %w", p.CacheSize, err)
		}
		proxyCfg.CacheSize = size
	}

	ctx, cancel := types.DefaultSignalNotifySubContext()
	defer cancel()

	front := proxy.NewFront(proxyCfg)
	return front.Run(ctx)
}

func (s *ServerCmd) Run() error {
	cfg, err := loadConfig(s.ConfigFile, s.Debug)
	if err != nil {
		return err
	}

	serverCfg := types.DefaultServerConfig()
	if cfg.Server != nil {
		serverCfg = *cfg.Server
	}

	if s.Listen != "" {
		parsed, err := url.Parse(s.Listen)
		if err != nil {
			return fmt.Errorf("invalid listen URL %q: %w", s.Listen, err)
		}
		serverCfg.Listen = parsed
	}
	if s.RootDir != "" {
		serverCfg.RootDir = s.RootDir
	}

	ctx, cancel := types.DefaultSignalNotifySubContext()
	defer cancel()

	srv := server.NewServer(serverCfg)
	return srv.Run(ctx)
}

func loadConfig(configFile string, debug bool) (*types.Config, error) {
	cfg, err := config.LoadConfig(config.ResolveConfigPath(configFile))
	if err != nil {
		return nil, err
	}

	if debug || cfg.Debug {
		logger.SetDefaultLevel(logger.LevelDebug)
	}

	return cfg, nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(
		&cli,
		kong.Vars{
			"version":     "0.1.0",
			"config_file": "config.yaml",
		},
		kong.Name("fsproxyd"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	if err := kctx.Run(&cli); err != nil {
		kctx.FatalIfErrorf(err)
	}
}
