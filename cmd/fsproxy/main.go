package main

import (
	"fmt"

	"github.com/alecthomas/kong"

	"fsproxy/internal/cli"
)

type GetCmd struct {
	Path  string `arg:"" help:"Server-relative path to download"`
	Local string `arg:"" optional:"" help:"Local destination (defaults to the path's base name)"`
}

type PutCmd struct {
	Local string `arg:"" help:"Local file to upload"`
	Path  string `arg:"" help:"Server-relative destination path"`
}

type RmCmd struct {
	Path string `arg:"" help:"Server-relative path to remove"`
}

type StatsCmd struct{}

type CLI struct {
	Version kong.VersionFlag `short:"v" long:"version" help:"Print version and exit"`
	Proxy   string           `short:"p" long:"proxy" default:"http://localhost:8080" help:"Proxy session API URL"`

	Get   GetCmd   `cmd:"get" help:"Download a file through the proxy"`
	Put   PutCmd   `cmd:"put" help:"Upload a file through the proxy"`
	Rm    RmCmd    `cmd:"rm" help:"Remove a file on the server"`
	Stats StatsCmd `cmd:"stats" help:"Show proxy cache statistics"`
}

// withSession runs fn inside a fresh proxy session.
func withSession(c *cli.Client, fn func(session string) error) error {
	session, err := c.NewSession()
	if err != nil {
		return err
	}
	defer c.EndSession(session)

	return fn(session)
}

func (g *GetCmd) Run(root *CLI) error {
	local := g.Local
	if local == "" {
		local = baseName(g.Path)
	}

	c := cli.NewClient(root.Proxy)
	return withSession(c, func(session string) error {
		if err := c.Get(session, g.Path, local); err != nil {
			return err
		}
		fmt.Printf("Downloaded %s to %s\n", g.Path, local)
		return nil
	})
}

func (p *PutCmd) Run(root *CLI) error {
	c := cli.NewClient(root.Proxy)
	return withSession(c, func(session string) error {
		return c.Put(session, p.Local, p.Path)
	})
}

func (r *RmCmd) Run(root *CLI) error {
	c := cli.NewClient(root.Proxy)
	return withSession(c, func(session string) error {
		return c.Remove(session, r.Path)
	})
}

func (s *StatsCmd) Run(root *CLI) error {
	return cli.NewClient(root.Proxy).Stats()
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func main() {
	var root CLI
	kctx := kong.Parse(
		&root,
		kong.Vars{
			"version": "0.1.0",
		},
		kong.Name("fsproxy"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	kctx.FatalIfErrorf(kctx.Run(&root))
}
