package main

import (
	"github.com/alecthomas/kong"

	"github.com/gitreview/gitreviewd/internal/silog"
)

type globalOptions struct {
	Config  string `name:"config" help:"Path to the server config file." type:"path"`
	Verbose bool   `short:"v" help:"Enable debug logging."`
}

func (g *globalOptions) logger() *silog.Logger {
	opts := &silog.Options{Level: silog.LevelInfo}
	if g.Verbose {
		opts.Level = silog.LevelDebug
	}
	return silog.New(defaultLogWriter(), opts)
}

type rootCmd struct {
	globalOptions

	Serve    serveCmd    `cmd:"" help:"Run the server, listening for SSH and HTTP Git traffic."`
	InitRepo initRepoCmd `cmd:"" name:"init-repo" help:"Create a new, empty project repository."`
	GC       gcCmd       `cmd:"" help:"Run garbage collection across project repositories."`
	Hook     hookCmd     `cmd:"" help:"Run a git hook, invoked by git itself; not for interactive use."`
	Version  versionCmd  `cmd:"" help:"Print version information."`
}

// AfterApply binds the parsed global options so every subcommand's Run
// method can take *globalOptions as a parameter.
func (cmd *rootCmd) AfterApply(kctx *kong.Context) error {
	kctx.Bind(&cmd.globalOptions)
	return nil
}
