// Command gitreviewd runs a Gerrit-style code review server: it mediates
// Git repository access over SSH and smart-HTTP, materializes pushes to
// refs/for/<branch> into reviewable Changes, and exposes synthetic refs
// for their patch sets.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var cmd rootCmd
	kctx := kong.Parse(&cmd,
		kong.Name("gitreviewd"),
		kong.Description("A Gerrit-style code review server."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(kctx.Run())
}
