package main

import (
	"context"
	"fmt"

	"github.com/gitreview/gitreviewd/internal/app"
)

type gcCmd struct {
	Project string `arg:"" optional:"" help:"Project to garbage-collect. Runs against every project if omitted."`
}

func (cmd *gcCmd) Run(ctx context.Context, g *globalOptions) error {
	a, err := app.Open(g.Config, g.logger())
	if err != nil {
		return err
	}
	defer a.Close()

	names := []string{cmd.Project}
	if cmd.Project == "" {
		names, err = a.Gateway.List()
		if err != nil {
			return fmt.Errorf("list projects: %w", err)
		}
	}

	for _, name := range names {
		if err := gcOne(ctx, a, name); err != nil {
			return fmt.Errorf("gc %q: %w", name, err)
		}
		fmt.Printf("gc'd %q\n", name)
	}
	return nil
}

func gcOne(ctx context.Context, a *app.App, name string) error {
	repo, err := a.Gateway.Open(ctx, name)
	if err != nil {
		return err
	}
	if err := a.Gateway.CleanupReferences(ctx, name); err != nil {
		return err
	}
	return repo.GC(ctx)
}
