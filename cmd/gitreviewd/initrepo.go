package main

import (
	"context"
	"fmt"

	"github.com/gitreview/gitreviewd/internal/app"
)

type initRepoCmd struct {
	Name string `arg:"" help:"Project name to create."`
}

func (cmd *initRepoCmd) Run(ctx context.Context, g *globalOptions) error {
	a, err := app.Open(g.Config, g.logger())
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.Gateway.Create(ctx, cmd.Name); err != nil {
		return fmt.Errorf("create project %q: %w", cmd.Name, err)
	}
	fmt.Printf("created project %q\n", cmd.Name)
	return nil
}
