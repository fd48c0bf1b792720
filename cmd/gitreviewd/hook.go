package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gitreview/gitreviewd/internal/app"
	"github.com/gitreview/gitreviewd/internal/git"
	"github.com/gitreview/gitreviewd/internal/receive"
	"github.com/gitreview/gitreviewd/internal/silog"
)

// hookCmd's subcommands are never invoked by a user directly: they are
// what the update and post-receive scripts internal/gitgw installs at
// project-create time actually run, as children of the real git
// receive-pack process handling a push. See internal/app's doc comment
// for why they open their own App rather than talking back to whatever
// server process accepted the connection.
type hookCmd struct {
	Update      hookUpdateCmd      `cmd:"" help:"git update hook: gatekeep one ref update."`
	PostReceive hookPostReceiveCmd `cmd:"" name:"post-receive" help:"git post-receive hook: log accepted ref updates."`
}

type hookUpdateCmd struct {
	Project string `arg:""`
	Ref     string `arg:""`
	Old     string `arg:""`
	New     string `arg:""`
}

func (cmd *hookUpdateCmd) Run(ctx context.Context, g *globalOptions) error {
	a, err := app.Open(g.Config, silog.Nop())
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.ReceiveEngine(ctx, cmd.Project)
	if err != nil {
		return err
	}

	results := engine.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: cmd.Ref, OldHash: git.Hash(cmd.Old), NewHash: git.Hash(cmd.New)},
	}, accountIDFromEnv(), time.Now())

	r := results[0]
	if r.Status != receive.StatusOK {
		fmt.Fprintln(os.Stderr, r.Message)
		return fmt.Errorf("rejected")
	}
	if r.Message != "" {
		fmt.Fprintln(os.Stderr, r.Message)
	}
	return nil
}

type hookPostReceiveCmd struct {
	Project string `arg:""`
}

// Run reads the standard post-receive stdin contract (one "<old> <new>
// <ref>" line per accepted update) and replays it through the Receive
// Pipeline's post-receive side effects. Every line reaching this hook
// already succeeded the update hook, so every result it builds is OK.
func (cmd *hookPostReceiveCmd) Run(ctx context.Context, g *globalOptions) error {
	a, err := app.Open(g.Config, silog.Nop())
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.ReceiveEngine(ctx, cmd.Project)
	if err != nil {
		return err
	}

	var results []receive.Result
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			continue
		}
		old, new_, ref := fields[0], fields[1], fields[2]

		results = append(results, receive.Result{
			Command:       receive.ReceiveCommand{RefName: ref, OldHash: git.Hash(old), NewHash: git.Hash(new_)},
			Status:        receive.StatusOK,
			IsMagicBranch: strings.HasPrefix(ref, "refs/for/"),
		})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read post-receive input: %w", err)
	}

	engine.PostReceive(ctx, results)
	return nil
}

func accountIDFromEnv() int64 {
	id, err := strconv.ParseInt(os.Getenv(app.AccountIDEnv), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
