// Package gerritcmd is the invocation surface for the Review Surface
// and Revision Ops: internal/review is deliberately a pure, I/O-free
// state machine and internal/revops takes an already-open repository
// rather than resolving one itself, so neither package gives a caller
// anything to run over SSH. Dispatcher is that missing piece — a
// Gerrit-style "gerrit <subcommand> ..." command line, the same shape
// real Gerrit accepts over its own SSH port, parsed with the same
// github.com/alecthomas/kong grammar cmd/gitreviewd's CLI already
// uses, and applied against the Change Store and a project repository
// opened through the Repository Gateway.
package gerritcmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/gitreview/gitreviewd/internal/accounts"
	"github.com/gitreview/gitreviewd/internal/audit"
	"github.com/gitreview/gitreviewd/internal/change"
	"github.com/gitreview/gitreviewd/internal/changestore"
	"github.com/gitreview/gitreviewd/internal/git"
	"github.com/gitreview/gitreviewd/internal/gitgw"
	"github.com/gitreview/gitreviewd/internal/random"
	"github.com/gitreview/gitreviewd/internal/receive"
	"github.com/gitreview/gitreviewd/internal/review"
	"github.com/gitreview/gitreviewd/internal/revops"
	"github.com/gitreview/gitreviewd/internal/silog"
)

// Dispatcher executes one Gerrit-style command line against the
// Change Store and, for operations that touch the repository, the
// project the target Change belongs to.
type Dispatcher struct {
	Store      changestore.Store
	Gateway    *gitgw.Gateway
	Accounts   *accounts.Directory
	Labels     map[string]review.LabelConfig
	Audit      *audit.Logger
	Log        *silog.Logger
	ScratchDir string // base directory for CherryPick's ephemeral worktrees; defaults to os.TempDir
}

func (d *Dispatcher) log() *silog.Logger {
	if d.Log == nil {
		return silog.Nop()
	}
	return d.Log
}

func (d *Dispatcher) audit() *audit.Logger {
	if d.Audit == nil {
		return audit.Nop()
	}
	return d.Audit
}

func (d *Dispatcher) labels() map[string]review.LabelConfig {
	if d.Labels == nil {
		return review.DefaultLabels()
	}
	return d.Labels
}

func (d *Dispatcher) scratchBase() string {
	if d.ScratchDir != "" {
		return d.ScratchDir
	}
	return os.TempDir()
}

// grammar is the full set of Gerrit-style subcommands this server
// accepts. Field order mirrors the order spec.md's Revision Ops and
// Review Surface sections introduce them.
type grammar struct {
	Review       reviewCmd       `cmd:"" help:"Apply label votes, and optionally a message, to a change."`
	SetReviewers setReviewersCmd `cmd:"" name:"set-reviewers" help:"Add or remove reviewers and CCs on a change."`
	Abandon      abandonCmd      `cmd:"" help:"Abandon a change."`
	Restore      restoreCmd      `cmd:"" help:"Restore an abandoned change."`
	Rebase       rebaseCmd       `cmd:"" help:"Rebase a change's current patch set onto its destination branch."`
	Submit       submitCmd       `cmd:"" help:"Submit (merge) a change into its destination branch."`
	CherryPick   cherryPickCmd   `cmd:"" name:"cherry-pick" help:"Cherry-pick a change's revision onto another branch as a new change."`
	Revert       revertCmd       `cmd:"" help:"Create a new change reverting a merged one."`
	Move         moveCmd         `cmd:"" help:"Move a change to a different destination branch."`
}

// runContext carries the dependencies and per-invocation state every
// subcommand's Run method needs; kong binds it in for us.
type runContext struct {
	ctx    context.Context
	d      *Dispatcher
	actor  review.Account
	stdout io.Writer
	now    time.Time
}

// Run parses and executes one Gerrit-style command line on behalf of
// username, writing success output to stdout. now is the caller's
// notion of the current time, threaded through exactly as
// internal/receive's Engine methods take it, rather than this package
// calling time.Now() itself.
//
// Every mutating subcommand requires username to resolve to a known,
// active account: there is no anonymous voting or abandoning.
func (d *Dispatcher) Run(ctx context.Context, username string, args []string, stdout io.Writer, now time.Time) error {
	actor, ok := d.Accounts.ByUsername(username)
	if !ok || !actor.Active {
		return fmt.Errorf("gerrit: %q is not a known, active account", username)
	}

	var root grammar
	var errBuf strings.Builder
	k, err := kong.New(&root,
		kong.Name("gerrit"),
		kong.Writers(stdout, &errBuf),
		kong.Exit(func(int) {}),
	)
	if err != nil {
		return fmt.Errorf("gerrit: %w", err)
	}

	kctx, err := k.Parse(args)
	if err != nil {
		if msg := strings.TrimSpace(errBuf.String()); msg != "" {
			return errors.New(msg)
		}
		return fmt.Errorf("gerrit: %w", err)
	}

	rc := &runContext{ctx: ctx, d: d, actor: actor, stdout: stdout, now: now}
	if err := kctx.Run(rc); err != nil {
		d.audit().CommandRejected(strings.Join(args, " "), actor.ID, err)
		return err
	}
	return nil
}

// parseChangeArg splits the "<id>[,<patch-set>]" form Gerrit's own ssh
// commands accept. A missing patch-set number is reported as 0; the
// caller substitutes the change's current patch set.
func parseChangeArg(s string) (id int64, revision int, err error) {
	project, rev, _ := strings.Cut(s, ",")
	id, err = strconv.ParseInt(project, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid change id %q", project)
	}
	if rev != "" {
		revision, err = strconv.Atoi(rev)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid patch set number %q", rev)
		}
	}
	return id, revision, nil
}

// parseLabel splits a "--label Label=Value" argument, tolerating
// Gerrit's own "+2" spelling for positive values.
func parseLabel(s string) (label string, value int, err error) {
	label, raw, ok := strings.Cut(s, "=")
	if !ok {
		return "", 0, fmt.Errorf("invalid --label %q: expected Label=Value", s)
	}
	value, err = strconv.Atoi(strings.TrimPrefix(raw, "+"))
	if err != nil {
		return "", 0, fmt.Errorf("invalid --label %q: value must be an integer", s)
	}
	return label, value, nil
}

// addMessage appends a timeline entry to a change's metadata if text
// is non-empty; abandon/restore/review all share this, matching
// Gerrit's own "every mutating command takes an optional --message"
// convention.
func addMessage(c *change.Change, accountID int64, now time.Time, revision int, text string) {
	if text == "" {
		return
	}
	c.Metadata.Messages = append(c.Metadata.Messages, change.Message{
		AccountID:      accountID,
		CreatedOn:      now,
		Text:           text,
		PatchSetNumber: revision,
	})
}

type reviewCmd struct {
	Change  string   `arg:"" help:"Change id, optionally followed by ,<patch-set>."`
	Label   []string `name:"label" help:"Label=Value vote, e.g. Code-Review=+2; repeatable."`
	Message string   `name:"message" short:"m" help:"Message to add to the change's history."`
}

func (cmd *reviewCmd) Run(rc *runContext) error {
	id, revision, err := parseChangeArg(cmd.Change)
	if err != nil {
		return err
	}

	c, err := rc.d.Store.GetChangeByID(rc.ctx, id)
	if err != nil {
		return fmt.Errorf("change %d: %w", id, err)
	}
	if revision == 0 {
		revision = c.CurrentPatchSetNumber()
	}

	votes := make([]review.Vote, 0, len(cmd.Label))
	values := make(map[string]int, len(cmd.Label))
	for _, l := range cmd.Label {
		label, value, err := parseLabel(l)
		if err != nil {
			return err
		}
		votes = append(votes, review.Vote{Label: label, Value: value})
		values[label] = value
	}

	if err := review.Review(c, revision, rc.actor.ID, votes, rc.d.labels()); err != nil {
		return fmt.Errorf("review: %w", err)
	}
	addMessage(c, rc.actor.ID, rc.now, revision, cmd.Message)
	c.LastUpdatedOn = rc.now

	if err := rc.d.Store.UpdateChange(rc.ctx, c); err != nil {
		return fmt.Errorf("review: %w", err)
	}

	rc.d.audit().Reviewed(c.ID, revision, rc.actor.ID, values)
	fmt.Fprintf(rc.stdout, "Updated change %d, patch set %d\n", c.ID, revision)
	return nil
}

type setReviewersCmd struct {
	Change string   `arg:"" help:"Change id."`
	Add    []string `name:"add" help:"Account identifier to add as a reviewer; repeatable."`
	CC     []string `name:"cc" help:"Account identifier to add as a CC; repeatable."`
	Remove []string `name:"remove" help:"Account identifier to remove from reviewers and CCs; repeatable."`
}

func (cmd *setReviewersCmd) Run(rc *runContext) error {
	id, _, err := parseChangeArg(cmd.Change)
	if err != nil {
		return err
	}
	c, err := rc.d.Store.GetChangeByID(rc.ctx, id)
	if err != nil {
		return fmt.Errorf("change %d: %w", id, err)
	}

	candidates := rc.d.Accounts.All()
	if err := cmd.apply(rc, c, candidates); err != nil {
		return err
	}

	if err := rc.d.Store.UpdateChange(rc.ctx, c); err != nil {
		return fmt.Errorf("set-reviewers: %w", err)
	}
	fmt.Fprintf(rc.stdout, "Updated reviewers on change %d\n", c.ID)
	return nil
}

func (cmd *setReviewersCmd) apply(rc *runContext, c *change.Change, candidates []review.Account) error {
	for _, ident := range cmd.Add {
		if err := addReviewer(rc, c, ident, change.ReviewerStateReviewer, candidates); err != nil {
			return err
		}
	}
	for _, ident := range cmd.CC {
		if err := addReviewer(rc, c, ident, change.ReviewerStateCC, candidates); err != nil {
			return err
		}
	}
	for _, ident := range cmd.Remove {
		acct, _ := review.ResolveAccount(ident, candidates)
		if err := review.RemoveReviewer(c, ident, candidates); err != nil {
			return fmt.Errorf("remove reviewer %q: %w", ident, err)
		}
		rc.d.audit().ReviewerRemoved(c.ID, acct.ID, rc.actor.ID)
	}
	return nil
}

func addReviewer(rc *runContext, c *change.Change, ident string, state change.ReviewerState, candidates []review.Account) error {
	acct, _ := review.ResolveAccount(ident, candidates)
	if err := review.AddReviewer(c, ident, state, candidates); err != nil {
		if errors.Is(err, review.AlreadyAdded) {
			return nil
		}
		return fmt.Errorf("add reviewer %q: %w", ident, err)
	}
	rc.d.audit().ReviewerAdded(c.ID, acct.ID, string(state), rc.actor.ID)
	return nil
}

type abandonCmd struct {
	Change  string `arg:"" help:"Change id."`
	Message string `name:"message" short:"m" help:"Reason for abandoning."`
}

func (cmd *abandonCmd) Run(rc *runContext) error {
	id, _, err := parseChangeArg(cmd.Change)
	if err != nil {
		return err
	}
	c, err := rc.d.Store.GetChangeByID(rc.ctx, id)
	if err != nil {
		return fmt.Errorf("change %d: %w", id, err)
	}

	from := string(c.Status)
	if err := c.Abandon(rc.now); err != nil {
		return fmt.Errorf("abandon: %w", err)
	}
	addMessage(c, rc.actor.ID, rc.now, c.CurrentPatchSetNumber(), cmd.Message)

	if err := rc.d.Store.UpdateChange(rc.ctx, c); err != nil {
		return fmt.Errorf("abandon: %w", err)
	}

	rc.d.audit().StatusChanged(c.ID, from, string(c.Status), rc.actor.ID)
	fmt.Fprintf(rc.stdout, "Change %d abandoned\n", c.ID)
	return nil
}

type restoreCmd struct {
	Change  string `arg:"" help:"Change id."`
	Message string `name:"message" short:"m" help:"Reason for restoring."`
}

func (cmd *restoreCmd) Run(rc *runContext) error {
	id, _, err := parseChangeArg(cmd.Change)
	if err != nil {
		return err
	}
	c, err := rc.d.Store.GetChangeByID(rc.ctx, id)
	if err != nil {
		return fmt.Errorf("change %d: %w", id, err)
	}

	from := string(c.Status)
	if err := c.Restore(rc.now); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	addMessage(c, rc.actor.ID, rc.now, c.CurrentPatchSetNumber(), cmd.Message)

	if err := rc.d.Store.UpdateChange(rc.ctx, c); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	rc.d.audit().StatusChanged(c.ID, from, string(c.Status), rc.actor.ID)
	fmt.Fprintf(rc.stdout, "Change %d restored\n", c.ID)
	return nil
}

type rebaseCmd struct {
	Change string `arg:"" help:"Change id."`
}

func (cmd *rebaseCmd) Run(rc *runContext) error {
	id, _, err := parseChangeArg(cmd.Change)
	if err != nil {
		return err
	}
	c, err := rc.d.Store.GetChangeByID(rc.ctx, id)
	if err != nil {
		return fmt.Errorf("change %d: %w", id, err)
	}

	repo, err := rc.d.Gateway.Open(rc.ctx, c.ProjectName)
	if err != nil {
		return fmt.Errorf("rebase: %w", err)
	}

	before := c.CurrentPatchSetNumber()
	if err := revops.Rebase(rc.ctx, repo, c, rc.now); err != nil {
		return fmt.Errorf("rebase: %w", err)
	}

	if err := rc.d.Store.UpdateChange(rc.ctx, c); err != nil {
		return fmt.Errorf("rebase: %w", err)
	}

	after := c.CurrentPatchSetNumber()
	if after != before {
		receive.PublishSyntheticRef(rc.ctx, repo, rc.d.log(), c, after)
	}
	rc.d.audit().Rebased(c.ID, after, rc.actor.ID)
	fmt.Fprintf(rc.stdout, "Change %d rebased as patch set %d\n", c.ID, after)
	return nil
}

type submitCmd struct {
	Change string `arg:"" help:"Change id."`
}

func (cmd *submitCmd) Run(rc *runContext) error {
	id, _, err := parseChangeArg(cmd.Change)
	if err != nil {
		return err
	}
	c, err := rc.d.Store.GetChangeByID(rc.ctx, id)
	if err != nil {
		return fmt.Errorf("change %d: %w", id, err)
	}

	repo, err := rc.d.Gateway.Open(rc.ctx, c.ProjectName)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	from := string(c.Status)
	if err := revops.Submit(rc.ctx, repo, c, rc.now); err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	if err := rc.d.Store.UpdateChange(rc.ctx, c); err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	rc.d.audit().StatusChanged(c.ID, from, string(c.Status), rc.actor.ID)
	fmt.Fprintf(rc.stdout, "Change %d submitted\n", c.ID)
	return nil
}

type cherryPickCmd struct {
	Change      string `arg:"" help:"Change id, optionally followed by ,<patch-set>."`
	Destination string `name:"destination" required:"" help:"Destination branch for the new change."`
	Message     string `name:"message" short:"m" help:"Commit message for the cherry-pick; defaults to the source subject."`
}

func (cmd *cherryPickCmd) Run(rc *runContext) error {
	id, revision, err := parseChangeArg(cmd.Change)
	if err != nil {
		return err
	}
	src, err := rc.d.Store.GetChangeByID(rc.ctx, id)
	if err != nil {
		return fmt.Errorf("change %d: %w", id, err)
	}
	if revision == 0 {
		revision = src.CurrentPatchSetNumber()
	}

	repo, err := rc.d.Gateway.Open(rc.ctx, src.ProjectName)
	if err != nil {
		return fmt.Errorf("cherry-pick: %w", err)
	}

	scratch := filepath.Join(rc.d.scratchBase(), fmt.Sprintf("cherry-pick-%d-%d-%s", src.ID, rc.now.UnixNano(), random.Alnum(8)))
	cp, err := revops.CherryPick(rc.ctx, repo, src, revision, cmd.Destination, cmd.Message, rc.actor.ID, scratch, rc.now)
	if err != nil {
		return fmt.Errorf("cherry-pick: %w", err)
	}

	if err := rc.d.Store.CreateChange(rc.ctx, cp); err != nil {
		return fmt.Errorf("cherry-pick: %w", err)
	}

	receive.PublishSyntheticRef(rc.ctx, repo, rc.d.log(), cp, 1)
	rc.d.audit().CherryPicked(src.ID, cp.ID, cmd.Destination, rc.actor.ID)
	fmt.Fprintf(rc.stdout, "New change %d created as a cherry-pick of change %d\n", cp.ID, src.ID)
	return nil
}

type revertCmd struct {
	Change  string `arg:"" help:"Change id."`
	Message string `name:"message" short:"m" help:"Commit message for the revert; defaults to Revert \"<subject>\"."`
	Topic   string `name:"topic" help:"Topic to attach to the new change."`
}

func (cmd *revertCmd) Run(rc *runContext) error {
	id, _, err := parseChangeArg(cmd.Change)
	if err != nil {
		return err
	}
	src, err := rc.d.Store.GetChangeByID(rc.ctx, id)
	if err != nil {
		return fmt.Errorf("change %d: %w", id, err)
	}
	if src.MergeCommitID == "" {
		return fmt.Errorf("revert: change %d has no recorded merge commit", id)
	}

	repo, err := rc.d.Gateway.Open(rc.ctx, src.ProjectName)
	if err != nil {
		return fmt.Errorf("revert: %w", err)
	}

	rv, err := revops.Revert(rc.ctx, repo, src, git.Hash(src.MergeCommitID), cmd.Message, cmd.Topic, rc.actor.ID, rc.now)
	if err != nil {
		return fmt.Errorf("revert: %w", err)
	}

	if err := rc.d.Store.CreateChange(rc.ctx, rv); err != nil {
		return fmt.Errorf("revert: %w", err)
	}

	receive.PublishSyntheticRef(rc.ctx, repo, rc.d.log(), rv, 1)
	rc.d.audit().Reverted(src.ID, rv.ID, rc.actor.ID)
	fmt.Fprintf(rc.stdout, "New change %d created reverting change %d\n", rv.ID, src.ID)
	return nil
}

type moveCmd struct {
	Change string `arg:"" help:"Change id."`
	Branch string `name:"branch" required:"" help:"New destination branch."`
}

func (cmd *moveCmd) Run(rc *runContext) error {
	id, _, err := parseChangeArg(cmd.Change)
	if err != nil {
		return err
	}
	c, err := rc.d.Store.GetChangeByID(rc.ctx, id)
	if err != nil {
		return fmt.Errorf("change %d: %w", id, err)
	}

	from := c.DestBranch
	if err := revops.Move(c, cmd.Branch, rc.now); err != nil {
		return fmt.Errorf("move: %w", err)
	}

	if err := rc.d.Store.UpdateChange(rc.ctx, c); err != nil {
		return fmt.Errorf("move: %w", err)
	}

	rc.d.audit().Moved(c.ID, from, cmd.Branch, rc.actor.ID)
	fmt.Fprintf(rc.stdout, "Change %d moved to %s\n", c.ID, cmd.Branch)
	return nil
}
