// Package receive implements the Receive Pipeline: the pre-receive hook
// that decides, per pushed ref, whether to materialize a Change (magic
// branch) or accept a direct push, and the post-receive hook that fans
// out the side effects of whatever pre-receive accepted.
package receive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gitreview/gitreviewd/internal/audit"
	"github.com/gitreview/gitreviewd/internal/change"
	"github.com/gitreview/gitreviewd/internal/changeid"
	"github.com/gitreview/gitreviewd/internal/changestore"
	"github.com/gitreview/gitreviewd/internal/git"
	"github.com/gitreview/gitreviewd/internal/review"
	"github.com/gitreview/gitreviewd/internal/silog"
)

// Status is the result git reports to the client for one pushed ref.
type Status string

// Statuses a ReceiveCommand can resolve to.
const (
	StatusOK                 Status = "OK"
	StatusRejectedOtherReason Status = "REJECTED_OTHER_REASON"
)

// ReceiveCommand is one line of a push: a ref, its old value, and its
// requested new value.
type ReceiveCommand struct {
	RefName string
	OldHash git.Hash
	NewHash git.Hash
}

// IsDelete reports whether the command deletes RefName.
func (c ReceiveCommand) IsDelete() bool {
	return c.NewHash == git.ZeroHash || c.NewHash == ""
}

// Result is the outcome of running pre-receive on one ReceiveCommand.
type Result struct {
	Command       ReceiveCommand
	Status        Status
	Message       string
	IsMagicBranch bool

	// Change is set when the command targeted refs/for/<branch> and was
	// accepted: the created-or-updated Change.
	Change *change.Change
}

// Policy configures the branch-protection and commit-hygiene rules
// pre-receive enforces on direct pushes, and the Change-Id behavior it
// enforces on magic-branch pushes.
type Policy struct {
	// TrunkBranch is the branch direct pushes are always rejected
	// against, steering the pusher to refs/for/<branch>.
	TrunkBranch string

	// ProtectedRefPrefixes additionally protects any ref whose name has
	// one of these prefixes, beyond TrunkBranch.
	ProtectedRefPrefixes []string

	// MinCommitMessageLength is the minimum trimmed length of a direct
	// push's tip commit message. Defaults to 10 per spec.
	MinCommitMessageLength int

	// AutoChangeID adopts a deterministically generated Change-Id for a
	// magic-branch push whose commit message has none, instead of
	// rejecting the push and asking the client to add one.
	AutoChangeID bool

	// AllowDirectPush permits a direct push to a protected ref (trunk or
	// one of ProtectedRefPrefixes) instead of rejecting it outright.
	// False by default: protected refs only move through refs/for/*.
	AllowDirectPush bool

	// AllowCreates permits a direct push that creates a ref which does
	// not yet exist (OldHash is the zero hash).
	AllowCreates bool

	// AllowDeletes permits a direct push that deletes a ref.
	AllowDeletes bool

	// AllowNonFastForwards permits a direct push whose old value is not
	// an ancestor of its new value.
	AllowNonFastForwards bool
}

// DefaultPolicy returns the baseline Receive Pipeline policy: trunk is
// "trunk", no extra protected prefixes, minimum commit message length
// 10, no server-side auto Change-Id, and the conservative defaults
// spec.md §6 gives the Receive policy options: creates allowed,
// deletes/non-fast-forwards/direct-push-to-protected-refs denied.
func DefaultPolicy() Policy {
	return Policy{
		TrunkBranch:            "trunk",
		MinCommitMessageLength: 10,
		AllowCreates:           true,
	}
}

// Engine runs the Receive Pipeline for a single project.
type Engine struct {
	Repo    *git.Repository
	Store   changestore.Store
	Project string
	Policy  Policy
	Log     *silog.Logger
	Audit   *audit.Logger

	// Labels is the project's configured label set, used to decide
	// which approvals CarryForwardLabels keeps across a new patch set.
	// Nil falls back to review.DefaultLabels().
	Labels map[string]review.LabelConfig
}

func (e *Engine) labels() map[string]review.LabelConfig {
	if e.Labels != nil {
		return e.Labels
	}
	return review.DefaultLabels()
}

func (e *Engine) log() *silog.Logger {
	if e.Log == nil {
		return silog.Nop()
	}
	return e.Log
}

func (e *Engine) audit() *audit.Logger {
	if e.Audit == nil {
		return audit.Nop()
	}
	return e.Audit
}

// PreReceive runs the pre-receive hook over every pushed command,
// returning one Result per command. A rejected command does not prevent
// the others from being evaluated or applied.
func (e *Engine) PreReceive(ctx context.Context, cmds []ReceiveCommand, uploaderAccountID int64, now time.Time) []Result {
	results := make([]Result, len(cmds))
	for i, cmd := range cmds {
		if strings.HasPrefix(cmd.RefName, change.MagicBranchPrefix) {
			results[i] = e.handleMagicBranch(ctx, cmd, uploaderAccountID, now)
		} else {
			results[i] = e.handleDirectPush(ctx, cmd)
		}
	}
	return results
}

// PostReceive runs the post-receive hook over the results of a prior
// PreReceive call, logging the side effects of every accepted command.
// Notification/CI webhook fan-out is external to this server (see
// SPEC_FULL.md's Non-goals); this hook's job is the part that is in
// scope: recording the event and never retroactively failing the push.
func (e *Engine) PostReceive(_ context.Context, results []Result) {
	for _, r := range results {
		if r.Status != StatusOK {
			continue
		}
		if r.IsMagicBranch && r.Change != nil {
			e.log().Info("change updated",
				"project", e.Project,
				"change", r.Change.Key,
				"patch_set", r.Change.CurrentPatchSetNumber(),
				"status", string(r.Change.Status),
			)
		} else {
			e.log().Info("branch updated", "project", e.Project, "ref", r.Command.RefName)
		}
	}
}

func reject(cmd ReceiveCommand, format string, args ...any) Result {
	return Result{Command: cmd, Status: StatusRejectedOtherReason, Message: fmt.Sprintf(format, args...)}
}

func ok(cmd ReceiveCommand, message string) Result {
	return Result{Command: cmd, Status: StatusOK, Message: message}
}

func (e *Engine) handleMagicBranch(ctx context.Context, cmd ReceiveCommand, uploaderAccountID int64, now time.Time) Result {
	target, matched := change.ParseMagicBranch(cmd.RefName)
	if !matched {
		return reject(cmd, "Invalid refs/for/ format")
	}

	message, err := e.Repo.FullMessage(ctx, cmd.NewHash.String())
	if err != nil {
		return reject(cmd, "read commit %s: %v", cmd.NewHash.Short(), err)
	}

	key, found := changeid.Extract(message)
	if !found {
		if !e.Policy.AutoChangeID {
			generated := provisionalChangeID(cmd.NewHash)
			return reject(cmd, "missing Change-Id in commit message; add a line 'Change-Id: %s' and push again", generated)
		}
		key = provisionalChangeID(cmd.NewHash)
	}

	if !changeid.Validate(key) {
		return reject(cmd, "invalid Change-Id format: %q", key)
	}

	result, err := e.upsertChange(ctx, cmd, key, target, message, uploaderAccountID, now)
	if err != nil {
		return reject(cmd, "%v", err)
	}
	return result
}

// upsertChange implements the Change Engine contract: create a new
// Change, or append a patch set to an existing open one targeting the
// same branch.
func (e *Engine) upsertChange(ctx context.Context, cmd ReceiveCommand, key, target, message string, uploaderAccountID int64, now time.Time) (Result, error) {
	existing, err := e.Store.GetChange(ctx, e.Project, key)
	switch {
	case errors.Is(err, changestore.ErrNotFound):
		return e.createChange(ctx, cmd, key, target, message, uploaderAccountID, now)
	case err != nil:
		return Result{}, fmt.Errorf("look up change %s: %w", key, err)
	default:
		if existing.DestBranch != target {
			return Result{}, fmt.Errorf("change %s targets %s, not %s", key, existing.DestBranch, target)
		}
		if existing.Status.Terminal() {
			return Result{}, fmt.Errorf("change %s is %s", key, existing.Status)
		}
		return e.addPatchSet(ctx, cmd, existing, message, uploaderAccountID, now)
	}
}

func (e *Engine) createChange(ctx context.Context, cmd ReceiveCommand, key, target, message string, uploaderAccountID int64, now time.Time) (Result, error) {
	c, err := change.New(key, e.Project, target, change.PatchSet{
		Number:            1,
		CommitID:          cmd.NewHash.String(),
		UploaderAccountID: uploaderAccountID,
		Description:       message,
	}, uploaderAccountID, now)
	if err != nil {
		return Result{}, fmt.Errorf("create change: %w", err)
	}

	if err := e.Store.CreateChange(ctx, c); err != nil {
		return Result{}, fmt.Errorf("persist change %s: %w", key, err)
	}

	PublishSyntheticRef(ctx, e.Repo, e.log(), c, 1)
	e.audit().ChangeCreated(e.Project, c.Key, c.ID, uploaderAccountID)
	return Result{
		Command:       cmd,
		Status:        StatusOK,
		Message:       fmt.Sprintf("New change %s", key),
		IsMagicBranch: true,
		Change:        c,
	}, nil
}

func (e *Engine) addPatchSet(ctx context.Context, cmd ReceiveCommand, c *change.Change, message string, uploaderAccountID int64, now time.Time) (Result, error) {
	if err := c.AddPatchSet(cmd.NewHash.String(), uploaderAccountID, message, now); err != nil {
		return Result{}, fmt.Errorf("add patch set to change %s: %w", c.Key, err)
	}
	review.CarryForwardLabels(c, c.CurrentPatchSetNumber(), review.StickyLabels(e.labels()))

	if err := e.Store.UpdateChange(ctx, c); err != nil {
		return Result{}, fmt.Errorf("persist change %s: %w", c.Key, err)
	}

	PublishSyntheticRef(ctx, e.Repo, e.log(), c, c.CurrentPatchSetNumber())
	e.audit().PatchSetAdded(e.Project, c.Key, c.ID, c.CurrentPatchSetNumber(), uploaderAccountID)
	return Result{
		Command:       cmd,
		Status:        StatusOK,
		Message:       fmt.Sprintf("Updated change %s, patch set %d", c.Key, c.CurrentPatchSetNumber()),
		IsMagicBranch: true,
		Change:        c,
	}, nil
}

// PublishSyntheticRef force-updates the synthetic ref for a patch set
// against repo. Failures are logged and swallowed: the Change document
// is the authoritative record, and a stale or missing synthetic ref is
// reconcilable the next time refs are advertised. Revision Ops that
// mutate a Change outside the push path (internal/gerritcmd's rebase
// and cherry-pick commands) share this with the Receive Pipeline
// rather than duplicating the force-update.
func PublishSyntheticRef(ctx context.Context, repo *git.Repository, log *silog.Logger, c *change.Change, patchSetNumber int) {
	ref, err := change.SyntheticRef(c.Key, patchSetNumber)
	if err != nil {
		log.Warn("cannot compute synthetic ref", "change", c.Key, "error", err)
		return
	}

	var commitID string
	for _, ps := range c.PatchSets {
		if ps.Number == patchSetNumber {
			commitID = ps.CommitID
			break
		}
	}
	if commitID == "" {
		log.Warn("no patch set to publish", "change", c.Key, "patch_set", patchSetNumber)
		return
	}

	if err := repo.SetRef(ctx, git.SetRefRequest{Ref: ref, Hash: git.Hash(commitID)}); err != nil {
		log.Warn("failed to publish synthetic ref", "ref", ref, "error", err)
	}
}

func (e *Engine) handleDirectPush(ctx context.Context, cmd ReceiveCommand) Result {
	if e.isProtected(cmd.RefName) && !e.Policy.AllowDirectPush {
		branch := strings.TrimPrefix(cmd.RefName, "refs/heads/")
		return reject(cmd, "direct push to %s is not allowed; push to refs/for/%s instead", cmd.RefName, branch)
	}

	isCreate := cmd.OldHash == git.ZeroHash || cmd.OldHash == ""
	switch {
	case cmd.IsDelete():
		if !e.Policy.AllowDeletes {
			return reject(cmd, "deleting %s is not allowed", cmd.RefName)
		}
	case isCreate:
		if !e.Policy.AllowCreates {
			return reject(cmd, "creating %s is not allowed", cmd.RefName)
		}
	case !e.Policy.AllowNonFastForwards && !e.Repo.IsAncestor(ctx, cmd.OldHash, cmd.NewHash):
		return reject(cmd, "non-fast-forward updates to %s are not allowed", cmd.RefName)
	}

	if !cmd.IsDelete() {
		message, err := e.Repo.FullMessage(ctx, cmd.NewHash.String())
		if err != nil {
			return reject(cmd, "read commit %s: %v", cmd.NewHash.Short(), err)
		}
		if min := e.minCommitMessageLength(); len(strings.TrimSpace(message)) < min {
			return reject(cmd, "commit message must be at least %d characters", min)
		}
	}

	return ok(cmd, "OK")
}

func (e *Engine) isProtected(ref string) bool {
	branch := strings.TrimPrefix(ref, "refs/heads/")
	if branch == e.Policy.TrunkBranch {
		return true
	}
	for _, prefix := range e.Policy.ProtectedRefPrefixes {
		if strings.HasPrefix(ref, prefix) {
			return true
		}
	}
	return false
}

func (e *Engine) minCommitMessageLength() int {
	if e.Policy.MinCommitMessageLength > 0 {
		return e.Policy.MinCommitMessageLength
	}
	return 10
}

// provisionalChangeID derives a stand-in Change-Id from a commit's own
// hash when its message carries none: deterministic, but never actually
// minted via changeid.Generate (that requires the commit's tree and
// parents, which pre-receive has no cheap access to before the object
// has even landed in the Change Store's view of the world). It gives the
// rejection message a concrete, correctly-shaped id to suggest, and it is
// the key a magic-branch push adopts when Policy.AutoChangeID is set.
func provisionalChangeID(commit git.Hash) string {
	h := string(commit)
	for len(h) < 40 {
		h += "0"
	}
	return "I" + h[:40]
}
