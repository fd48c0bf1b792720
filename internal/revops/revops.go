// Package revops implements the Revision Ops: rebase, submit, cherry-pick,
// revert, and move. Each operation takes a Change plus the open
// Repository its patch sets live in, and returns either an updated
// Change (the same one, for in-place transitions) or a newly created
// one (cherry-pick, revert), leaving persistence to the caller.
package revops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gitreview/gitreviewd/internal/change"
	"github.com/gitreview/gitreviewd/internal/changeid"
	"github.com/gitreview/gitreviewd/internal/git"
)

// ConflictError is returned by Rebase and Submit when the merge could
// not be completed automatically.
type ConflictError struct {
	Op  string
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revops: %s: conflict: %v", e.Op, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// ErrNotOpen is returned by operations that require a Change to be NEW.
var ErrNotOpen = errors.New("revops: change is not open")

// ErrNotMerged is returned by Revert when the source Change is not
// MERGED.
var ErrNotMerged = errors.New("revops: change is not merged")

// sig is the identity the server commits as when it creates merge and
// rebase commits on a project's behalf.
var sig = git.Signature{Name: "gitreviewd", Email: "gitreviewd@localhost"}

// Rebase replays the Change's current patch set onto the tip of its
// destination branch, appending a new patch set with the rebased
// commit on success.
//
// Preconditions: c.Status == NEW and c has at least one patch set.
func Rebase(ctx context.Context, repo *git.Repository, c *change.Change, now time.Time) error {
	if c.Status != change.StatusNew {
		return ErrNotOpen
	}

	destTip, err := repo.PeelToCommit(ctx, "refs/heads/"+c.DestBranch)
	if err != nil {
		return fmt.Errorf("revops: rebase: resolve %s: %w", c.DestBranch, err)
	}

	ps := c.CurrentPatchSet()
	tree, err := repo.MergeTree(ctx, git.MergeTreeRequest{
		Branch1: ps.CommitID,
		Branch2: destTip.String(),
	})
	if err != nil {
		var conflict *git.MergeTreeConflictError
		if errors.As(err, &conflict) {
			return &ConflictError{Op: "rebase", Err: conflict}
		}
		return fmt.Errorf("revops: rebase: merge-tree: %w", err)
	}

	commit, err := repo.CommitTree(ctx, git.CommitTreeRequest{
		Tree:      tree,
		Message:   c.Subject,
		Parents:   []git.Hash{destTip},
		Author:    &sig,
		Committer: &sig,
	})
	if err != nil {
		return fmt.Errorf("revops: rebase: commit-tree: %w", err)
	}

	if err := c.AddPatchSet(commit.String(), c.OwnerAccountID, c.Subject, now); err != nil {
		return fmt.Errorf("revops: rebase: %w", err)
	}
	return nil
}

// Submit merges the Change's current patch set into its destination
// branch, advancing the branch and transitioning the Change to MERGED.
//
// Preconditions: c.Status == NEW.
func Submit(ctx context.Context, repo *git.Repository, c *change.Change, now time.Time) error {
	if c.Status != change.StatusNew {
		return ErrNotOpen
	}

	destRef := "refs/heads/" + c.DestBranch
	destTip, err := repo.PeelToCommit(ctx, destRef)
	if err != nil {
		return fmt.Errorf("revops: submit: resolve %s: %w", c.DestBranch, err)
	}

	ps := c.CurrentPatchSet()
	tree, err := repo.MergeTree(ctx, git.MergeTreeRequest{
		Branch1: destTip.String(),
		Branch2: ps.CommitID,
	})
	if err != nil {
		var conflict *git.MergeTreeConflictError
		if errors.As(err, &conflict) {
			return &ConflictError{Op: "submit", Err: conflict}
		}
		return fmt.Errorf("revops: submit: merge-tree: %w", err)
	}

	message := fmt.Sprintf("Merge change %s: %s", c.Key, c.Subject)
	commit, err := repo.CommitTree(ctx, git.CommitTreeRequest{
		Tree:      tree,
		Message:   message,
		Parents:   []git.Hash{destTip, git.Hash(ps.CommitID)},
		Author:    &sig,
		Committer: &sig,
	})
	if err != nil {
		return fmt.Errorf("revops: submit: commit-tree: %w", err)
	}

	if err := repo.SetRef(ctx, git.SetRefRequest{
		Ref:     destRef,
		Hash:    commit,
		OldHash: destTip,
	}); err != nil {
		return fmt.Errorf("revops: submit: update-ref: %w", err)
	}

	c.MergeCommitID = commit.String()
	return c.Merge(now)
}

// CherryPick creates a brand new Change, in the same project, targeting
// destination, whose single patch set is the given source Change's
// revision replayed onto destination's tip via an ephemeral worktree
// (the only Revision Op that needs a real working tree, since
// git-cherry-pick has no headless, worktree-free form).
//
// message, if empty, defaults to the source Change's subject.
func CherryPick(ctx context.Context, repo *git.Repository, src *change.Change, revision int, destination, message string, ownerAccountID int64, scratchDir string, now time.Time) (*change.Change, error) {
	ps, err := patchSetByNumber(src, revision)
	if err != nil {
		return nil, fmt.Errorf("revops: cherry-pick: %w", err)
	}

	destTip, err := repo.PeelToCommit(ctx, "refs/heads/"+destination)
	if err != nil {
		return nil, fmt.Errorf("revops: cherry-pick: resolve %s: %w", destination, err)
	}

	wt, err := repo.AddWorktree(ctx, git.AddWorktreeRequest{
		Path:      scratchDir,
		Commitish: destTip.String(),
		Detach:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("revops: cherry-pick: add worktree: %w", err)
	}
	defer func() { _ = repo.RemoveWorktree(ctx, scratchDir) }()

	if err := wt.CherryPick(ctx, git.CherryPickRequest{
		Commits: []git.Hash{git.Hash(ps.CommitID)},
	}); err != nil {
		var interrupted *git.CherryPickInterruptedError
		if errors.As(err, &interrupted) {
			return nil, &ConflictError{Op: "cherry-pick", Err: interrupted}
		}
		return nil, fmt.Errorf("revops: cherry-pick: %w", err)
	}

	newTip, err := wt.ResolveRef(ctx, "HEAD")
	if err != nil {
		return nil, fmt.Errorf("revops: cherry-pick: resolve new HEAD: %w", err)
	}

	if message == "" {
		message = src.Subject
	}

	key, err := newChangeKey(ctx, wt, newTip, []git.Hash{destTip}, now)
	if err != nil {
		return nil, fmt.Errorf("revops: cherry-pick: %w", err)
	}

	return change.New(key, src.ProjectName, destination, change.PatchSet{
		Number:      1,
		CommitID:    newTip.String(),
		Description: message,
	}, ownerAccountID, now)
}

// Revert creates a new NEW Change on the same branch as a MERGED source
// Change, whose patch set reverts the source's merge commit.
//
// message, if empty, defaults to `Revert "<source subject>"`.
func Revert(ctx context.Context, repo *git.Repository, src *change.Change, mergeCommit git.Hash, message, topic string, ownerAccountID int64, now time.Time) (*change.Change, error) {
	if src.Status != change.StatusMerged {
		return nil, ErrNotMerged
	}

	destRef := "refs/heads/" + src.DestBranch
	parent, err := repo.PeelToCommit(ctx, destRef)
	if err != nil {
		return nil, fmt.Errorf("revops: revert: resolve %s: %w", src.DestBranch, err)
	}

	tree, err := repo.MergeTree(ctx, git.MergeTreeRequest{
		Branch1:   mergeCommit.String() + "^",
		Branch2:   parent.String(),
		MergeBase: mergeCommit.String(),
	})
	if err != nil {
		var conflict *git.MergeTreeConflictError
		if errors.As(err, &conflict) {
			return nil, &ConflictError{Op: "revert", Err: conflict}
		}
		return nil, fmt.Errorf("revops: revert: merge-tree: %w", err)
	}

	if message == "" {
		message = fmt.Sprintf("Revert %q", src.Subject)
	}

	commit, err := repo.CommitTree(ctx, git.CommitTreeRequest{
		Tree:      tree,
		Message:   message,
		Parents:   []git.Hash{parent},
		Author:    &sig,
		Committer: &sig,
	})
	if err != nil {
		return nil, fmt.Errorf("revops: revert: commit-tree: %w", err)
	}

	key, err := newChangeKey(ctx, repo, commit, []git.Hash{parent}, now)
	if err != nil {
		return nil, fmt.Errorf("revops: revert: %w", err)
	}

	c, err := change.New(key, src.ProjectName, src.DestBranch, change.PatchSet{
		Number:      1,
		CommitID:    commit.String(),
		Description: message,
	}, ownerAccountID, now)
	if err != nil {
		return nil, err
	}
	c.Topic = topic
	return c, nil
}

// Move changes a Change's destination branch in place.
//
// Preconditions: c.Status == NEW.
func Move(c *change.Change, newBranch string, now time.Time) error {
	return c.Move(newBranch, now)
}

func patchSetByNumber(c *change.Change, number int) (change.PatchSet, error) {
	for _, ps := range c.PatchSets {
		if ps.Number == number {
			return ps, nil
		}
	}
	return change.PatchSet{}, fmt.Errorf("no patch set %d on change %s", number, c.Key)
}

// newChangeKey generates a fresh Change-Id for a commit this package
// creates on the server's own behalf (cherry-pick, revert): the new
// commit never had a Change-Id footer to extract, so one is minted
// straight from its tree and parents.
func newChangeKey(ctx context.Context, repo *git.Repository, commit git.Hash, parents []git.Hash, now time.Time) (string, error) {
	tree, err := repo.PeelToTree(ctx, commit.String())
	if err != nil {
		return "", fmt.Errorf("resolve tree for %v: %w", commit, err)
	}

	parentIDs := make([]string, len(parents))
	for i, p := range parents {
		parentIDs[i] = p.String()
	}

	who := changeid.Signature{Name: sig.Name, Email: sig.Email, Time: now}
	return changeid.Generate(tree.String(), parentIDs, who, who, ""), nil
}
