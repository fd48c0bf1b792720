package git

import (
	"context"
	"fmt"
)

// AddWorktreeRequest is a request to create a linked working tree.
type AddWorktreeRequest struct {
	// Path is the directory where the worktree will be created.
	// It must not already exist.
	Path string

	// Commitish is the commit to check out in the new worktree.
	// If empty, HEAD is checked out; unless Detach is set, git then
	// creates a new branch named after the last element of Path.
	Commitish string

	// Detach checks out Commitish without attaching it to a branch.
	Detach bool
}

// AddWorktree creates a new linked working tree for the repository.
//
// This is how the server operates on a commit-ish with real working-tree
// Git commands (such as CherryPick) without ever touching a project's
// bare repository directly: a worktree is created in a scratch
// directory, the operation runs there, and the worktree is removed with
// RemoveWorktree once the resulting commit has been read back out.
func (r *Repository) AddWorktree(ctx context.Context, req AddWorktreeRequest) (*Repository, error) {
	args := []string{"worktree", "add"}
	if req.Detach {
		args = append(args, "--detach")
	}
	args = append(args, req.Path)
	if req.Commitish != "" {
		args = append(args, req.Commitish)
	}

	if err := r.gitCmd(ctx, args...).Run(r.exec); err != nil {
		return nil, fmt.Errorf("git worktree add: %w", err)
	}

	return Open(ctx, req.Path, OpenOptions{Log: r.log, exec: r.exec})
}

// RemoveWorktree removes a linked working tree previously created with
// AddWorktree. The worktree's directory is deleted from disk.
func (r *Repository) RemoveWorktree(ctx context.Context, path string) error {
	if err := r.gitCmd(ctx, "worktree", "remove", "--force", path).Run(r.exec); err != nil {
		return fmt.Errorf("git worktree remove: %w", err)
	}
	return nil
}
