package git

import (
	"context"
	"fmt"
)

// GC runs 'git gc' against the repository, compacting loose objects and
// pruning ones that are no longer reachable from any ref. Synthetic refs
// keep a patch set's commit reachable for as long as the ref exists, so
// running GC after CleanupReferences removes dangling synthetic refs is
// what actually reclaims their objects.
func (r *Repository) GC(ctx context.Context) error {
	if err := r.gitCmd(ctx, "gc", "--quiet").Run(r.exec); err != nil {
		return fmt.Errorf("git gc: %w", err)
	}
	return nil
}
