package git

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// CountObjects reports how many objects are reachable from wants but not
// from haves, via 'git rev-list --objects --count'. The Upload Pipeline
// uses this to estimate a pack's size before building it: wants with no
// haves estimates a full clone, wants with haves estimates a fetch.
func (r *Repository) CountObjects(ctx context.Context, wants, haves []Hash) (int, error) {
	args := []string{"rev-list", "--objects", "--count"}
	for _, want := range wants {
		args = append(args, string(want))
	}
	for _, have := range haves {
		args = append(args, "^"+string(have))
	}

	out, err := r.gitCmd(ctx, args...).OutputString(r.exec)
	if err != nil {
		return 0, fmt.Errorf("rev-list: %w", err)
	}

	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("rev-list: parse count %q: %w", out, err)
	}
	return n, nil
}
