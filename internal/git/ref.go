package git

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// SetRefRequest is a request to set a ref to a new hash.
type SetRefRequest struct {
	// Ref is the name of the ref to set.
	// If the ref is a branch or tag, it should be fully qualified
	// (e.g., "refs/heads/main" or "refs/tags/v1.0").
	Ref string

	// Hash is the hash to set the ref to.
	Hash Hash

	// OldHash, if set, specifies the current value of the ref.
	// The ref will only be updated if it currently points to OldHash.
	// Set this to ZeroHash to ensure that a ref being created
	// does not already exist.
	OldHash Hash
}

// SetRef changes the value of a ref to a new hash.
//
// It optionally allows verifying the current value of the ref
// before updating it.
func (r *Repository) SetRef(ctx context.Context, req SetRefRequest) error {
	// git update-ref <rev> <newvalue> [<oldvalue>]
	args := []string{"update-ref", req.Ref, string(req.Hash)}
	if req.OldHash != "" {
		args = append(args, string(req.OldHash))
	}

	return r.gitCmd(ctx, args...).Run(r.exec)
}

// DeleteRef removes a ref from the repository.
// If oldHash is non-empty, the ref is only deleted if it currently
// points to that hash.
func (r *Repository) DeleteRef(ctx context.Context, ref string, oldHash Hash) error {
	args := []string{"update-ref", "-d", ref}
	if oldHash != "" {
		args = append(args, string(oldHash))
	}
	if err := r.gitCmd(ctx, args...).Run(r.exec); err != nil {
		return fmt.Errorf("git update-ref -d: %w", err)
	}
	return nil
}

// ResolveRef reports the hash that a ref currently points to.
// It returns [ErrNotExist] if the ref does not exist.
func (r *Repository) ResolveRef(ctx context.Context, ref string) (Hash, error) {
	return r.revParse(ctx, ref)
}

// RefInfo is a single entry from ListRefs.
type RefInfo struct {
	// Name is the fully qualified ref name, e.g. "refs/heads/main".
	Name string

	// Hash is the object the ref points to.
	Hash Hash
}

// ListRefs lists refs matching the given patterns (e.g. "refs/changes/").
// If no patterns are given, all refs are listed.
func (r *Repository) ListRefs(ctx context.Context, patterns ...string) ([]RefInfo, error) {
	args := append([]string{"for-each-ref", "--format=%(objectname) %(refname)"}, patterns...)

	cmd := r.gitCmd(ctx, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}

	if err := cmd.Start(r.exec); err != nil {
		return nil, fmt.Errorf("start for-each-ref: %w", err)
	}

	var refs []RefInfo
	scan := bufio.NewScanner(stdout)
	for scan.Scan() {
		line := scan.Text()
		hash, name, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		refs = append(refs, RefInfo{Name: name, Hash: Hash(hash)})
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("scan for-each-ref: %w", err)
	}
	if err := cmd.Wait(r.exec); err != nil {
		return nil, fmt.Errorf("for-each-ref: %w", err)
	}

	return refs, nil
}

// DefaultBranch reports the default branch of a remote.
// The remote must be known to the repository.
func (r *Repository) DefaultBranch(ctx context.Context, remote string) (string, error) {
	ref, err := r.gitCmd(
		ctx, "symbolic-ref", "--short", "refs/remotes/"+remote+"/HEAD").
		OutputString(r.exec)
	if err != nil {
		return "", fmt.Errorf("symbolic-ref: %w", err)
	}

	ref = strings.TrimPrefix(ref, remote+"/")
	return ref, nil
}
