package git_test

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitreview/gitreviewd/internal/git"
)

var sig = &git.Signature{Name: "tester", Email: "tester@example.com"}

func newRepo(t *testing.T, bare bool) *git.Repository {
	t.Helper()
	repo, err := git.Init(context.Background(), t.TempDir(), git.InitOptions{Branch: "main", Bare: bare})
	require.NoError(t, err)
	return repo
}

func writeBlob(t *testing.T, repo *git.Repository, content string) git.Hash {
	t.Helper()
	hash, err := repo.WriteObject(context.Background(), git.BlobType, strings.NewReader(content))
	require.NoError(t, err)
	return hash
}

func TestInitAndOpen(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.Init(context.Background(), dir, git.InitOptions{Branch: "main", Bare: true})
	require.NoError(t, err)
	assert.True(t, repo.IsBare())

	reopened, err := git.Open(context.Background(), dir, git.OpenOptions{})
	require.NoError(t, err)
	assert.True(t, reopened.IsBare())
}

func TestWriteAndReadObject(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, true)

	hash := writeBlob(t, repo, "hello\n")

	var buf strings.Builder
	require.NoError(t, repo.ReadObject(ctx, git.BlobType, hash, &buf))
	assert.Equal(t, "hello\n", buf.String())
}

func TestMakeTreeAndCommitTree(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, true)

	blob := writeBlob(t, repo, "hello\n")
	tree, err := repo.MakeTree(ctx, slices.Values([]git.TreeEntry{
		{Mode: git.RegularMode, Type: git.BlobType, Hash: blob, Name: "a.txt"},
	}))
	require.NoError(t, err)

	commit, err := repo.CommitTree(ctx, git.CommitTreeRequest{
		Tree:      tree,
		Message:   "initial",
		Author:    sig,
		Committer: sig,
	})
	require.NoError(t, err)
	assert.False(t, commit.IsZero())

	gotTree, err := repo.PeelToTree(ctx, commit.String())
	require.NoError(t, err)
	assert.Equal(t, tree, gotTree)
}

func TestUpdateTree(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, true)

	aBlob := writeBlob(t, repo, "a\n")
	base, err := repo.MakeTree(ctx, slices.Values([]git.TreeEntry{
		{Mode: git.RegularMode, Type: git.BlobType, Hash: aBlob, Name: "a.txt"},
	}))
	require.NoError(t, err)

	bBlob := writeBlob(t, repo, "b\n")
	updated, err := repo.UpdateTree(ctx, git.UpdateTreeRequest{
		Tree:   base,
		Writes: slices.Values([]git.BlobInfo{{Mode: git.RegularMode, Hash: bBlob, Path: "b.txt"}}),
	})
	require.NoError(t, err)
	assert.NotEqual(t, base, updated)
}

func TestSetRefAndResolveRef(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, true)

	tree, err := repo.MakeTree(ctx, slices.Values([]git.TreeEntry(nil)))
	require.NoError(t, err)
	commit, err := repo.CommitTree(ctx, git.CommitTreeRequest{Tree: tree, Message: "root", Author: sig, Committer: sig})
	require.NoError(t, err)

	require.NoError(t, repo.SetRef(ctx, git.SetRefRequest{
		Ref:     "refs/heads/main",
		Hash:    commit,
		OldHash: git.ZeroHash,
	}))

	got, err := repo.ResolveRef(ctx, "refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, commit, got)

	t.Run("rejectsStaleOldHash", func(t *testing.T) {
		other, err := repo.CommitTree(ctx, git.CommitTreeRequest{Tree: tree, Message: "other", Parents: []git.Hash{commit}, Author: sig, Committer: sig})
		require.NoError(t, err)

		err = repo.SetRef(ctx, git.SetRefRequest{Ref: "refs/heads/main", Hash: other, OldHash: git.ZeroHash})
		assert.Error(t, err)
	})
}

func TestMergeTree_conflict(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, true)

	baseBlob := writeBlob(t, repo, "base\n")
	baseTree, err := repo.MakeTree(ctx, slices.Values([]git.TreeEntry{
		{Mode: git.RegularMode, Type: git.BlobType, Hash: baseBlob, Name: "a.txt"},
	}))
	require.NoError(t, err)
	root, err := repo.CommitTree(ctx, git.CommitTreeRequest{Tree: baseTree, Message: "root", Author: sig, Committer: sig})
	require.NoError(t, err)

	leftBlob := writeBlob(t, repo, "left\n")
	leftTree, err := repo.UpdateTree(ctx, git.UpdateTreeRequest{
		Tree:   baseTree,
		Writes: slices.Values([]git.BlobInfo{{Mode: git.RegularMode, Hash: leftBlob, Path: "a.txt"}}),
	})
	require.NoError(t, err)
	left, err := repo.CommitTree(ctx, git.CommitTreeRequest{Tree: leftTree, Message: "left", Parents: []git.Hash{root}, Author: sig, Committer: sig})
	require.NoError(t, err)

	rightBlob := writeBlob(t, repo, "right\n")
	rightTree, err := repo.UpdateTree(ctx, git.UpdateTreeRequest{
		Tree:   baseTree,
		Writes: slices.Values([]git.BlobInfo{{Mode: git.RegularMode, Hash: rightBlob, Path: "a.txt"}}),
	})
	require.NoError(t, err)
	right, err := repo.CommitTree(ctx, git.CommitTreeRequest{Tree: rightTree, Message: "right", Parents: []git.Hash{root}, Author: sig, Committer: sig})
	require.NoError(t, err)

	_, err = repo.MergeTree(ctx, git.MergeTreeRequest{Branch1: left.String(), Branch2: right.String()})
	var conflict *git.MergeTreeConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, slices.Collect(conflict.Filenames()), "a.txt")
}

func TestWorktreeAndCherryPick(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, true)

	baseTree, err := repo.MakeTree(ctx, slices.Values([]git.TreeEntry(nil)))
	require.NoError(t, err)
	root, err := repo.CommitTree(ctx, git.CommitTreeRequest{Tree: baseTree, Message: "root", Author: sig, Committer: sig})
	require.NoError(t, err)
	require.NoError(t, repo.SetRef(ctx, git.SetRefRequest{Ref: "refs/heads/main", Hash: root, OldHash: git.ZeroHash}))

	fBlob := writeBlob(t, repo, "feature\n")
	fTree, err := repo.UpdateTree(ctx, git.UpdateTreeRequest{
		Tree:   baseTree,
		Writes: slices.Values([]git.BlobInfo{{Mode: git.RegularMode, Hash: fBlob, Path: "feature.txt"}}),
	})
	require.NoError(t, err)
	feature, err := repo.CommitTree(ctx, git.CommitTreeRequest{Tree: fTree, Message: "feature", Parents: []git.Hash{root}, Author: sig, Committer: sig})
	require.NoError(t, err)

	wt, err := repo.AddWorktree(ctx, git.AddWorktreeRequest{Path: t.TempDir() + "/wt", Commitish: root.String(), Detach: true})
	require.NoError(t, err)

	require.NoError(t, wt.CherryPick(ctx, git.CherryPickRequest{Commits: []git.Hash{feature}}))

	newHead, err := wt.ResolveRef(ctx, "HEAD")
	require.NoError(t, err)
	assert.NotEqual(t, root, newHead)
}
