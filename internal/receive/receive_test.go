package receive_test

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitreview/gitreviewd/internal/change"
	"github.com/gitreview/gitreviewd/internal/changestore"
	"github.com/gitreview/gitreviewd/internal/git"
	"github.com/gitreview/gitreviewd/internal/receive"
	"github.com/gitreview/gitreviewd/internal/review"
)

var sig = &git.Signature{Name: "tester", Email: "tester@example.com"}

const changeKeyA = "I" + "1111111111111111111111111111111111111111"

// newRepo creates a bare repository with a root commit on "main".
func newRepo(t *testing.T) (*git.Repository, git.Hash) {
	t.Helper()
	ctx := context.Background()

	repo, err := git.Init(ctx, t.TempDir(), git.InitOptions{Branch: "main", Bare: true})
	require.NoError(t, err)

	tree, err := repo.MakeTree(ctx, slices.Values([]git.TreeEntry(nil)))
	require.NoError(t, err)
	root, err := repo.CommitTree(ctx, git.CommitTreeRequest{Tree: tree, Message: "root", Author: sig, Committer: sig})
	require.NoError(t, err)

	require.NoError(t, repo.SetRef(ctx, git.SetRefRequest{Ref: "refs/heads/main", Hash: root, OldHash: git.ZeroHash}))
	return repo, root
}

func commitWithMessage(t *testing.T, repo *git.Repository, parent git.Hash, path, content, message string) git.Hash {
	t.Helper()
	ctx := context.Background()

	baseTree, err := repo.PeelToTree(ctx, parent.String())
	require.NoError(t, err)

	blob, err := repo.WriteObject(ctx, git.BlobType, strings.NewReader(content))
	require.NoError(t, err)

	tree, err := repo.UpdateTree(ctx, git.UpdateTreeRequest{
		Tree:   baseTree,
		Writes: slices.Values([]git.BlobInfo{{Mode: git.RegularMode, Hash: blob, Path: path}}),
	})
	require.NoError(t, err)

	commit, err := repo.CommitTree(ctx, git.CommitTreeRequest{
		Tree:      tree,
		Message:   message,
		Parents:   []git.Hash{parent},
		Author:    sig,
		Committer: sig,
	})
	require.NoError(t, err)
	return commit
}

func newEngine(t *testing.T, repo *git.Repository) *receive.Engine {
	t.Helper()
	return &receive.Engine{
		Repo:    repo,
		Store:   changestore.NewMemStore(),
		Project: "demo",
		Policy:  receive.DefaultPolicy(),
	}
}

func TestPreReceive_magicBranchCreatesChange(t *testing.T) {
	ctx := context.Background()
	repo, root := newRepo(t)
	e := newEngine(t, repo)

	commit := commitWithMessage(t, repo, root, "a.txt", "feature\n",
		fmt.Sprintf("Do feature\n\nChange-Id: %s\n", changeKeyA))

	results := e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/for/main", OldHash: git.ZeroHash, NewHash: commit},
	}, 1, time.Now())

	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, receive.StatusOK, r.Status)
	require.NotNil(t, r.Change)
	assert.Equal(t, changeKeyA, r.Change.Key)
	assert.Equal(t, "main", r.Change.DestBranch)
	assert.Equal(t, 1, r.Change.CurrentPatchSetNumber())

	stored, err := e.Store.GetChange(ctx, "demo", changeKeyA)
	require.NoError(t, err)
	assert.Equal(t, commit.String(), stored.CurrentPatchSet().CommitID)

	ref, err := change.SyntheticRef(changeKeyA, 1)
	require.NoError(t, err)
	got, err := repo.ResolveRef(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, commit, got)
}

func TestPreReceive_magicBranchAddsPatchSet(t *testing.T) {
	ctx := context.Background()
	repo, root := newRepo(t)
	e := newEngine(t, repo)

	first := commitWithMessage(t, repo, root, "a.txt", "v1\n",
		fmt.Sprintf("Do feature\n\nChange-Id: %s\n", changeKeyA))
	e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/for/main", OldHash: git.ZeroHash, NewHash: first},
	}, 1, time.Now())

	second := commitWithMessage(t, repo, root, "a.txt", "v2\n",
		fmt.Sprintf("Do feature\n\nChange-Id: %s\n", changeKeyA))
	results := e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/for/main", OldHash: git.ZeroHash, NewHash: second},
	}, 1, time.Now())

	require.Len(t, results, 1)
	assert.Equal(t, receive.StatusOK, results[0].Status)
	assert.Equal(t, 2, results[0].Change.CurrentPatchSetNumber())
}

func TestPreReceive_magicBranchClearsNonStickyVotesOnNewPatchSet(t *testing.T) {
	ctx := context.Background()
	repo, root := newRepo(t)
	e := newEngine(t, repo)

	first := commitWithMessage(t, repo, root, "a.txt", "v1\n",
		fmt.Sprintf("Do feature\n\nChange-Id: %s\n", changeKeyA))
	e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/for/main", OldHash: git.ZeroHash, NewHash: first},
	}, 1, time.Now())

	stored, err := e.Store.GetChange(ctx, "demo", changeKeyA)
	require.NoError(t, err)
	stored.SetApproval(change.Approval{Label: "Code-Review", Value: 2, AccountID: 2, Revision: 1})
	require.NoError(t, e.Store.UpdateChange(ctx, stored))

	second := commitWithMessage(t, repo, root, "a.txt", "v2\n",
		fmt.Sprintf("Do feature\n\nChange-Id: %s\n", changeKeyA))
	results := e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/for/main", OldHash: git.ZeroHash, NewHash: second},
	}, 1, time.Now())

	require.Len(t, results, 1)
	assert.Equal(t, receive.StatusOK, results[0].Status)
	assert.Empty(t, results[0].Change.Approvals, "non-sticky votes should not survive a new patch set")
}

func TestPreReceive_magicBranchKeepsStickyVotesOnNewPatchSet(t *testing.T) {
	ctx := context.Background()
	repo, root := newRepo(t)
	e := newEngine(t, repo)
	e.Labels = map[string]review.LabelConfig{
		"Code-Review": {MinValue: -2, MaxValue: 2, Sticky: true},
	}

	first := commitWithMessage(t, repo, root, "a.txt", "v1\n",
		fmt.Sprintf("Do feature\n\nChange-Id: %s\n", changeKeyA))
	e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/for/main", OldHash: git.ZeroHash, NewHash: first},
	}, 1, time.Now())

	stored, err := e.Store.GetChange(ctx, "demo", changeKeyA)
	require.NoError(t, err)
	stored.SetApproval(change.Approval{Label: "Code-Review", Value: 2, AccountID: 2, Revision: 1})
	require.NoError(t, e.Store.UpdateChange(ctx, stored))

	second := commitWithMessage(t, repo, root, "a.txt", "v2\n",
		fmt.Sprintf("Do feature\n\nChange-Id: %s\n", changeKeyA))
	results := e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/for/main", OldHash: git.ZeroHash, NewHash: second},
	}, 1, time.Now())

	require.Len(t, results, 1)
	assert.Equal(t, receive.StatusOK, results[0].Status)
	require.Len(t, results[0].Change.Approvals, 1)
	assert.Equal(t, 2, results[0].Change.Approvals[0].Revision)
}

func TestPreReceive_rejectsWrongBranch(t *testing.T) {
	ctx := context.Background()
	repo, root := newRepo(t)
	e := newEngine(t, repo)

	first := commitWithMessage(t, repo, root, "a.txt", "v1\n",
		fmt.Sprintf("Do feature\n\nChange-Id: %s\n", changeKeyA))
	e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/for/main", OldHash: git.ZeroHash, NewHash: first},
	}, 1, time.Now())

	second := commitWithMessage(t, repo, root, "a.txt", "v2\n",
		fmt.Sprintf("Do feature\n\nChange-Id: %s\n", changeKeyA))
	results := e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/for/release", OldHash: git.ZeroHash, NewHash: second},
	}, 1, time.Now())

	require.Len(t, results, 1)
	assert.Equal(t, receive.StatusRejectedOtherReason, results[0].Status)
	assert.Contains(t, results[0].Message, "targets")
}

func TestPreReceive_missingChangeIDRejected(t *testing.T) {
	ctx := context.Background()
	repo, root := newRepo(t)
	e := newEngine(t, repo)

	commit := commitWithMessage(t, repo, root, "a.txt", "feature\n", "Do feature")

	results := e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/for/main", OldHash: git.ZeroHash, NewHash: commit},
	}, 1, time.Now())

	require.Len(t, results, 1)
	assert.Equal(t, receive.StatusRejectedOtherReason, results[0].Status)
	assert.Contains(t, results[0].Message, "Change-Id")
}

func TestPreReceive_invalidMagicBranch(t *testing.T) {
	ctx := context.Background()
	repo, root := newRepo(t)
	e := newEngine(t, repo)

	results := e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/for/", OldHash: git.ZeroHash, NewHash: root},
	}, 1, time.Now())

	require.Len(t, results, 1)
	assert.Equal(t, receive.StatusRejectedOtherReason, results[0].Status)
	assert.Contains(t, results[0].Message, "Invalid refs/for/")
}

func TestPreReceive_directPushRejectsProtectedBranch(t *testing.T) {
	ctx := context.Background()
	repo, root := newRepo(t)
	e := newEngine(t, repo)
	e.Policy.TrunkBranch = "main"

	commit := commitWithMessage(t, repo, root, "a.txt", "v1\n", "A long enough commit message")

	results := e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/heads/main", OldHash: root, NewHash: commit},
	}, 1, time.Now())

	require.Len(t, results, 1)
	assert.Equal(t, receive.StatusRejectedOtherReason, results[0].Status)
	assert.Contains(t, results[0].Message, "refs/for/main")
}

func TestPreReceive_directPushRejectsShortMessage(t *testing.T) {
	ctx := context.Background()
	repo, root := newRepo(t)
	e := newEngine(t, repo)

	commit := commitWithMessage(t, repo, root, "a.txt", "v1\n", "short")

	results := e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/heads/feature", OldHash: root, NewHash: commit},
	}, 1, time.Now())

	require.Len(t, results, 1)
	assert.Equal(t, receive.StatusRejectedOtherReason, results[0].Status)
	assert.Contains(t, results[0].Message, "at least")
}

func TestPreReceive_directPushToProtectedAllowedWhenPolicyPermits(t *testing.T) {
	ctx := context.Background()
	repo, root := newRepo(t)
	e := newEngine(t, repo)
	e.Policy.TrunkBranch = "main"
	e.Policy.AllowDirectPush = true

	commit := commitWithMessage(t, repo, root, "a.txt", "v1\n", "A long enough commit message")

	results := e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/heads/main", OldHash: root, NewHash: commit},
	}, 1, time.Now())

	require.Len(t, results, 1)
	assert.Equal(t, receive.StatusOK, results[0].Status)
}

func TestPreReceive_directPushRejectsDeleteByDefault(t *testing.T) {
	ctx := context.Background()
	repo, root := newRepo(t)
	e := newEngine(t, repo)

	results := e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/heads/feature", OldHash: root, NewHash: git.ZeroHash},
	}, 1, time.Now())

	require.Len(t, results, 1)
	assert.Equal(t, receive.StatusRejectedOtherReason, results[0].Status)
	assert.Contains(t, results[0].Message, "deleting")
}

func TestPreReceive_directPushAllowsDeleteWhenPolicyPermits(t *testing.T) {
	ctx := context.Background()
	repo, root := newRepo(t)
	e := newEngine(t, repo)
	e.Policy.AllowDeletes = true

	results := e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/heads/feature", OldHash: root, NewHash: git.ZeroHash},
	}, 1, time.Now())

	require.Len(t, results, 1)
	assert.Equal(t, receive.StatusOK, results[0].Status)
}

func TestPreReceive_directPushRejectsCreateWhenPolicyForbids(t *testing.T) {
	ctx := context.Background()
	repo, root := newRepo(t)
	e := newEngine(t, repo)
	e.Policy.AllowCreates = false

	commit := commitWithMessage(t, repo, root, "a.txt", "v1\n", "A long enough commit message")

	results := e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/heads/newbranch", OldHash: git.ZeroHash, NewHash: commit},
	}, 1, time.Now())

	require.Len(t, results, 1)
	assert.Equal(t, receive.StatusRejectedOtherReason, results[0].Status)
	assert.Contains(t, results[0].Message, "creating")
}

func TestPreReceive_directPushRejectsNonFastForwardByDefault(t *testing.T) {
	ctx := context.Background()
	repo, root := newRepo(t)
	e := newEngine(t, repo)

	abandoned := commitWithMessage(t, repo, root, "a.txt", "v1\n", "A long enough commit message")
	sibling := commitWithMessage(t, repo, root, "b.txt", "v2\n", "Another long enough message")

	results := e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/heads/feature", OldHash: abandoned, NewHash: sibling},
	}, 1, time.Now())

	require.Len(t, results, 1)
	assert.Equal(t, receive.StatusRejectedOtherReason, results[0].Status)
	assert.Contains(t, results[0].Message, "non-fast-forward")
}

func TestPreReceive_directPushAllowsNonFastForwardWhenPolicyPermits(t *testing.T) {
	ctx := context.Background()
	repo, root := newRepo(t)
	e := newEngine(t, repo)
	e.Policy.AllowNonFastForwards = true

	abandoned := commitWithMessage(t, repo, root, "a.txt", "v1\n", "A long enough commit message")
	sibling := commitWithMessage(t, repo, root, "b.txt", "v2\n", "Another long enough message")

	results := e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/heads/feature", OldHash: abandoned, NewHash: sibling},
	}, 1, time.Now())

	require.Len(t, results, 1)
	assert.Equal(t, receive.StatusOK, results[0].Status)
}

func TestPreReceive_directPushAccepted(t *testing.T) {
	ctx := context.Background()
	repo, root := newRepo(t)
	e := newEngine(t, repo)

	commit := commitWithMessage(t, repo, root, "a.txt", "v1\n", "A long enough commit message")

	results := e.PreReceive(ctx, []receive.ReceiveCommand{
		{RefName: "refs/heads/feature", OldHash: root, NewHash: commit},
	}, 1, time.Now())

	require.Len(t, results, 1)
	assert.Equal(t, receive.StatusOK, results[0].Status)

	e.PostReceive(ctx, results)
}
