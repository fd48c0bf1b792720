package refadvertiser_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitreview/gitreviewd/internal/change"
	"github.com/gitreview/gitreviewd/internal/changestore"
	"github.com/gitreview/gitreviewd/internal/git"
	"github.com/gitreview/gitreviewd/internal/refadvertiser"
)

var sig = &git.Signature{Name: "tester", Email: "tester@example.com"}

func newRepo(t *testing.T) (*git.Repository, git.Hash) {
	t.Helper()
	ctx := context.Background()

	repo, err := git.Init(ctx, t.TempDir(), git.InitOptions{Branch: "trunk", Bare: true})
	require.NoError(t, err)

	tree, err := repo.MakeTree(ctx, slices.Values([]git.TreeEntry(nil)))
	require.NoError(t, err)
	root, err := repo.CommitTree(ctx, git.CommitTreeRequest{Tree: tree, Message: "root", Author: sig, Committer: sig})
	require.NoError(t, err)

	require.NoError(t, repo.SetRef(ctx, git.SetRefRequest{Ref: "refs/heads/trunk", Hash: root, OldHash: git.ZeroHash}))
	require.NoError(t, repo.SetRef(ctx, git.SetRefRequest{Ref: "refs/heads/feature", Hash: root, OldHash: git.ZeroHash}))
	require.NoError(t, repo.SetRef(ctx, git.SetRefRequest{Ref: "refs/meta/config", Hash: root, OldHash: git.ZeroHash}))
	require.NoError(t, repo.SetRef(ctx, git.SetRefRequest{Ref: "refs/tags/v1", Hash: root, OldHash: git.ZeroHash}))
	return repo, root
}

func refNames(refs []refadvertiser.Ref) []string {
	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.Name
	}
	return names
}

func TestAdvertise_forReceiveHidesNonTrunkBranches(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)

	a := &refadvertiser.Advertiser{
		Repo: repo, Store: changestore.NewMemStore(), Project: "demo",
		Policy: refadvertiser.Policy{TrunkBranch: "trunk"},
	}

	refs, err := a.Advertise(ctx, refadvertiser.ForReceive)
	require.NoError(t, err)
	names := refNames(refs)

	assert.Contains(t, names, "refs/heads/trunk")
	assert.NotContains(t, names, "refs/heads/feature")
	assert.NotContains(t, names, "refs/meta/config")
	assert.NotContains(t, names, "refs/tags/v1")
}

func TestAdvertise_forUploadIncludesTagsAndBranchesButNotMeta(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)

	a := &refadvertiser.Advertiser{
		Repo: repo, Store: changestore.NewMemStore(), Project: "demo",
		Policy: refadvertiser.Policy{TrunkBranch: "trunk"},
	}

	refs, err := a.Advertise(ctx, refadvertiser.ForUpload)
	require.NoError(t, err)
	names := refNames(refs)

	assert.Contains(t, names, "refs/heads/trunk")
	assert.Contains(t, names, "refs/heads/feature")
	assert.Contains(t, names, "refs/tags/v1")
	assert.NotContains(t, names, "refs/meta/config")
}

func TestAdvertise_injectsSyntheticRefsForOpenChanges(t *testing.T) {
	ctx := context.Background()
	repo, root := newRepo(t)
	store := changestore.NewMemStore()

	c, err := change.New("I"+"2222222222222222222222222222222222222222", "demo", "trunk", change.PatchSet{
		Number: 1, CommitID: root.String(), UploaderAccountID: 1, Description: "demo",
	}, 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.CreateChange(ctx, c))

	a := &refadvertiser.Advertiser{
		Repo: repo, Store: store, Project: "demo",
		Policy: refadvertiser.Policy{TrunkBranch: "trunk"},
	}

	refs, err := a.Advertise(ctx, refadvertiser.ForUpload)
	require.NoError(t, err)

	want, err := change.SyntheticRef(c.Key, 1)
	require.NoError(t, err)
	assert.Contains(t, refNames(refs), want)
}

func TestAdvertise_skipsSyntheticRefForMissingCommit(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)
	store := changestore.NewMemStore()

	c, err := change.New("I"+"3333333333333333333333333333333333333333", "demo", "trunk", change.PatchSet{
		Number: 1, CommitID: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", UploaderAccountID: 1, Description: "demo",
	}, 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.CreateChange(ctx, c))

	a := &refadvertiser.Advertiser{
		Repo: repo, Store: store, Project: "demo",
		Policy: refadvertiser.Policy{TrunkBranch: "trunk"},
	}

	refs, err := a.Advertise(ctx, refadvertiser.ForUpload)
	require.NoError(t, err)

	want, err := change.SyntheticRef(c.Key, 1)
	require.NoError(t, err)
	assert.NotContains(t, refNames(refs), want)
}
