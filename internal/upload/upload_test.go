package upload_test

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitreview/gitreviewd/internal/git"
	"github.com/gitreview/gitreviewd/internal/refadvertiser"
	"github.com/gitreview/gitreviewd/internal/upload"
)

var sig = &git.Signature{Name: "tester", Email: "tester@example.com"}

// newRepo builds a bare repository with two linear commits on trunk, plus
// a third commit that no ref points at, for testing unreachable wants.
func newRepo(t *testing.T) (repo *git.Repository, root, head, orphan git.Hash) {
	t.Helper()
	ctx := context.Background()

	repo, err := git.Init(ctx, t.TempDir(), git.InitOptions{Branch: "trunk", Bare: true})
	require.NoError(t, err)

	tree, err := repo.MakeTree(ctx, slices.Values([]git.TreeEntry(nil)))
	require.NoError(t, err)

	root, err = repo.CommitTree(ctx, git.CommitTreeRequest{Tree: tree, Message: "root", Author: sig, Committer: sig})
	require.NoError(t, err)

	head, err = repo.CommitTree(ctx, git.CommitTreeRequest{
		Tree: tree, Message: "second", Parents: []git.Hash{root}, Author: sig, Committer: sig,
	})
	require.NoError(t, err)

	orphan, err = repo.CommitTree(ctx, git.CommitTreeRequest{
		Tree: tree, Message: "orphan", Author: sig, Committer: sig,
	})
	require.NoError(t, err)

	require.NoError(t, repo.SetRef(ctx, git.SetRefRequest{Ref: "refs/heads/trunk", Hash: head, OldHash: git.ZeroHash}))
	return repo, root, head, orphan
}

func pktline(s string) string {
	return fmt.Sprintf("%04x%s", len(s)+4, s)
}

func TestParseRequest_extractsWantsHavesAndDone(t *testing.T) {
	raw := pktline("want "+"a"+fmt.Sprintf("%039d", 0)+" multi_ack\n") +
		pktline("have "+"b"+fmt.Sprintf("%039d", 0)+"\n") +
		pktline("done\n") +
		"0000"

	req, err := upload.ParseRequest(bytes.NewReader([]byte(raw)))
	require.NoError(t, err)

	assert.Equal(t, []git.Hash{git.Hash("a" + fmt.Sprintf("%039d", 0))}, req.Wants)
	assert.Equal(t, []git.Hash{git.Hash("b" + fmt.Sprintf("%039d", 0))}, req.Haves)
	assert.True(t, req.Done)
}

func TestBeginNegotiate_rejectsUnreachableWant(t *testing.T) {
	ctx := context.Background()
	repo, _, head, orphan := newRepo(t)

	e := &upload.Engine{Repo: repo}
	refs := []refadvertiser.Ref{{Name: "refs/heads/trunk", Hash: head}}

	require.NoError(t, e.BeginNegotiate(ctx, upload.Request{Wants: []git.Hash{head}}, refs))

	err := e.BeginNegotiate(ctx, upload.Request{Wants: []git.Hash{orphan}}, refs)
	assert.ErrorIs(t, err, upload.ErrPackProtocol)
}

func TestBeginNegotiate_enforcesMaxUploadRefs(t *testing.T) {
	ctx := context.Background()
	repo, root, head, _ := newRepo(t)

	e := &upload.Engine{Repo: repo, Policy: upload.Policy{MaxUploadRefs: 1}}
	refs := []refadvertiser.Ref{{Name: "refs/heads/trunk", Hash: head}}

	err := e.BeginNegotiate(ctx, upload.Request{Wants: []git.Hash{head, root}}, refs)
	assert.ErrorIs(t, err, upload.ErrPackProtocol)
}

func TestBeginNegotiate_enforcesMaxUploadObjects(t *testing.T) {
	ctx := context.Background()
	repo, root, _, _ := newRepo(t)

	e := &upload.Engine{Repo: repo, Policy: upload.Policy{MaxUploadObjects: 1}}
	refs := []refadvertiser.Ref{{Name: "refs/heads/trunk", Hash: root}}

	// root alone is a commit + an empty tree: two objects, over the limit.
	err := e.BeginNegotiate(ctx, upload.Request{Wants: []git.Hash{root}}, refs)
	assert.ErrorIs(t, err, upload.ErrPackProtocol)
}

func TestSendPack_enforcesMaxPackObjects(t *testing.T) {
	ctx := context.Background()
	repo, root, head, _ := newRepo(t)

	e := &upload.Engine{Repo: repo, Policy: upload.Policy{MaxPackObjects: 100}}
	refs := []refadvertiser.Ref{{Name: "refs/heads/trunk", Hash: head}}

	// head minus root's objects is a single commit: well under the limit.
	require.NoError(t, e.SendPack(ctx, upload.Request{Wants: []git.Hash{head}, Haves: []git.Hash{root}}, refs))

	tight := &upload.Engine{Repo: repo, Policy: upload.Policy{MaxPackObjects: 1}}
	err := tight.SendPack(ctx, upload.Request{Wants: []git.Hash{head}}, refs)
	assert.ErrorIs(t, err, upload.ErrPackProtocol)
}

func TestEndNegotiate_warnsOnHaveNotFoundAndAbortsAfterMaxRounds(t *testing.T) {
	ctx := context.Background()
	repo, _, head, _ := newRepo(t)

	e := &upload.Engine{Repo: repo, Policy: upload.Policy{MaxNegotiationRounds: 2}}

	unknownHave := git.Hash(fmt.Sprintf("%040d", 9))
	require.NoError(t, e.EndNegotiate(ctx, upload.Request{Haves: []git.Hash{unknownHave}}, 1))

	err := e.EndNegotiate(ctx, upload.Request{Wants: []git.Hash{head}}, 3)
	assert.ErrorIs(t, err, upload.ErrPackProtocol)

	// A round that finally sends "done" is never aborted, however high.
	require.NoError(t, e.EndNegotiate(ctx, upload.Request{Done: true}, 10))
}
