// Package refadvertiser computes the set of refs a Transport Front
// session advertises to a Git client: real refs filtered by ACL, plus
// synthetic patch-set refs injected on top.
package refadvertiser

import (
	"context"
	"fmt"
	"strings"

	"github.com/gitreview/gitreviewd/internal/change"
	"github.com/gitreview/gitreviewd/internal/changestore"
	"github.com/gitreview/gitreviewd/internal/git"
	"github.com/gitreview/gitreviewd/internal/silog"
)

// Operation is the direction an advertisement is being computed for.
type Operation int

const (
	// ForUpload advertises refs a client may fetch.
	ForUpload Operation = iota
	// ForReceive advertises refs a client may push to.
	ForReceive
)

// HiddenRefPrefixes are never advertised in either direction. It is
// exported so internal/gitgw can additionally configure real git's own
// uploadpack.hideRefs with the same list, for the one Transport Front
// (SSH) that lets the git binary perform its own ref advertisement
// rather than going through Advertise (see DESIGN.md's Open Question
// decision on this).
var HiddenRefPrefixes = []string{
	"refs/meta/",
	"refs/users/",
	"refs/groups/",
	"refs/cache-automerge/",
}

// Policy configures which real refs are advertised for push, beyond the
// unconditional rules (refs/for/* always permitted, refs/meta/* and
// friends always hidden).
type Policy struct {
	// TrunkBranch is the one refs/heads/<trunk> ref direct pushes may
	// target.
	TrunkBranch string

	// AllowDirectPushAnyBranch disables the trunk-only restriction,
	// advertising every refs/heads/* ref for push.
	AllowDirectPushAnyBranch bool
}

// Ref is one advertised ref.
type Ref struct {
	Name string
	Hash git.Hash
}

// Advertiser computes ref advertisements for one project.
type Advertiser struct {
	Repo    *git.Repository
	Store   changestore.Store
	Project string
	Policy  Policy
	Log     *silog.Logger
}

func (a *Advertiser) log() *silog.Logger {
	if a.Log == nil {
		return silog.Nop()
	}
	return a.Log
}

// Advertise computes the ref set for the given operation: real refs
// filtered per §4.4's rules, with synthetic patch-set refs for every
// open Change injected on top.
func (a *Advertiser) Advertise(ctx context.Context, op Operation) ([]Ref, error) {
	real, err := a.Repo.ListRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("refadvertiser: list refs: %w", err)
	}

	refs := make([]Ref, 0, len(real))
	for _, r := range real {
		if isHidden(r.Name) {
			continue
		}
		if !a.permitted(r.Name, op) {
			continue
		}
		refs = append(refs, Ref{Name: r.Name, Hash: r.Hash})
	}

	synthetic, err := a.syntheticRefs(ctx)
	if err != nil {
		return nil, err
	}
	refs = append(refs, synthetic...)

	return refs, nil
}

func isHidden(name string) bool {
	for _, prefix := range HiddenRefPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (a *Advertiser) permitted(name string, op Operation) bool {
	switch op {
	case ForReceive:
		switch {
		case strings.HasPrefix(name, change.MagicBranchPrefix):
			return true
		case strings.HasPrefix(name, "refs/heads/"):
			if a.Policy.AllowDirectPushAnyBranch {
				return true
			}
			branch := strings.TrimPrefix(name, "refs/heads/")
			return branch == a.Policy.TrunkBranch
		default:
			// refs/tags/*, refs/changes/* and anything else hidden above
			// are never push targets.
			return false
		}
	case ForUpload:
		switch {
		case strings.HasPrefix(name, "refs/heads/"),
			strings.HasPrefix(name, "refs/tags/"),
			strings.HasPrefix(name, change.SyntheticRefPrefix):
			return true
		default:
			return false
		}
	default:
		return false
	}
}

// syntheticRefs computes refs/changes/XX/HASH/N → commit for every open
// Change in the project whose patch-set commit still exists in the
// object database. A patch set whose commit is missing is skipped with
// a warning rather than failing the whole advertisement.
func (a *Advertiser) syntheticRefs(ctx context.Context) ([]Ref, error) {
	changes, err := a.Store.ListOpenChanges(ctx, a.Project, "")
	if err != nil {
		return nil, fmt.Errorf("refadvertiser: list open changes: %w", err)
	}

	var refs []Ref
	for _, c := range changes {
		for _, ps := range c.PatchSets {
			ref, err := change.SyntheticRef(c.Key, ps.Number)
			if err != nil {
				a.log().Warn("cannot compute synthetic ref", "change", c.Key, "error", err)
				continue
			}

			hash, err := a.Repo.PeelToCommit(ctx, ps.CommitID)
			if err != nil {
				a.log().Warn("synthetic ref references missing commit",
					"change", c.Key, "patch_set", ps.Number, "commit", ps.CommitID, "error", err)
				continue
			}

			refs = append(refs, Ref{Name: ref, Hash: hash})
		}
	}
	return refs, nil
}
