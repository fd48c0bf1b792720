// Package review implements the Review Surface: the reviewer set,
// label votes, and comment state machine attached to a Change. It is a
// pure state machine over internal/change's types — no I/O, no git, no
// persistence — so the Receive Pipeline and transport fronts can exercise
// it the same way regardless of which Store backs a Change.
package review

import (
	"slices"
	"strconv"
	"strings"

	"github.com/sahilm/fuzzy"
	"github.com/zeebo/errs"

	"github.com/gitreview/gitreviewd/internal/change"
	"github.com/gitreview/gitreviewd/internal/maputil"
	"github.com/gitreview/gitreviewd/internal/sliceutil"
)

// Class tags every error this package returns, so callers can distinguish
// a Review Surface validation failure from an infrastructure error with a
// single review.Class.Has(err) check.
var Class = errs.Class("review")

// AlreadyAdded is returned by AddReviewer when the account is already a
// reviewer or CC on the Change; it is not itself an error the caller
// needs to surface as a failure.
var AlreadyAdded = Class.New("already added")

// NotFound is returned by RemoveReviewer when the identifier does not
// resolve to a current reviewer or CC.
var NotFound = Class.New("reviewer not found")

// Unresolved is returned by AddReviewer when the identifier does not
// match any known account.
var Unresolved = Class.New("reviewer could not be resolved")

// LabelConfig defines the allowed vote range for one review label.
type LabelConfig struct {
	MinValue int
	MaxValue int

	// Sticky marks a label whose votes survive onto a new patch set
	// instead of being cleared by CarryForwardLabels. Off by default,
	// matching Gerrit's stock Code-Review/Verified behavior: a new
	// patch set needs fresh review.
	Sticky bool
}

// DefaultLabels is the label set a project uses when it has no
// project.config of its own: Code-Review in [-2,2] and Verified in
// [-1,1], matching Gerrit's own stock configuration. Neither is sticky.
func DefaultLabels() map[string]LabelConfig {
	return map[string]LabelConfig{
		"Code-Review": {MinValue: -2, MaxValue: 2},
		"Verified":    {MinValue: -1, MaxValue: 1},
	}
}

// StickyLabels returns the subset of labels marked Sticky, in the shape
// CarryForwardLabels wants.
func StickyLabels(labels map[string]LabelConfig) map[string]bool {
	sticky := make(map[string]bool, len(labels))
	for name, cfg := range labels {
		if cfg.Sticky {
			sticky[name] = true
		}
	}
	return sticky
}

// Account is the minimal identity record the Review Surface resolves
// reviewer identifiers against.
type Account struct {
	ID             int64
	Username       string
	FullName       string
	PreferredEmail string
	Active         bool
}

// GetReviewers returns the union of the REVIEWER and CC sets from a
// Change's metadata.
func GetReviewers(c *change.Change) []change.Reviewer {
	out := make([]change.Reviewer, len(c.Metadata.Reviewers))
	copy(out, c.Metadata.Reviewers)
	return out
}

// ResolveAccount resolves identifier to an account by, in order: numeric
// account ID, email, username, display name (each compared
// case-insensitively against every candidate before the next is tried),
// and finally a fuzzy match against every candidate's username and full
// name. It returns Unresolved if nothing matches.
func ResolveAccount(identifier string, candidates []Account) (Account, error) {
	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		for _, a := range candidates {
			if a.ID == id {
				return a, nil
			}
		}
	}

	for pass := 0; pass < 3; pass++ {
		for _, a := range candidates {
			field := [...]string{a.PreferredEmail, a.Username, a.FullName}[pass]
			if strings.EqualFold(field, identifier) {
				return a, nil
			}
		}
	}

	names := make([]string, len(candidates))
	for i, a := range candidates {
		names[i] = a.Username + " " + a.FullName
	}
	if matches := fuzzy.Find(identifier, names); len(matches) > 0 {
		return candidates[matches[0].Index], nil
	}

	return Account{}, Unresolved
}

// AddReviewer resolves reviewer to an account among candidates and
// attaches it to the Change in the given state. It rejects an
// unresolved, inactive, or owner identifier, and returns AlreadyAdded
// (without error) if the account is already present — idempotent on
// duplicate, per the Review Surface contract.
func AddReviewer(c *change.Change, identifier string, state change.ReviewerState, candidates []Account) error {
	acct, err := ResolveAccount(identifier, candidates)
	if err != nil {
		return Class.Wrap(err)
	}
	if !acct.Active {
		return Class.New("account %q is inactive", identifier)
	}
	if acct.ID == c.OwnerAccountID {
		return Class.New("the change owner cannot be added as a reviewer")
	}

	for _, r := range c.Metadata.Reviewers {
		if r.AccountID == acct.ID {
			return AlreadyAdded
		}
	}

	c.Metadata.Reviewers = append(c.Metadata.Reviewers, change.Reviewer{
		AccountID: acct.ID,
		State:     state,
	})
	return nil
}

// RemoveReviewer removes an account, identified the same way as
// AddReviewer, from both the REVIEWER and CC sets. It returns NotFound
// if the identifier does not resolve to a current reviewer or CC.
func RemoveReviewer(c *change.Change, identifier string, candidates []Account) error {
	acct, err := ResolveAccount(identifier, candidates)
	if err != nil {
		return Class.Wrap(err)
	}

	for i, r := range c.Metadata.Reviewers {
		if r.AccountID == acct.ID {
			c.Metadata.Reviewers = append(c.Metadata.Reviewers[:i], c.Metadata.Reviewers[i+1:]...)
			return nil
		}
	}
	return NotFound
}

// Vote is a single requested label value in a review call.
type Vote struct {
	Label string
	Value int
}

// Review validates and applies a batch of label votes cast by
// accountID against the given patch-set revision, replacing any prior
// vote by that account on the same label. It rejects the whole batch
// (no partial application) if any vote names an unconfigured label or a
// value outside that label's configured range.
func Review(c *change.Change, revision int, accountID int64, votes []Vote, labels map[string]LabelConfig) error {
	for _, v := range votes {
		cfg, ok := labels[v.Label]
		if !ok {
			known := maputil.Keys(labels)
			slices.Sort(known)
			return Class.New("unknown label %q (known labels: %s)", v.Label, strings.Join(known, ", "))
		}
		if v.Value < cfg.MinValue || v.Value > cfg.MaxValue {
			return Class.New("label %q: value %d outside allowed range [%d,%d]", v.Label, v.Value, cfg.MinValue, cfg.MaxValue)
		}
	}

	for _, v := range votes {
		c.SetApproval(change.Approval{
			Label:     v.Label,
			Value:     v.Value,
			AccountID: accountID,
			Revision:  revision,
		})
	}
	return nil
}

// CarryForwardLabels copies every approval on "sticky" labels (those
// listed in sticky) from the prior revision forward onto the new
// revision, and drops every non-sticky approval — Gerrit's own default
// behavior for what survives a new patch set (see DESIGN.md's Open
// Question decision on vote persistence across rebase).
func CarryForwardLabels(c *change.Change, newRevision int, sticky map[string]bool) {
	c.Approvals = sliceutil.RemoveFunc(c.Approvals, func(a change.Approval) bool {
		return !sticky[a.Label]
	})
	for i := range c.Approvals {
		c.Approvals[i].Revision = newRevision
	}
}
