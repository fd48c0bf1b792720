// Package change defines the Change data model: the reviewable unit a
// push to refs/for/<branch> materializes into, its patch sets, reviewers,
// approvals, and comments, together with the invariants that must hold
// whenever a Change is created or mutated.
package change

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// keyPattern matches a valid Change-Id: "I" followed by 40 lowercase hex
// characters. This mirrors internal/changeid.Validate; Change keeps its
// own copy so the invariant is self-checking without importing the
// engine that produces the value.
var keyPattern = regexp.MustCompile(`^I[0-9a-f]{40}$`)

// Status is the lifecycle state of a Change.
type Status string

// Change statuses. A Change transitions NEW -> ABANDONED -> NEW -> MERGED;
// once MERGED it is terminal.
const (
	StatusNew       Status = "NEW"
	StatusMerged    Status = "MERGED"
	StatusAbandoned Status = "ABANDONED"
)

// Terminal reports whether status refuses further patch sets.
func (s Status) Terminal() bool {
	return s == StatusMerged || s == StatusAbandoned
}

const maxSubjectLen = 1000

// Change is the canonical reviewable unit: one or more patch sets
// targeting a single destination branch, tracked by a stable Change-Id.
type Change struct {
	ID             int64
	Key            string // Change-Id: "I" + 40 lowercase hex chars
	ProjectName    string
	DestBranch     string
	Subject        string
	Topic          string
	Status         Status
	OwnerAccountID int64
	MergeCommitID  string // set by submit; empty until MERGED
	PatchSets      []PatchSet
	Metadata       Metadata
	Approvals      []Approval
	CreatedOn      time.Time
	LastUpdatedOn  time.Time
}

// Metadata holds the document-valued fields of a Change that aren't part
// of its core identity: privacy/WIP flags, reviewers, and comments.
type Metadata struct {
	IsPrivate      bool
	WorkInProgress bool
	Reviewers      []Reviewer
	Comments       map[string][]Comment // revision -> comments, keyed "N:path"
	Drafts         map[string][]Comment
	Messages       []Message
}

// PatchSet is an immutable record of a commit submitted for a Change.
type PatchSet struct {
	Number            int // 1-based
	CommitID          string
	UploaderAccountID int64
	CreatedOn         time.Time
	Description       string
	IsDraft           bool
}

// ReviewerState distinguishes a reviewer who must act from one who is only
// watching.
type ReviewerState string

// Reviewer states.
const (
	ReviewerStateReviewer ReviewerState = "REVIEWER"
	ReviewerStateCC       ReviewerState = "CC"
)

// Reviewer is an account attached to a Change as a reviewer or CC.
type Reviewer struct {
	AccountID int64
	State     ReviewerState
}

// Approval is a single label vote cast by a user against a specific
// revision of a Change. At most one Approval exists per (label, user); a
// new vote replaces the prior one.
type Approval struct {
	Label     string
	Value     int
	AccountID int64
	Revision  int // patch set number
	GrantedAt time.Time
}

// Comment is either a published or draft inline comment, keyed by the
// caller onto a revision and file path. A published comment may be
// tombstoned (Deleted=true with Message replaced) but is never removed
// from the record.
type Comment struct {
	ID        string
	Path      string
	Line      int
	AccountID int64
	Message   string
	CreatedOn time.Time
	Deleted   bool
}

// Message is a timeline entry distinct from inline comments: the record
// of a vote, a status transition, or a free-form note against a Change,
// surfaced the way Gerrit's "change screen" shows a running history.
type Message struct {
	ID             string
	AccountID      int64
	CreatedOn      time.Time
	Text           string
	PatchSetNumber int
}

// Sentinel errors returned by invariant checks and state transitions.
var (
	ErrInvalidKey        = errors.New("change: invalid change key")
	ErrTerminal          = errors.New("change: status is terminal")
	ErrWrongBranch       = errors.New("change: destination branch mismatch")
	ErrDuplicatePatchSet = errors.New("change: duplicate patch set number")
)

// New constructs a Change for its first patch set, enforcing the
// invariants that must hold at creation: a valid key, a non-terminal
// starting status, and exactly one dense patch set numbered 1.
func New(key, project, destBranch string, ps PatchSet, ownerAccountID int64, now time.Time) (*Change, error) {
	if !keyPattern.MatchString(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if ps.Number != 1 {
		return nil, fmt.Errorf("change: first patch set must be numbered 1, got %d", ps.Number)
	}

	c := &Change{
		Key:            key,
		ProjectName:    project,
		DestBranch:     destBranch,
		Subject:        truncateSubject(ps.Description),
		Status:         StatusNew,
		OwnerAccountID: ownerAccountID,
		PatchSets:      []PatchSet{ps},
		Metadata: Metadata{
			Comments: make(map[string][]Comment),
			Drafts:   make(map[string][]Comment),
		},
		CreatedOn:     now,
		LastUpdatedOn: now,
	}
	return c, nil
}

// CurrentPatchSetNumber reports the number of the latest patch set. It is
// always len(PatchSets) and always max(patch_set.number): the Change
// Engine never leaves gaps.
func (c *Change) CurrentPatchSetNumber() int {
	if len(c.PatchSets) == 0 {
		return 0
	}
	return c.PatchSets[len(c.PatchSets)-1].Number
}

// CurrentPatchSet returns the latest patch set.
func (c *Change) CurrentPatchSet() PatchSet {
	return c.PatchSets[len(c.PatchSets)-1]
}

// AddPatchSet appends a new patch set to the Change, enforcing that the
// Change accepts new patch sets (not terminal) and that the new patch set
// continues the dense, 1-based numbering. It does not check the
// destination branch; callers compare it before calling.
func (c *Change) AddPatchSet(commitID string, uploaderAccountID int64, subject string, now time.Time) error {
	if c.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, c.Status)
	}

	next := c.CurrentPatchSetNumber() + 1
	c.PatchSets = append(c.PatchSets, PatchSet{
		Number:            next,
		CommitID:          commitID,
		UploaderAccountID: uploaderAccountID,
		CreatedOn:         now,
	})
	c.Subject = truncateSubject(subject)
	c.LastUpdatedOn = now
	return nil
}

// Abandon transitions the Change to ABANDONED. It is a no-op error if the
// Change is already terminal.
func (c *Change) Abandon(now time.Time) error {
	if c.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, c.Status)
	}
	c.Status = StatusAbandoned
	c.LastUpdatedOn = now
	return nil
}

// Restore transitions an ABANDONED Change back to NEW.
func (c *Change) Restore(now time.Time) error {
	if c.Status != StatusAbandoned {
		return fmt.Errorf("change: cannot restore a %s change", c.Status)
	}
	c.Status = StatusNew
	c.LastUpdatedOn = now
	return nil
}

// Merge transitions the Change to MERGED, its terminal success state.
func (c *Change) Merge(now time.Time) error {
	if c.Status != StatusNew {
		return fmt.Errorf("change: cannot merge a %s change", c.Status)
	}
	c.Status = StatusMerged
	c.LastUpdatedOn = now
	return nil
}

// Move changes the Change's destination branch. Only permitted while NEW.
func (c *Change) Move(newBranch string, now time.Time) error {
	if c.Status != StatusNew {
		return fmt.Errorf("%w: cannot move a %s change", ErrTerminal, c.Status)
	}
	c.DestBranch = newBranch
	c.LastUpdatedOn = now
	return nil
}

// SetApproval records a label vote, replacing any prior vote by the same
// account on the same label.
func (c *Change) SetApproval(a Approval) {
	for i, existing := range c.Approvals {
		if existing.Label == a.Label && existing.AccountID == a.AccountID {
			c.Approvals[i] = a
			return
		}
	}
	c.Approvals = append(c.Approvals, a)
}

func truncateSubject(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "No subject"
	}
	if len(s) > maxSubjectLen {
		return s[:maxSubjectLen]
	}
	return s
}
