// Package projectconfig loads a project's project.config document: the
// per-project label set and submit type that spec.md §3's Project
// "configuration (submit type, merge rules, label config)" field
// describes. Gerrit itself keeps project.config in a git-config-like
// syntax; we keep the spirit (one small document per project, living
// alongside the repository) but use TOML, which renders the label
// tables ([labels.Code-Review]) more directly than git-config's
// subsection syntax would.
package projectconfig

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/gitreview/gitreviewd/internal/cmputil"
	"github.com/gitreview/gitreviewd/internal/review"
)

// SubmitType controls how Submit merges a Change's current patch set
// into its destination branch.
type SubmitType string

// Supported submit types. Only MergeIfNecessary has its own behavior:
// nothing outside this package reads SubmitType, and revops.Submit
// always creates a merge commit, so the other values load and
// round-trip but submit exactly like MergeIfNecessary.
const (
	SubmitTypeMergeIfNecessary SubmitType = "merge_if_necessary"
	SubmitTypeFastForwardOnly SubmitType = "fast_forward_only"
	SubmitTypeCherryPick     SubmitType = "cherry_pick"
	SubmitTypeRebaseAlways   SubmitType = "rebase_always"
)

// Project holds one project's review configuration.
type Project struct {
	SubmitType SubmitType                      `toml:"submit_type"`
	Labels     map[string]review.LabelConfig `toml:"labels"`
}

// Default returns the configuration a project gets when it has no
// project.config file: merge-if-necessary submission and spec.md §3's
// default label set (Code-Review [-2,2], Verified [-1,1]).
func Default() Project {
	return Project{
		SubmitType: SubmitTypeMergeIfNecessary,
		Labels:     review.DefaultLabels(),
	}
}

// Load reads a project.config file at path. A missing file is not an
// error: Default() is returned, matching spec.md §3's "the spec's
// defaults as the fallback when a project has no project.config."
func Load(path string) (Project, error) {
	p := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("projectconfig: read %s: %w", path, err)
	}

	// Decode into a fresh value: labels defined in the file are not
	// merged with Default()'s labels, they replace them, since a
	// project.config author who defines any label table is declaring the
	// complete label set for their project. A file that defines no
	// labels (or only an empty [labels] table) keeps the defaults.
	loaded := Project{SubmitType: SubmitTypeMergeIfNecessary}
	if err := toml.Unmarshal(data, &loaded); err != nil {
		return p, fmt.Errorf("projectconfig: parse %s: %w", path, err)
	}

	if !cmputil.Zero(loaded.SubmitType) {
		p.SubmitType = loaded.SubmitType
	}
	if len(loaded.Labels) > 0 {
		p.Labels = loaded.Labels
	}
	return p, nil
}
