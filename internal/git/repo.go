package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/gitreview/gitreviewd/internal/silog"
)

// InitOptions configures the behavior of Init.
type InitOptions struct {
	// Log specifies the logger to use for messages.
	Log *silog.Logger

	// Branch is the name of the initial branch to create.
	// Defaults to "main".
	Branch string

	// Bare creates a bare repository with no working tree.
	// Repository Gateway projects are always bare.
	Bare bool

	exec execer
}

// Init initializes a new Git repository at the given directory.
// If dir is empty, the current working directory is used.
func Init(ctx context.Context, dir string, opts InitOptions) (*Repository, error) {
	if opts.exec == nil {
		opts.exec = _realExec
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}

	args := []string{"init", "--initial-branch=" + opts.Branch}
	if opts.Bare {
		args = append(args, "--bare")
	}

	initCmd := newGitCmd(ctx, opts.Log, args...).Dir(dir)
	if err := initCmd.Run(opts.exec); err != nil {
		return nil, fmt.Errorf("git init: %w", err)
	}

	return Open(ctx, dir, OpenOptions{
		Log:  opts.Log,
		exec: opts.exec,
	})
}

// OpenOptions configures the behavior of Open.
type OpenOptions struct {
	// Log specifies the logger to use for messages.
	Log *silog.Logger

	exec execer
}

// Open opens the repository at the given directory.
// If dir is empty, the current working directory is used.
//
// Both bare and non-bare repositories are supported. Bare repositories
// have no working tree, so root and gitDir will be the same directory.
func Open(ctx context.Context, dir string, opts OpenOptions) (*Repository, error) {
	if opts.exec == nil {
		opts.exec = _realExec
	}
	if opts.Log == nil {
		opts.Log = silog.Nop()
	}

	isBare, err := newGitCmd(ctx, opts.Log,
		"rev-parse", "--is-bare-repository",
	).Dir(dir).OutputString(opts.exec)
	if err != nil {
		return nil, fmt.Errorf("git rev-parse: %w", err)
	}

	if isBare == "true" {
		gitDir, err := newGitCmd(ctx, opts.Log,
			"rev-parse", "--absolute-git-dir",
		).Dir(dir).OutputString(opts.exec)
		if err != nil {
			return nil, fmt.Errorf("git rev-parse: %w", err)
		}

		return newRepository(gitDir, gitDir, true, opts.Log, opts.exec), nil
	}

	out, err := newGitCmd(ctx, opts.Log,
		"rev-parse",
		"--show-toplevel",
		"--absolute-git-dir",
	).Dir(dir).OutputString(opts.exec)
	if err != nil {
		return nil, err
	}

	root, gitDir, ok := strings.Cut(out, "\n")
	if !ok {
		return nil, fmt.Errorf("unexpected output from git rev-parse: %q", out)
	}

	return newRepository(root, gitDir, false, opts.Log, opts.exec), nil
}

// Repository is a handle to a Git repository.
// It provides read-write access to the repository's contents.
type Repository struct {
	root   string
	gitDir string
	bare   bool

	log  *silog.Logger
	exec execer
}

func newRepository(root, gitDir string, bare bool, logger *silog.Logger, exec execer) *Repository {
	return &Repository{
		root:   root,
		gitDir: gitDir,
		bare:   bare,
		log:    logger,
		exec:   exec,
	}
}

// Root returns the repository's root directory.
// For bare repositories, this is the same as GitDir.
func (r *Repository) Root() string { return r.root }

// GitDir returns the repository's Git directory (the ".git" directory,
// or the repository root itself if the repository is bare).
func (r *Repository) GitDir() string { return r.gitDir }

// IsBare reports whether the repository has no working tree.
func (r *Repository) IsBare() bool { return r.bare }

// gitCmd returns a gitCmd that will run
// with the repository's root as the working directory.
func (r *Repository) gitCmd(ctx context.Context, args ...string) *gitCmd {
	return newGitCmd(ctx, r.log, args...).Dir(r.root)
}

// Config returns a [Config] bound to this repository's directory.
func (r *Repository) Config() *Config {
	return NewConfig(ConfigOptions{
		Dir:  r.root,
		Log:  r.log,
		exec: r.exec,
	})
}

// SetConfig writes a single configuration value in the repository's local
// config file.
func (r *Repository) SetConfig(ctx context.Context, key, value string) error {
	return r.Config().Set(ctx, ConfigKey(key), value)
}

// AddConfig appends a configuration value for a multi-valued key (e.g.
// uploadpack.hideRefs) without replacing any existing value.
func (r *Repository) AddConfig(ctx context.Context, key, value string) error {
	return r.Config().Add(ctx, ConfigKey(key), value)
}
