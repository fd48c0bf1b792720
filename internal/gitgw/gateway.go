// Package gitgw implements the Repository Gateway: it maps project names
// onto bare Git repositories on disk, validating names, creating and
// opening repositories, and giving the rest of the server a single place
// that knows where a project's repository lives.
package gitgw

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/gitreview/gitreviewd/internal/git"
	"github.com/gitreview/gitreviewd/internal/refadvertiser"
	"github.com/gitreview/gitreviewd/internal/silog"
)

// Sentinel errors returned by Gateway methods. Callers match against these
// with errors.Is; the concrete error additionally carries the offending
// project name via fmt.Errorf("...: %w", ...) wrapping.
var (
	// ErrInvalidName is returned when a project name fails validation.
	ErrInvalidName = errors.New("invalid project name")

	// ErrAlreadyExists is returned by Create when a project already exists.
	ErrAlreadyExists = errors.New("project already exists")

	// ErrNotFound is returned by Open when a project does not exist.
	ErrNotFound = errors.New("project not found")
)

// namePattern is the default allow-pattern for project names: must start
// and end with an alphanumeric character, and may contain '.', '_', '/',
// and '-' in between.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*[A-Za-z0-9]$|^[A-Za-z0-9]$`)

const maxNameLength = 255

// ValidateName reports whether name is an acceptable project name,
// returning ErrInvalidName (wrapped with the reason) if not.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: %q: empty name", ErrInvalidName, name)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: %q: longer than %d characters", ErrInvalidName, name, maxNameLength)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q: contains '..'", ErrInvalidName, name)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q: does not match allowed pattern", ErrInvalidName, name)
	}
	return nil
}

// defaultMaxCachedRepositories and defaultCacheTTL match
// internal/serverconfig.Default()'s max_cached_repositories and
// repository_cache_ttl_seconds, so a Gateway built without options behaves
// the same as one built from the default server configuration.
const (
	defaultMaxCachedRepositories = 256
	defaultCacheTTL              = 300 * time.Second
)

// cacheEntry is what Gateway keeps in its LRU cache: the open handle and
// the time it was opened, so Open can lazily expire it once it has been
// idle past the configured TTL.
type cacheEntry struct {
	repo     *git.Repository
	openedAt time.Time
}

// Gateway resolves project names to bare Git repository handles rooted at
// a single directory on disk, one subdirectory per project.
//
// A Gateway is safe for concurrent use. Repository handles are opened on
// demand and kept in a bounded LRU cache with TTL expiry (see
// WithMaxCachedRepositories and WithCacheTTL); evicting a cache entry
// never touches the *git.Repository value itself, so handles already
// returned to a caller remain valid for as long as that caller uses them.
type Gateway struct {
	root string
	log  *silog.Logger
	ttl  time.Duration

	mu    sync.Mutex
	cache *lru.Cache
}

// Option customizes a Gateway's repository cache.
type Option func(*Gateway)

// WithMaxCachedRepositories bounds the number of open repository handles a
// Gateway keeps cached. n <= 0 leaves the default (256) in place; the
// Gateway is never unbounded.
func WithMaxCachedRepositories(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.cache.MaxEntries = n
		}
	}
}

// WithCacheTTL bounds how long an opened repository handle may sit idle in
// the cache before the next Open reopens it fresh. d <= 0 disables TTL
// expiry, leaving eviction to the LRU bound alone.
func WithCacheTTL(d time.Duration) Option {
	return func(g *Gateway) { g.ttl = d }
}

// New returns a Gateway rooted at dir. The directory is created if it does
// not already exist.
func New(dir string, log *silog.Logger, opts ...Option) (*Gateway, error) {
	if log == nil {
		log = silog.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create repository root: %w", err)
	}
	g := &Gateway{
		root:  dir,
		log:   log,
		ttl:   defaultCacheTTL,
		cache: lru.New(defaultMaxCachedRepositories),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// cachePut records repo under name, evicting the least recently used entry
// first if the cache is already at its bound. Callers must hold g.mu.
func (g *Gateway) cachePut(name string, repo *git.Repository) {
	g.cache.Add(name, &cacheEntry{repo: repo, openedAt: time.Now()})
}

// cacheGet returns the cached handle for name, reporting false if there is
// none or if it has aged past the configured TTL. A stale entry is evicted
// so the next Open reopens the repository fresh. Callers must hold g.mu.
func (g *Gateway) cacheGet(name string) (*git.Repository, bool) {
	v, ok := g.cache.Get(name)
	if !ok {
		return nil, false
	}
	entry := v.(*cacheEntry)
	if g.ttl > 0 && time.Since(entry.openedAt) > g.ttl {
		g.cache.Remove(name)
		return nil, false
	}
	return entry.repo, true
}

// path returns the on-disk directory for a validated project name.
func (g *Gateway) path(name string) string {
	return filepath.Join(g.root, filepath.FromSlash(name)) + ".git"
}

// Exists reports whether a project with the given name has a repository on
// disk. It does not validate the name; callers that want InvalidName
// treatment should call ValidateName first.
func (g *Gateway) Exists(name string) bool {
	_, err := os.Stat(g.path(name))
	return err == nil
}

// Create initializes a new bare repository for the given project name,
// writing the server-specific configuration every project needs: accept
// receive-pack, and don't refuse pushes to the currently checked out
// branch (bare repositories have none).
//
// Create fails with ErrAlreadyExists if the project already has a
// repository, and with ErrInvalidName if the name fails ValidateName.
func (g *Gateway) Create(ctx context.Context, name string) (*git.Repository, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	dir := g.path(name)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create repository directory: %w", err)
	}

	repo, err := git.Init(ctx, dir, git.InitOptions{
		Log:  g.log.WithPrefix("gitgw." + name),
		Bare: true,
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("init repository %q: %w", name, err)
	}

	if err := configureProject(ctx, repo); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("configure repository %q: %w", name, err)
	}

	if err := installHooks(ctx, repo.GitDir(), name); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("install hooks %q: %w", name, err)
	}

	g.cachePut(name, repo)
	return repo, nil
}

// configureProject writes the config every bare project repository needs
// so that it safely accepts pushes with no working tree to protect:
// permit receive-pack, ignore the (nonexistent) current branch when
// deciding whether a push is safe, and hide the server's internal ref
// namespaces from real git's own ref advertisement — this is what keeps
// refs/meta/*, refs/users/*, refs/groups/*, and refs/cache-automerge/*
// out of an SSH fetch, which (unlike smart-HTTP) is served by the real
// git-upload-pack binary rather than internal/refadvertiser.
func configureProject(ctx context.Context, repo *git.Repository) error {
	settings := map[string]string{
		"http.receivepack":                    "true",
		"receive.denyCurrentBranch":           "ignore",
		"uploadpack.allowTipSHA1InWant":       "true",
		"uploadpack.allowReachableSHA1InWant": "true",
	}
	for key, value := range settings {
		if err := repo.SetConfig(ctx, key, value); err != nil {
			return fmt.Errorf("git config %s: %w", key, err)
		}
	}

	for _, prefix := range refadvertiser.HiddenRefPrefixes {
		if err := repo.AddConfig(ctx, "uploadpack.hideRefs", prefix); err != nil {
			return fmt.Errorf("git config --add uploadpack.hideRefs %s: %w", prefix, err)
		}
	}
	return nil
}

// Open returns a handle to the repository for the given project name,
// opening and caching it if this is the first request for that name.
//
// Open fails with ErrNotFound if the project has no repository on disk,
// and with ErrInvalidName if the name fails ValidateName.
func (g *Gateway) Open(ctx context.Context, name string) (*git.Repository, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if repo, ok := g.cacheGet(name); ok {
		return repo, nil
	}

	dir := g.path(name)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	repo, err := git.Open(ctx, dir, git.OpenOptions{
		Log: g.log.WithPrefix("gitgw." + name),
	})
	if err != nil {
		return nil, fmt.Errorf("open repository %q: %w", name, err)
	}

	g.cachePut(name, repo)
	return repo, nil
}

// Delete removes a project's repository from disk and evicts any cached
// handle. Deleting a project that does not exist is a no-op.
func (g *Gateway) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.cache.Remove(name)
	if err := os.RemoveAll(g.path(name)); err != nil {
		return fmt.Errorf("remove repository %q: %w", name, err)
	}
	return nil
}

// List returns the names of every project known to the gateway, found by
// walking the repository root for directories ending in ".git".
func (g *Gateway) List() ([]string, error) {
	entries, err := os.ReadDir(g.root)
	if err != nil {
		return nil, fmt.Errorf("read repository root: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name, ok := strings.CutSuffix(e.Name(), ".git")
		if !ok {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// GetHead returns the branch name the project's HEAD symbolic ref points
// to (without the "refs/heads/" prefix).
func (g *Gateway) GetHead(ctx context.Context, name string) (string, error) {
	repo, err := g.Open(ctx, name)
	if err != nil {
		return "", err
	}
	return repo.CurrentBranch(ctx)
}

// SetHead updates the project's HEAD symbolic ref to point at branch.
func (g *Gateway) SetHead(ctx context.Context, name, branch string) error {
	repo, err := g.Open(ctx, name)
	if err != nil {
		return err
	}
	return repo.SetHead(ctx, branch)
}

// ListBranches returns the project's branches (refs/heads/*), with the
// prefix stripped.
func (g *Gateway) ListBranches(ctx context.Context, name string) ([]string, error) {
	repo, err := g.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	refs, err := repo.ListRefs(ctx, "refs/heads/")
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}

	branches := make([]string, 0, len(refs))
	for _, ref := range refs {
		branches = append(branches, strings.TrimPrefix(ref.Name, "refs/heads/"))
	}
	return branches, nil
}

// CleanupReferences removes dangling synthetic refs (refs/changes/*) whose
// target commit no longer exists in the object database. This is the only
// place the server deletes synthetic refs: a Change that is abandoned or
// merged keeps its refs/changes/* refs.
func (g *Gateway) CleanupReferences(ctx context.Context, name string) error {
	repo, err := g.Open(ctx, name)
	if err != nil {
		return err
	}

	refs, err := repo.ListRefs(ctx, "refs/changes/")
	if err != nil {
		return fmt.Errorf("list synthetic refs: %w", err)
	}

	for _, ref := range refs {
		if _, err := repo.PeelToCommit(ctx, ref.Hash.String()); err != nil {
			if errors.Is(err, git.ErrNotExist) {
				if err := repo.DeleteRef(ctx, ref.Name, ref.Hash); err != nil {
					g.log.Warnf("cleanup: failed to remove dangling ref %s: %v", ref.Name, err)
				}
				continue
			}
			return fmt.Errorf("peel %s: %w", ref.Name, err)
		}
	}
	return nil
}
