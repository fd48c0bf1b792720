// Package app wires the server's ambient concerns — configuration, the
// Repository Gateway, and the Change Store — into the per-project
// components (the Receive Pipeline, the Ref Advertiser) that both the
// long-running server process and the standalone `hook` subcommand
// need.
//
// A hook subcommand runs as a short-lived subprocess that git itself
// spawns mid-push; it shares no memory with the server that accepted
// the connection. Rather than invent an IPC protocol between them, both
// sides open the same on-disk Change Store and the same project
// repository independently: the Store is the single source of truth
// either process reads and writes, exactly as it would be if both were
// separate server replicas.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gitreview/gitreviewd/internal/accounts"
	"github.com/gitreview/gitreviewd/internal/audit"
	"github.com/gitreview/gitreviewd/internal/changestore"
	"github.com/gitreview/gitreviewd/internal/gerritcmd"
	"github.com/gitreview/gitreviewd/internal/gitgw"
	"github.com/gitreview/gitreviewd/internal/projectconfig"
	"github.com/gitreview/gitreviewd/internal/receive"
	"github.com/gitreview/gitreviewd/internal/refadvertiser"
	"github.com/gitreview/gitreviewd/internal/serverconfig"
	"github.com/gitreview/gitreviewd/internal/silog"
	"github.com/gitreview/gitreviewd/internal/upload"
)

// App holds the long-lived handles a server process or a hook
// subprocess needs to act on a project: the server config, the
// Repository Gateway, and the Change Store.
type App struct {
	Config   serverconfig.Config
	Gateway  *gitgw.Gateway
	Store    changestore.Store
	Accounts *accounts.Directory
	Log      *silog.Logger
	Audit    *audit.Logger
}

// Open loads the server config at configPath (or its defaults, if
// configPath is empty) and opens the Repository Gateway and Change
// Store it names.
func Open(configPath string, log *silog.Logger) (*App, error) {
	if log == nil {
		log = silog.Nop()
	}

	cfg, err := serverconfig.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}

	gw, err := gitgw.New(cfg.RepositoryBasePath, log.WithPrefix("gitgw"),
		gitgw.WithMaxCachedRepositories(cfg.MaxCachedRepositories),
		gitgw.WithCacheTTL(time.Duration(cfg.RepositoryCacheTTLSeconds)*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("app: open repository gateway: %w", err)
	}

	store, err := changestore.Open(cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("app: open change store: %w", err)
	}

	dir, err := accounts.Load(cfg.AccountsPath)
	if err != nil {
		return nil, fmt.Errorf("app: load account directory: %w", err)
	}

	auditLog := audit.Nop()
	if cfg.AuditLogPath != "" {
		auditLog, err = audit.New(cfg.AuditLogPath)
		if err != nil {
			return nil, fmt.Errorf("app: open audit log: %w", err)
		}
	}

	return &App{Config: cfg, Gateway: gw, Store: store, Accounts: dir, Log: log, Audit: auditLog}, nil
}

// Close releases the Change Store's resources and flushes the audit
// log.
func (a *App) Close() error {
	_ = a.Audit.Close()
	return a.Store.Close()
}

// AccountIDEnv is the environment variable a Transport Front sets on the
// git receive-pack subprocess it spawns, carrying the numeric account id
// of the already-authenticated pusher down to the update/post-receive
// hook subprocesses git itself spawns as children of receive-pack.
const AccountIDEnv = "GITREVIEWD_ACCOUNT_ID"

// projectConfigPath is the path, relative to a project's bare
// repository, at which its per-project configuration lives.
const projectConfigPath = "project.config"

// ProjectConfig loads the per-project configuration for name, falling
// back to defaults if the project has none on disk yet.
func (a *App) ProjectConfig(ctx context.Context, name string) (projectconfig.Project, error) {
	repo, err := a.Gateway.Open(ctx, name)
	if err != nil {
		return projectconfig.Project{}, err
	}
	return projectconfig.Load(repo.GitDir() + "/" + projectConfigPath)
}

// ReceiveEngine builds the Receive Pipeline engine for one project,
// applying the server's branch-protection defaults.
func (a *App) ReceiveEngine(ctx context.Context, name string) (*receive.Engine, error) {
	repo, err := a.Gateway.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	projCfg, err := a.ProjectConfig(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("app: load project config for %q: %w", name, err)
	}

	policy := receive.DefaultPolicy()
	policy.TrunkBranch = a.Config.TrunkBranchName
	policy.ProtectedRefPrefixes = a.Config.ProtectedRefPrefixes
	policy.AllowDirectPush = a.Config.AllowDirectPush
	policy.AllowCreates = a.Config.AllowCreates
	policy.AllowDeletes = a.Config.AllowDeletes
	policy.AllowNonFastForwards = a.Config.AllowNonFastForwards

	return &receive.Engine{
		Repo:    repo,
		Store:   a.Store,
		Project: name,
		Policy:  policy,
		Log:     a.Log.WithPrefix("receive." + name),
		Audit:   a.Audit,
		Labels:  projCfg.Labels,
	}, nil
}

// GerritDispatcher builds the command dispatcher for the Review
// Surface and Revision Ops' SSH command surface (vote, abandon,
// restore, rebase, submit, cherry-pick, revert, move). Unlike
// ReceiveEngine, UploadEngine, and Advertiser it is not scoped to one
// project: a Change's numeric id alone determines which project's
// repository an operation needs to open, so the Repository Gateway
// itself is handed to the dispatcher rather than one already-open
// repository.
func (a *App) GerritDispatcher() *gerritcmd.Dispatcher {
	return &gerritcmd.Dispatcher{
		Store:    a.Store,
		Gateway:  a.Gateway,
		Accounts: a.Accounts,
		Audit:    a.Audit,
		Log:      a.Log.WithPrefix("gerritcmd"),
	}
}

// UploadEngine builds the Upload Pipeline engine for one project,
// applying the server's negotiation limits.
func (a *App) UploadEngine(ctx context.Context, name string) (*upload.Engine, error) {
	repo, err := a.Gateway.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	return &upload.Engine{
		Repo: repo,
		Policy: upload.Policy{
			MaxUploadObjects:     a.Config.MaxUploadObjects,
			MaxUploadRefs:        a.Config.MaxUploadRefs,
			MaxNegotiationRounds: a.Config.MaxNegotiationRounds,
			MaxPackObjects:       a.Config.MaxPackObjects,
		},
		Log: a.Log.WithPrefix("upload." + name),
	}, nil
}

// Advertiser builds the Ref Advertiser for one project.
func (a *App) Advertiser(ctx context.Context, name string) (*refadvertiser.Advertiser, error) {
	repo, err := a.Gateway.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	return &refadvertiser.Advertiser{
		Repo:    repo,
		Store:   a.Store,
		Project: name,
		Policy: refadvertiser.Policy{
			TrunkBranch:              a.Config.TrunkBranchName,
			AllowDirectPushAnyBranch: a.Config.AllowDirectPush,
		},
		Log: a.Log.WithPrefix("refadvertiser." + name),
	}, nil
}
