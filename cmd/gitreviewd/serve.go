package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/gitreview/gitreviewd/internal/app"
	"github.com/gitreview/gitreviewd/internal/git"
	"github.com/gitreview/gitreviewd/internal/transport/smarthttp"
	"github.com/gitreview/gitreviewd/internal/transport/sshd"
)

// serveCmd runs the server: it opens the App once and hands it to every
// enabled Transport Front, running them concurrently until ctx is
// canceled (SIGINT/SIGTERM, via main's signal.NotifyContext).
type serveCmd struct{}

func (cmd *serveCmd) Run(ctx context.Context, g *globalOptions) error {
	a, err := app.Open(g.Config, g.logger())
	if err != nil {
		return err
	}
	defer a.Close()

	group, gctx := errgroup.WithContext(ctx)

	if a.Config.SSHEnabled {
		srv, err := sshd.New(sshd.Config{
			Host:                 a.Config.SSHHost,
			Port:                 a.Config.SSHPort,
			HostKeyPath:          a.Config.SSHHostKeyPath,
			AnonymousReadEnabled: a.Config.AnonymousReadEnabled,
			IdleTimeout:          time.Duration(a.Config.SSHIdleTimeoutSeconds) * time.Second,
			ReadTimeout:          time.Duration(a.Config.SSHReadTimeoutSeconds) * time.Second,
		}, &packHandler{app: a}, a.GerritDispatcher(), &directoryAuthenticator{app: a}, a.Log.WithPrefix("sshd"))
		if err != nil {
			return fmt.Errorf("serve: start sshd: %w", err)
		}
		a.Log.Info("sshd listening", "host", a.Config.SSHHost, "port", a.Config.SSHPort)
		group.Go(func() error { return srv.ListenAndServe(gctx) })
	}

	if a.Config.HTTPEnabled {
		httpSrv := &http.Server{
			Addr:    fmt.Sprintf(":%d", a.Config.HTTPPort),
			Handler: smarthttp.New(a, a.Log.WithPrefix("smarthttp")),
		}
		group.Go(func() error {
			<-gctx.Done()
			return httpSrv.Shutdown(context.Background())
		})
		group.Go(func() error {
			a.Log.Info("smarthttp listening", "port", a.Config.HTTPPort)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve: smarthttp: %w", err)
			}
			return nil
		})
	}

	return group.Wait()
}

// packHandler adapts the App onto sshd.Handler: it opens the named
// project through the Repository Gateway and runs the real git
// upload-pack/receive-pack binary against it, injecting the
// authenticated account id into the subprocess environment so the
// update/post-receive hooks it spawns can read it back (see
// internal/app's doc comment).
type packHandler struct {
	app *app.App
}

func (h *packHandler) ReceivePack(ctx context.Context, project, username string, stdin io.Reader, stdout io.Writer) error {
	if !h.app.Config.ReceivePackEnabled {
		return fmt.Errorf("receive-pack is disabled")
	}
	repo, err := h.app.Gateway.Open(ctx, project)
	if err != nil {
		return err
	}
	return repo.ReceivePack(ctx, git.PackRequest{
		Stdin:  stdin,
		Stdout: stdout,
		Env:    []string{fmt.Sprintf("%s=%d", app.AccountIDEnv, h.accountID(username))},
	})
}

func (h *packHandler) UploadPack(ctx context.Context, project, username string, stdin io.Reader, stdout io.Writer) error {
	if !h.app.Config.UploadPackEnabled {
		return fmt.Errorf("upload-pack is disabled")
	}
	repo, err := h.app.Gateway.Open(ctx, project)
	if err != nil {
		return err
	}
	return repo.UploadPack(ctx, git.PackRequest{Stdin: stdin, Stdout: stdout})
}

func (h *packHandler) accountID(username string) int64 {
	acct, ok := h.app.Accounts.ByUsername(username)
	if !ok {
		return 0
	}
	return acct.ID
}

// directoryAuthenticator adapts the App's account directory onto
// sshd.Authenticator.
type directoryAuthenticator struct {
	app *app.App
}

func (a *directoryAuthenticator) Password(username, password string) (string, error) {
	acct, err := a.app.Accounts.Authenticate(username, password)
	if err != nil {
		return "", err
	}
	return acct.Username, nil
}

func (a *directoryAuthenticator) PublicKey(username string, key ssh.PublicKey) (string, error) {
	acct, err := a.app.Accounts.AuthenticateKey(username, key)
	if err != nil {
		return "", err
	}
	return acct.Username, nil
}
