package smarthttp_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gitreview/gitreviewd/internal/accounts"
	"github.com/gitreview/gitreviewd/internal/app"
	"github.com/gitreview/gitreviewd/internal/changestore"
	"github.com/gitreview/gitreviewd/internal/gitgw"
	"github.com/gitreview/gitreviewd/internal/serverconfig"
	"github.com/gitreview/gitreviewd/internal/silog/silogtest"
	"github.com/gitreview/gitreviewd/internal/transport/smarthttp"
)

func newTestApp(t *testing.T, anonymousRead bool) *app.App {
	t.Helper()
	ctx := context.Background()

	gw, err := gitgw.New(t.TempDir(), silogtest.New(t))
	require.NoError(t, err)
	_, err = gw.Create(ctx, "demo")
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"accounts:\n"+
			"  - id: 1\n"+
			"    username: alice\n"+
			"    active: true\n"+
			"    password_hash: \""+string(hash)+"\"\n",
	), 0o644))
	dir, err := accounts.Load(path)
	require.NoError(t, err)

	return &app.App{
		Config: serverconfig.Config{
			UploadPackEnabled:    true,
			ReceivePackEnabled:   true,
			TrunkBranchName:      "trunk",
			AnonymousReadEnabled: anonymousRead,
		},
		Gateway:  gw,
		Store:    changestore.NewMemStore(),
		Accounts: dir,
		Log:      silogtest.New(t),
	}
}

func TestServeHTTP_infoRefsUploadPackAnonymous(t *testing.T) {
	a := newTestApp(t, true)
	srv := httptest.NewServer(smarthttp.New(a, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/demo/info/refs?service=git-upload-pack")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-git-upload-pack-advertisement", resp.Header.Get("Content-Type"))
}

func TestServeHTTP_infoRefsReceivePackRequiresAuth(t *testing.T) {
	a := newTestApp(t, true)
	srv := httptest.NewServer(smarthttp.New(a, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/demo/info/refs?service=git-receive-pack")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
}

func TestServeHTTP_infoRefsReceivePackWithValidAuth(t *testing.T) {
	a := newTestApp(t, true)
	srv := httptest.NewServer(smarthttp.New(a, nil))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/demo/info/refs?service=git-receive-pack", nil)
	require.NoError(t, err)
	req.SetBasicAuth("alice", "hunter2")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-git-receive-pack-advertisement", resp.Header.Get("Content-Type"))
}

func TestServeHTTP_unknownProjectReturns404(t *testing.T) {
	a := newTestApp(t, true)
	srv := httptest.NewServer(smarthttp.New(a, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nope/info/refs?service=git-upload-pack")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeHTTP_uploadPackDisabledReturns403(t *testing.T) {
	a := newTestApp(t, true)
	a.Config.UploadPackEnabled = false
	srv := httptest.NewServer(smarthttp.New(a, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/demo/info/refs?service=git-upload-pack")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
