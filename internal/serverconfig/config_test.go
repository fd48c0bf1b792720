package serverconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitreview/gitreviewd/internal/serverconfig"
)

func TestLoad_missingFileReturnsDefaults(t *testing.T) {
	cfg, err := serverconfig.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, serverconfig.Default(), cfg)
}

func TestLoad_emptyPathReturnsDefaults(t *testing.T) {
	cfg, err := serverconfig.Load("")
	require.NoError(t, err)
	assert.Equal(t, serverconfig.Default(), cfg)
}

func TestLoad_overridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gitreviewd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ssh_port: 2222
trunk_branch_name: main
allow_direct_push: true
store_driver: postgres
store_dsn: "postgres://localhost/gitreviewd"
`), 0o644))

	cfg, err := serverconfig.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2222, cfg.SSHPort)
	assert.Equal(t, "main", cfg.TrunkBranchName)
	assert.True(t, cfg.AllowDirectPush)
	assert.Equal(t, "postgres", cfg.StoreDriver)

	// Untouched fields keep their defaults.
	assert.Equal(t, serverconfig.Default().HTTPPort, cfg.HTTPPort)
}

