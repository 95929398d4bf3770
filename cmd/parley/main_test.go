package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzawahab/parley/internal/config"
)

func parseFlags(t *testing.T, args ...string) (*config.Config, bool) {
	t.Helper()
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags(args))
	cfg := config.Default(t.TempDir())
	cfg.Username = "before"
	opts := &options{}
	opts.home, _ = cmd.Flags().GetString("home")
	opts.username, _ = cmd.Flags().GetString("username")
	opts.port, _ = cmd.Flags().GetInt("port")
	opts.downloadDir, _ = cmd.Flags().GetString("download-dir")
	opts.hidden, _ = cmd.Flags().GetBool("hidden")
	opts.noPopups, _ = cmd.Flags().GetBool("no-popups")
	return cfg, applyFlags(cmd, cfg, opts)
}

func TestApplyFlagsOverridesConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dl")
	cfg, changed := parseFlags(t, "-u", "ann", "--port", "12000", "--download-dir", dir, "--hidden", "--no-popups")
	assert.True(t, changed)
	assert.Equal(t, "ann", cfg.Username)
	assert.Equal(t, 12000, cfg.ListenPort)
	assert.Equal(t, dir, cfg.DownloadDir)
	assert.True(t, cfg.OpenChatHidden)
	assert.False(t, cfg.NotificationPopup)
}

func TestApplyFlagsLeavesConfigAlone(t *testing.T) {
	cfg, changed := parseFlags(t)
	assert.False(t, changed)
	assert.Equal(t, "before", cfg.Username)
	assert.Equal(t, config.DefaultListenPort, cfg.ListenPort)
	assert.True(t, cfg.NotificationPopup)
}

func TestBlankUsernameIsIgnored(t *testing.T) {
	cfg, changed := parseFlags(t, "--username", "  ")
	assert.False(t, changed)
	assert.Equal(t, "before", cfg.Username)
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"home", "username", "port", "download-dir", "hidden", "no-popups", "debug"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
	assert.NotEmpty(t, cmd.Version)
}
