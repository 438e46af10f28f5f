package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"enclava/internal/config"
)

func TestLoadConfigAppliesOverrides(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(ws), []byte("ledger:\n  rpc_url: http://file:8545\n"), 0o644))
	t.Cleanup(viper.Reset)
	viper.Set("workspace", ws)
	viper.Set("rpc-url", "http://flag:8545")
	viper.Set("jwt-secret", "s3cret")

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, ws, cfg.Workspace)
	require.Equal(t, "http://flag:8545", cfg.Ledger.RPCURL)
	require.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	require.Equal(t, config.DefaultListen, cfg.Listen)
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("base_path: v0\n"), 0o644))
	t.Cleanup(viper.Reset)
	viper.Set("workspace", ws)
	viper.Set("config", path)

	_, err := loadConfig()
	require.ErrorContains(t, err, "base_path")
}

func TestNewAPIKeyIsUnique(t *testing.T) {
	a, err := newAPIKey()
	require.NoError(t, err)
	b, err := newAPIKey()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Len(t, a, len("enk_")+48)
}
