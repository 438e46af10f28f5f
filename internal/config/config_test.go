package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplateParses(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Ledger.PollInterval)
	assert.Equal(t, int32(18), cfg.Ledger.TokenDecimals)
	assert.Equal(t, DefaultContract, cfg.Ledger.Contract().Hex())
	assert.Equal(t, 3, cfg.Chat.MaxSelectedAgents)
	assert.Equal(t, int64(10<<20), cfg.Uploads.MaxFileSize)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("ledger:\n  poll_interval: 250ms\nmodels:\n  provider: echo\n"))
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Ledger.PollInterval)
	assert.Equal(t, "echo", cfg.Models.Provider)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, DefaultAgentModel, cfg.Models.Agent)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad contract": "ledger:\n  contract_address: nope\n",
		"bad provider": "models:\n  provider: openai\n",
		"zero agents":  "chat:\n  max_selected_agents: 0\n",
		"bad base":     "base_path: v0\n",
		"zero poll":    "ledger:\n  poll_interval: 0s\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	require.NoError(t, os.WriteFile(path, []byte("listen: 127.0.0.1:9999\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Listen)
}
