package app_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enclava/internal/app"
	"enclava/internal/completion"
	"enclava/internal/config"
	"enclava/internal/engine"
	"enclava/internal/events"
	"enclava/internal/ledger/ledgertest"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Workspace = t.TempDir()
	cfg.Models.Provider = "echo"
	return cfg
}

func TestOpenRestoresState(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	chain := ledgertest.New(10)

	first, err := app.Open(ctx, cfg, app.Options{Ledger: chain, LLM: completion.Echo{}})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.Workspace, "uploads"), cfg.Uploads.Dir)
	res, err := first.Engine.UploadDataset(ctx, engine.UploadInput{
		FileName: "w.csv", Data: []byte("a,b\n1,2\n"), UserAddress: "0x00000000000000000000000000000000000000a1",
		Price: "3", Description: "d", Name: "w", Category: "IoT",
	})
	require.NoError(t, err)
	tx := common.HexToHash("0x01").Hex()
	require.NoError(t, first.Engine.Events.Append(ctx, nil, events.TypePaymentAccepted, events.KindPayment, tx, "system", nil))
	first.Close()

	second, err := app.Open(ctx, cfg, app.Options{Ledger: chain, LLM: completion.Echo{}})
	require.NoError(t, err)
	defer second.Close()

	_, ok := second.Registry.Get(res.Agent.ID)
	assert.True(t, ok, "stored agents are loaded at startup")
	assert.True(t, second.Payments.Consumed(tx), "accepted payments survive a restart")
	assert.Nil(t, second.Subscriber)
}

func TestOpenRequiresRPCURL(t *testing.T) {
	cfg := testConfig(t)
	_, err := app.Open(context.Background(), cfg, app.Options{LLM: completion.Echo{}})
	assert.ErrorContains(t, err, "rpc_url")
}

func TestRunWatchersStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	c, err := app.Open(context.Background(), cfg, app.Options{Ledger: ledgertest.New(5), LLM: completion.Echo{}, SkipAgents: true})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.RunWatchers(ctx))
	assert.Equal(t, uint64(5), c.Poller.Cursor())
}
