package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enclava/internal/db"
	"enclava/internal/domain"
	"enclava/internal/migrate"
	"enclava/internal/repo"
)

const owner = "0x1111111111111111111111111111111111111111"

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return repo.Repo{DB: conn, Now: func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }}
}

func insertAgent(t *testing.T, r repo.Repo, name, price string, cat domain.Category) domain.Agent {
	t.Helper()
	ctx := context.Background()
	u, err := r.InsertUser(ctx, nil, owner)
	require.NoError(t, err)
	a, err := r.InsertAgent(ctx, nil, domain.NewAgent{
		Name:        name,
		Description: name + " description",
		Price:       decimal.RequireFromString(price),
		OwnerID:     u.ID,
		DatasetPath: name + ".csv",
		Category:    cat,
		DatasetSize: 100,
	})
	require.NoError(t, err)
	return a
}

func TestInsertUserIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a, err := r.InsertUser(ctx, nil, owner)
	require.NoError(t, err)
	b, err := r.InsertUser(ctx, nil, owner)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	_, err = r.GetUserByAddress(ctx, nil, "0x2222222222222222222222222222222222222222")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestInsertAndGetAgent(t *testing.T) {
	r := newTestRepo(t)
	a := insertAgent(t, r, "weather", "12.5", domain.CategoryEnvironmental)
	assert.Equal(t, owner, a.OwnerAddress)
	assert.Equal(t, domain.StatusActive, a.Status)
	assert.True(t, decimal.RequireFromString("12.5").Equal(a.Price))
	assert.False(t, a.Minted())
	assert.Equal(t, "2025-01-01T00:00:00Z", a.CreatedAt)

	_, err := r.GetAgent(context.Background(), a.ID+100)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUpdateAgentNFTOnlyOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a := insertAgent(t, r, "prices", "3", domain.CategoryFinancial)

	require.NoError(t, r.UpdateAgentNFT(ctx, nil, a.ID, 7, "0xabc"))
	got, err := r.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NFTID)
	assert.Equal(t, int64(7), *got.NFTID)
	assert.Equal(t, "0xabc", *got.NFTTx)

	assert.ErrorIs(t, r.UpdateAgentNFT(ctx, nil, a.ID, 8, "0xdef"), repo.ErrNotFound)
	got, err = r.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), *got.NFTID)
}

func TestGetAgentsByIDsSkipsMissing(t *testing.T) {
	r := newTestRepo(t)
	a := insertAgent(t, r, "a", "1", domain.CategoryWeb3)
	b := insertAgent(t, r, "b", "2", domain.CategoryWeb3)
	got, err := r.GetAgentsByIDs(context.Background(), []int64{b.ID, 999, a.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].ID)
	assert.Equal(t, b.ID, got[1].ID)
}

func TestListAgentsFiltersAndSorts(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertAgent(t, r, "alpha", "30", domain.CategoryGaming)
	insertAgent(t, r, "beta", "4", domain.CategoryGaming)
	insertAgent(t, r, "gamma", "100", domain.CategoryIoT)

	got, err := r.ListAgents(ctx, repo.AgentQuery{Category: "Gaming", SortBy: "price", SortOrder: "desc"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0].Name)
	assert.Equal(t, "beta", got[1].Name)

	got, err = r.ListAgents(ctx, repo.AgentQuery{Search: "amm"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "gamma", got[0].Name)

	_, err = r.ListAgents(ctx, repo.AgentQuery{SortBy: "owner"})
	assert.ErrorIs(t, err, repo.ErrInvalidQuery)
	_, err = r.ListAgents(ctx, repo.AgentQuery{SortOrder: "up"})
	assert.ErrorIs(t, err, repo.ErrInvalidQuery)
}

func TestDatasetStatsAndOwnerListing(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertAgent(t, r, "a", "0.1", domain.CategoryAnalytics)
	insertAgent(t, r, "b", "0.2", domain.CategoryAnalytics)

	stats, err := r.DatasetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalCount)
	assert.Equal(t, int64(200), stats.TotalSize)
	assert.True(t, decimal.RequireFromString("0.3").Equal(stats.TotalPrice), stats.TotalPrice.String())

	mine, err := r.AgentsByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestAPIKeys(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	hash := repo.HashAPIKey(" secret ")
	require.Equal(t, repo.HashAPIKey("secret"), hash)
	require.NoError(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", Name: "ops", KeyHash: hash}))

	key, err := r.GetAPIKeyByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "ops", key.Name)

	keys, err := r.ListAPIKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	_, err = r.GetAPIKeyByHash(ctx, hash)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
