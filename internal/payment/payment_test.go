package payment

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enclava/internal/db"
	"enclava/internal/domain"
	"enclava/internal/events"
	"enclava/internal/ledger"
	"enclava/internal/ledger/ledgertest"
	"enclava/internal/migrate"
	"enclava/internal/repo"
)

var (
	contract = common.HexToAddress("0x015C507e3E79D5049b003C3bE5b2E208A4Bb7e56")
	other    = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	buyer    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	txA      = "0x" + "aa00000000000000000000000000000000000000000000000000000000000001"
)

type memStore map[int64]domain.Agent

func (m memStore) GetAgentsByIDs(ctx context.Context, ids []int64) ([]domain.Agent, error) {
	var out []domain.Agent
	for _, id := range ids {
		if a, ok := m[id]; ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type brokenStore struct{}

func (brokenStore) GetAgentsByIDs(ctx context.Context, ids []int64) ([]domain.Agent, error) {
	return nil, errors.New("db closed")
}

func minted(id, token int64, price string) domain.Agent {
	return domain.Agent{ID: id, Price: decimal.RequireFromString(price), NFTID: &token}
}

// wei converts a decimal token amount to its 18-decimal integer form.
func wei(amount string) *big.Int {
	return ledger.FromDecimal(decimal.RequireFromString(amount), 18)
}

func receipt(logs ...types.Log) *ledger.Receipt {
	to := contract
	return &ledger.Receipt{Status: true, To: &to, Logs: logs}
}

func setup() (*Verifier, *ledgertest.Ledger) {
	chain := ledgertest.New(1)
	store := memStore{
		1: minted(1, 101, "10"),
		2: minted(2, 102, "5"),
		3: {ID: 3, Price: decimal.NewFromInt(1)},
	}
	return New(chain, store, Options{Contract: contract, Decimals: 18}), chain
}

func TestVerifyAcceptsExactPaymentOnce(t *testing.T) {
	v, chain := setup()
	ctx := context.Background()
	chain.AddReceipt(common.HexToHash(txA), receipt(
		ledgertest.UsageLog(contract, 101, buyer, wei("10")),
		ledgertest.UsageLog(contract, 102, buyer, wei("5")),
	))

	ok, err := v.Verify(ctx, []int64{1, 2}, txA)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v.Consumed(txA))

	calls := chain.Receipts()
	out, err := v.Check(ctx, []int64{1, 2}, txA)
	require.NoError(t, err)
	assert.Equal(t, Replayed, out)
	assert.Equal(t, calls, chain.Receipts(), "replay must not reach the ledger")
}

func TestVerifyHashIsCaseInsensitive(t *testing.T) {
	v, chain := setup()
	ctx := context.Background()
	chain.AddReceipt(common.HexToHash(txA), receipt(ledgertest.UsageLog(contract, 101, buyer, wei("10"))))

	upper := "0x" + "AA00000000000000000000000000000000000000000000000000000000000001"
	ok, err := v.Verify(ctx, []int64{1}, upper)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v.Consumed(txA))
}

func TestVerifyRejections(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name    string
		ids     []int64
		receipt *ledger.Receipt
		want    Outcome
	}{
		{"no receipt", []int64{1}, nil, NoReceipt},
		{"failed tx", []int64{1}, &ledger.Receipt{Status: false, To: &contract}, FailedTx},
		{"wrong contract", []int64{1}, &ledger.Receipt{Status: true, To: &other, Logs: []types.Log{ledgertest.UsageLog(contract, 101, buyer, wei("10"))}}, WrongContract},
		{"contract creation", []int64{1}, &ledger.Receipt{Status: true}, WrongContract},
		{"unknown token", []int64{1}, receipt(ledgertest.UsageLog(contract, 999, buyer, wei("10"))), AgentNotFound},
		{"token of unrequested agent", []int64{1}, receipt(
			ledgertest.UsageLog(contract, 101, buyer, wei("10")),
			ledgertest.UsageLog(contract, 102, buyer, wei("5")),
		), AgentNotFound},
		{"one agent underpaid", []int64{1, 2}, receipt(
			ledgertest.UsageLog(contract, 101, buyer, wei("10")),
			ledgertest.UsageLog(contract, 102, buyer, wei("4")),
		), Underpaid},
		{"agent without usage", []int64{1, 2}, receipt(ledgertest.UsageLog(contract, 101, buyer, wei("20"))), Underpaid},
		{"unminted agent", []int64{3}, receipt(), Underpaid},
		{"missing record", []int64{1, 42}, receipt(ledgertest.UsageLog(contract, 101, buyer, wei("10"))), UnknownAgent},
		{"no agents", nil, receipt(), NoAgents},
		{"usage from another contract", []int64{1}, receipt(ledgertest.UsageLog(other, 101, buyer, wei("10"))), Underpaid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, chain := setup()
			if tc.receipt != nil {
				chain.AddReceipt(common.HexToHash(txA), tc.receipt)
			}
			out, err := v.Check(ctx, tc.ids, txA)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out)
			assert.False(t, v.Consumed(txA))
		})
	}
}

func TestVerifyMalformedHash(t *testing.T) {
	v, chain := setup()
	for _, h := range []string{"", "0x1234", "zz" + txA[2:], "0x" + "g" + txA[3:]} {
		out, err := v.Check(context.Background(), []int64{1}, h)
		require.NoError(t, err)
		assert.Equal(t, MalformedHash, out, h)
	}
	assert.Zero(t, chain.Receipts())
}

func TestVerifyAmountsAreExact(t *testing.T) {
	chain := ledgertest.New(1)
	v := New(chain, memStore{1: minted(1, 101, "0.3")}, Options{Contract: contract, Decimals: 18})
	chain.AddReceipt(common.HexToHash(txA), receipt(
		ledgertest.UsageLog(contract, 101, buyer, wei("0.1")),
		ledgertest.UsageLog(contract, 101, buyer, wei("0.2")),
	))
	ok, err := v.Verify(context.Background(), []int64{1}, txA)
	require.NoError(t, err)
	assert.True(t, ok, "0.1 + 0.2 must cover a price of 0.3")

	txB := "0x" + "bb00000000000000000000000000000000000000000000000000000000000002"
	short := new(big.Int).Sub(wei("0.3"), big.NewInt(1))
	chain.AddReceipt(common.HexToHash(txB), receipt(ledgertest.UsageLog(contract, 101, buyer, short)))
	ok, err = v.Verify(context.Background(), []int64{1}, txB)
	require.NoError(t, err)
	assert.False(t, ok, "one wei short must be rejected")
}

func TestVerifyPropagatesErrors(t *testing.T) {
	v, chain := setup()
	chain.ReceiptErr = errors.New("rpc down")
	_, err := v.Verify(context.Background(), []int64{1}, txA)
	assert.Error(t, err)
	assert.False(t, v.Consumed(txA))

	v = New(ledgertest.New(1), brokenStore{}, Options{Contract: contract, Decimals: 18})
	_, err = v.Verify(context.Background(), []int64{1}, txA)
	assert.ErrorContains(t, err, "db closed")
}

func TestVerifyConcurrentSameHash(t *testing.T) {
	v, chain := setup()
	chain.AddReceipt(common.HexToHash(txA), receipt(ledgertest.UsageLog(contract, 101, buyer, wei("10"))))

	const n = 16
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := v.Verify(context.Background(), []int64{1}, txA)
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()
	accepted := 0
	for _, ok := range results {
		if ok {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestSeedAndAudit(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	chain := ledgertest.New(1)
	chain.AddReceipt(common.HexToHash(txA), receipt(ledgertest.UsageLog(contract, 101, buyer, wei("10"))))
	audit := &events.Writer{DB: conn}
	v := New(chain, memStore{1: minted(1, 101, "10")}, Options{Contract: contract, Decimals: 18, Audit: audit})
	ok, err := v.Verify(ctx, []int64{1}, txA)
	require.NoError(t, err)
	require.True(t, ok)

	evs, err := repo.Repo{DB: conn}.EventsOfType(ctx, events.TypePaymentAccepted)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, txA, evs[0].EntityID)

	// A restarted verifier seeded from the audit log rejects the replay.
	restarted := New(chain, memStore{1: minted(1, 101, "10")}, Options{Contract: contract, Decimals: 18})
	assert.Equal(t, 1, restarted.Seed(evs[0].EntityID, "not-a-hash"))
	out, err := restarted.Check(ctx, []int64{1}, txA)
	require.NoError(t, err)
	assert.Equal(t, Replayed, out)
}
