package ledger_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enclava/internal/ledger"
	"enclava/internal/ledger/ledgertest"
)

var (
	contract = common.HexToAddress("0x015C507e3E79D5049b003C3bE5b2E208A4Bb7e56")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func TestDecodeMint(t *testing.T) {
	tx := common.HexToHash("0x01")
	l := ledgertest.MintLog(contract, alice, 42, "17", 102, tx)

	ev, ok := ledger.DecodeMint(l)
	require.True(t, ok)
	assert.Equal(t, alice, ev.To)
	assert.Equal(t, int64(42), ev.TokenID.Int64())
	assert.Equal(t, "17", ev.DatasetID)
	assert.Equal(t, uint64(102), ev.BlockNumber)
	assert.Equal(t, tx, ev.TxHash)
}

func TestDecodeMintRejectsOtherLogs(t *testing.T) {
	usage := ledgertest.UsageLog(contract, 1, alice, big.NewInt(5))
	_, ok := ledger.DecodeMint(usage)
	assert.False(t, ok)

	short := ledgertest.MintLog(contract, alice, 1, "1", 1, common.Hash{})
	short.Topics = short.Topics[:2]
	_, ok = ledger.DecodeMint(short)
	assert.False(t, ok)

	garbled := ledgertest.MintLog(contract, alice, 1, "1", 1, common.Hash{})
	garbled.Data = []byte{0x01, 0x02}
	_, ok = ledger.DecodeMint(garbled)
	assert.False(t, ok)
}

func TestDecodeUsageAndClaim(t *testing.T) {
	amount, _ := new(big.Int).SetString("10000000000000000000", 10)
	ev, ok := ledger.DecodeUsage(ledgertest.UsageLog(contract, 9, alice, amount))
	require.True(t, ok)
	assert.Equal(t, int64(9), ev.TokenID.Int64())
	assert.Equal(t, alice, ev.User)
	assert.Zero(t, amount.Cmp(ev.Amount))

	_, ok = ledger.DecodeUsage(ledgertest.ClaimLog(contract, 9, alice, amount))
	assert.False(t, ok)

	claim, ok := ledger.DecodeClaim(ledgertest.ClaimLog(contract, 9, alice, amount))
	require.True(t, ok)
	assert.Equal(t, alice, claim.Owner)
}

func TestTokenID64(t *testing.T) {
	id, ok := ledger.TokenID64(big.NewInt(5))
	assert.True(t, ok)
	assert.Equal(t, int64(5), id)

	huge := new(big.Int).Lsh(big.NewInt(1), 70)
	_, ok = ledger.TokenID64(huge)
	assert.False(t, ok)

	_, ok = ledger.TokenID64(big.NewInt(-1))
	assert.False(t, ok)
}

func TestToDecimalIsExact(t *testing.T) {
	raw, _ := new(big.Int).SetString("1000000000000000001", 10)
	got := ledger.ToDecimal(raw, 18)
	assert.Equal(t, "1.000000000000000001", got.String())

	tenth, _ := new(big.Int).SetString("100000000000000000", 10)
	assert.True(t, ledger.ToDecimal(tenth, 18).Equal(decimal.RequireFromString("0.1")))

	assert.Zero(t, ledger.FromDecimal(got, 18).Cmp(raw))
	assert.True(t, ledger.ToDecimal(nil, 18).IsZero())
}
