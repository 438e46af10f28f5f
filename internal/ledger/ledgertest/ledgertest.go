// Package ledgertest provides an in-memory ledger and log builders for tests.
package ledgertest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"enclava/internal/ledger"
)

var (
	stringArgs = mustArgs("string")
	amountArgs = mustArgs("uint256")
)

func mustArgs(t string) abi.Arguments {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: typ}}
}

func intTopic(v *big.Int) common.Hash {
	u, overflow := uint256.FromBig(v)
	if overflow {
		panic("topic value overflows uint256")
	}
	return common.Hash(u.Bytes32())
}

// MintLog builds a DatasetNFTMinted log.
func MintLog(contract, to common.Address, tokenID int64, datasetID string, block uint64, txHash common.Hash) types.Log {
	data, err := stringArgs.Pack(datasetID)
	if err != nil {
		panic(err)
	}
	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{ledger.DatasetNFTMinted, common.BytesToHash(to.Bytes()), intTopic(big.NewInt(tokenID))},
		Data:        data,
		BlockNumber: block,
		TxHash:      txHash,
	}
}

// UsageLog builds a DatasetUsed log for amount in the smallest unit.
func UsageLog(contract common.Address, tokenID int64, user common.Address, amount *big.Int) types.Log {
	data, err := amountArgs.Pack(amount)
	if err != nil {
		panic(err)
	}
	return types.Log{
		Address: contract,
		Topics:  []common.Hash{ledger.DatasetUsed, intTopic(big.NewInt(tokenID)), common.BytesToHash(user.Bytes())},
		Data:    data,
	}
}

// ClaimLog builds an AmountClaimed log.
func ClaimLog(contract common.Address, tokenID int64, owner common.Address, amount *big.Int) types.Log {
	data, err := amountArgs.Pack(amount)
	if err != nil {
		panic(err)
	}
	return types.Log{
		Address: contract,
		Topics:  []common.Hash{ledger.AmountClaimed, intTopic(big.NewInt(tokenID)), common.BytesToHash(owner.Bytes())},
		Data:    data,
	}
}

// Ledger is a concurrency-safe fake ledger. Error fields, when set, are
// returned by the matching call.
type Ledger struct {
	mu       sync.Mutex
	height   uint64
	logs     []types.Log
	receipts map[common.Hash]*ledger.Receipt

	HeightErr    error
	LogsErr      error
	ReceiptErr   error
	SubscribeErr error

	subs []*Subscription

	FilterCalls  []uint64
	ReceiptCalls int
}

var (
	_ ledger.Client     = (*Ledger)(nil)
	_ ledger.Subscriber = (*Ledger)(nil)
)

func New(height uint64) *Ledger {
	return &Ledger{height: height, receipts: map[common.Hash]*ledger.Receipt{}}
}

func (l *Ledger) SetHeight(h uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.height = h
}

func (l *Ledger) SetErrors(height, logs error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.HeightErr, l.LogsErr = height, logs
}

func (l *Ledger) AddLogs(logs ...types.Log) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, logs...)
}

func (l *Ledger) AddReceipt(txHash common.Hash, r *ledger.Receipt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receipts[txHash] = r
}

func (l *Ledger) Filters() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.FilterCalls...)
}

func (l *Ledger) Receipts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ReceiptCalls
}

func (l *Ledger) BlockNumber(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.HeightErr != nil {
		return 0, l.HeightErr
	}
	return l.height, nil
}

func (l *Ledger) FilterLogs(ctx context.Context, contract common.Address, topic common.Hash, from uint64, to *uint64) ([]types.Log, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.FilterCalls = append(l.FilterCalls, from)
	if l.LogsErr != nil {
		return nil, l.LogsErr
	}
	var out []types.Log
	for _, lg := range l.logs {
		if lg.Address != contract || len(lg.Topics) == 0 || lg.Topics[0] != topic {
			continue
		}
		if lg.BlockNumber < from || (to != nil && lg.BlockNumber > *to) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (l *Ledger) Receipt(ctx context.Context, txHash common.Hash) (*ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ReceiptCalls++
	if l.ReceiptErr != nil {
		return nil, l.ReceiptErr
	}
	return l.receipts[txHash], nil
}

// Subscription is a fake log subscription fed by Ledger.Push.
type Subscription struct {
	contract common.Address
	topic    common.Hash
	ch       chan<- types.Log
	errc     chan error
	quit     chan struct{}
	once     sync.Once
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { close(s.quit) })
}

func (s *Subscription) Err() <-chan error { return s.errc }

func (l *Ledger) SubscribeLogs(ctx context.Context, contract common.Address, topic common.Hash, ch chan<- types.Log) (ethereum.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SubscribeErr != nil {
		return nil, l.SubscribeErr
	}
	sub := &Subscription{contract: contract, topic: topic, ch: ch, errc: make(chan error, 1), quit: make(chan struct{})}
	l.subs = append(l.subs, sub)
	return sub, nil
}

// Subscriptions reports how many subscriptions were opened.
func (l *Ledger) Subscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Push delivers lg to every open subscription whose filter matches it.
func (l *Ledger) Push(lg types.Log) {
	l.mu.Lock()
	subs := append([]*Subscription(nil), l.subs...)
	l.mu.Unlock()
	for _, s := range subs {
		if lg.Address != s.contract || len(lg.Topics) == 0 || lg.Topics[0] != s.topic {
			continue
		}
		select {
		case s.ch <- lg:
		case <-s.quit:
		}
	}
}

// FailSubscriptions ends every open subscription with err.
func (l *Ledger) FailSubscriptions(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.subs {
		select {
		case s.errc <- err:
		default:
		}
	}
}
