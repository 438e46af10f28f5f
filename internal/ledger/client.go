package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"enclava/internal/logging"
	"enclava/internal/metrics"
)

var log = logging.Logger("ledger")

// Receipt is the subset of a transaction receipt used for payment checks.
type Receipt struct {
	Status bool
	// To is nil for contract creation.
	To   *common.Address
	Logs []types.Log
}

// Client is the read-only ledger surface the service depends on.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	// FilterLogs returns logs of contract with topic0 == topic in [from, to].
	// A nil to means up to the latest block.
	FilterLogs(ctx context.Context, contract common.Address, topic common.Hash, from uint64, to *uint64) ([]types.Log, error)
	// Receipt returns nil, nil when the transaction is unknown.
	Receipt(ctx context.Context, txHash common.Hash) (*Receipt, error)
}

// Subscriber streams new logs as they are produced.
type Subscriber interface {
	SubscribeLogs(ctx context.Context, contract common.Address, topic common.Hash, ch chan<- types.Log) (ethereum.Subscription, error)
}

type Options struct {
	CallTimeout time.Duration
	MaxRetries  uint64
	Metrics     *metrics.Metrics
}

// EthClient adapts an ethclient connection, bounding each call by a timeout
// and retrying transient failures with exponential backoff.
type EthClient struct {
	rpc     *ethclient.Client
	timeout time.Duration
	retries uint64
	metrics *metrics.Metrics
}

var (
	_ Client     = (*EthClient)(nil)
	_ Subscriber = (*EthClient)(nil)
)

func Dial(ctx context.Context, url string, opts Options) (*EthClient, error) {
	rpc, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewEthClient(rpc, opts), nil
}

func NewEthClient(rpc *ethclient.Client, opts Options) *EthClient {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &EthClient{rpc: rpc, timeout: opts.CallTimeout, retries: opts.MaxRetries, metrics: opts.Metrics}
}

func (c *EthClient) Close() {
	c.rpc.Close()
}

func (c *EthClient) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	notify := func(err error, wait time.Duration) {
		log.Warnw("ledger call failed, retrying", "method", method, "err", err, "wait", wait)
	}
	return backoff.RetryNotify(func() error {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		start := time.Now()
		err := fn(cctx)
		c.metrics.LedgerCalls.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if errors.Is(err, ethereum.NotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, notify)
}

func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	var height uint64
	err := c.call(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		height, err = c.rpc.BlockNumber(ctx)
		return err
	})
	return height, err
}

func (c *EthClient) FilterLogs(ctx context.Context, contract common.Address, topic common.Hash, from uint64, to *uint64) ([]types.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{topic}},
	}
	if to != nil {
		q.ToBlock = new(big.Int).SetUint64(*to)
	}
	var logs []types.Log
	err := c.call(ctx, "eth_getLogs", func(ctx context.Context) error {
		var err error
		logs, err = c.rpc.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

func (c *EthClient) Receipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	var rcpt *types.Receipt
	err := c.call(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		var err error
		rcpt, err = c.rpc.TransactionReceipt(ctx, txHash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// Receipts do not carry the destination; it comes from the transaction.
	var tx *types.Transaction
	err = c.call(ctx, "eth_getTransactionByHash", func(ctx context.Context) error {
		var err error
		tx, _, err = c.rpc.TransactionByHash(ctx, txHash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := &Receipt{
		Status: rcpt.Status == types.ReceiptStatusSuccessful,
		To:     tx.To(),
		Logs:   make([]types.Log, 0, len(rcpt.Logs)),
	}
	for _, l := range rcpt.Logs {
		if l != nil {
			out.Logs = append(out.Logs, *l)
		}
	}
	return out, nil
}

func (c *EthClient) SubscribeLogs(ctx context.Context, contract common.Address, topic common.Hash, ch chan<- types.Log) (ethereum.Subscription, error) {
	q := ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{topic}},
	}
	return c.rpc.SubscribeFilterLogs(ctx, q, ch)
}
