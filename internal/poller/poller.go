package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"enclava/internal/domain"
	"enclava/internal/ledger"
	"enclava/internal/logging"
	"enclava/internal/metrics"
	"enclava/internal/reconcile"
)

var log = logging.Logger("poller")

const DefaultInterval = 5 * time.Second

// Handler receives each decoded mint event.
type Handler interface {
	Reconcile(ctx context.Context, ev domain.MintEvent) error
}

type Options struct {
	Interval time.Duration
	Metrics  *metrics.Metrics
}

// Poller watches the ledger for mint events and hands each one to a Handler.
// Consecutive cycles share their boundary block, so an event can be delivered
// twice; the Handler must be idempotent.
type Poller struct {
	client   ledger.Client
	contract common.Address
	handler  Handler
	interval time.Duration
	metrics  *metrics.Metrics

	mu        sync.Mutex
	lastBlock uint64
	ready     bool

	// inflight tracks dispatches from polling cycles, pushed those from
	// Subscribe. Each group is only added to by the goroutine that drains it.
	inflight sync.WaitGroup
	pushed   sync.WaitGroup
}

func New(client ledger.Client, contract common.Address, h Handler, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Poller{
		client:   client,
		contract: contract,
		handler:  h,
		interval: opts.Interval,
		metrics:  opts.Metrics,
	}
}

// Cursor returns the block the next cycle starts from.
func (p *Poller) Cursor() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastBlock
}

// Init sets the cursor to the current ledger height.
func (p *Poller) Init(ctx context.Context) error {
	height, err := p.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read initial height: %w", err)
	}
	p.setCursor(height)
	return nil
}

func (p *Poller) setCursor(block uint64) {
	p.mu.Lock()
	p.lastBlock = block
	p.ready = true
	p.mu.Unlock()
	p.metrics.PollCursor.Set(float64(block))
}

func (p *Poller) initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Run polls every interval until ctx is cancelled, then waits for in-flight
// dispatches. Cycle errors are logged and never stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	defer p.inflight.Wait()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	log.Infow("mint poller started", "contract", p.contract.Hex(), "interval", p.interval)
	for {
		if !p.initialized() {
			if err := p.Init(ctx); err != nil {
				p.metrics.PollErrors.WithLabelValues("init").Inc()
				log.Warnw("mint poller init failed", "err", err)
			}
		}
		if p.initialized() {
			if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				log.Errorw("mint poll failed", "err", err, "from", p.Cursor())
			}
		}
		select {
		case <-ctx.Done():
			log.Infow("mint poller stopping", "last_block", p.Cursor())
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs a single cycle. On error the cursor is left unchanged.
func (p *Poller) Poll(ctx context.Context) error {
	from := p.Cursor()
	current, err := p.client.BlockNumber(ctx)
	if err != nil {
		p.metrics.PollErrors.WithLabelValues("height").Inc()
		return fmt.Errorf("read height: %w", err)
	}
	if current < from {
		p.metrics.PollCycles.Inc()
		return nil
	}
	logs, err := p.client.FilterLogs(ctx, p.contract, ledger.DatasetNFTMinted, from, nil)
	if err != nil {
		p.metrics.PollErrors.WithLabelValues("logs").Inc()
		return fmt.Errorf("filter logs from %d: %w", from, err)
	}
	for _, l := range logs {
		p.dispatch(ctx, l, &p.inflight)
	}
	p.setCursor(current)
	p.metrics.PollCycles.Inc()
	return nil
}

func (p *Poller) dispatch(ctx context.Context, l types.Log, wg *sync.WaitGroup) {
	ev, ok := ledger.DecodeMint(l)
	if !ok {
		log.Debugw("skipping undecodable log", "tx", l.TxHash.Hex(), "block", l.BlockNumber)
		return
	}
	p.metrics.MintsDispatched.Inc()
	// Dispatches outlive the cycle's context so shutdown lets them finish.
	dctx := context.WithoutCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.handler.Reconcile(dctx, ev); err != nil {
			logReconcileError(ev, err)
		}
	}()
}

// Wait blocks until every dispatched event has been handled.
func (p *Poller) Wait() {
	p.inflight.Wait()
	p.pushed.Wait()
}

func logReconcileError(ev domain.MintEvent, err error) {
	kv := []any{"dataset", ev.DatasetID, "token", ev.TokenID, "tx", ev.TxHash.Hex(), "err", err}
	if errors.Is(err, reconcile.ErrAlreadyMinted) {
		log.Debugw("mint already reconciled", kv...)
		return
	}
	log.Errorw("mint reconcile failed", kv...)
}

type BackfillResult struct {
	Logs    int `json:"logs"`
	Minted  int `json:"minted"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Backfill reconciles every mint in [from, to] synchronously. It leaves the
// polling cursor alone.
func (p *Poller) Backfill(ctx context.Context, from, to uint64) (BackfillResult, error) {
	var res BackfillResult
	if to < from {
		return res, fmt.Errorf("invalid block range %d..%d", from, to)
	}
	logs, err := p.client.FilterLogs(ctx, p.contract, ledger.DatasetNFTMinted, from, &to)
	if err != nil {
		return res, fmt.Errorf("filter logs %d..%d: %w", from, to, err)
	}
	for _, l := range logs {
		ev, ok := ledger.DecodeMint(l)
		if !ok {
			continue
		}
		res.Logs++
		err := p.handler.Reconcile(ctx, ev)
		switch {
		case err == nil:
			res.Minted++
		case errors.Is(err, reconcile.ErrAlreadyMinted):
			res.Skipped++
		default:
			res.Failed++
			logReconcileError(ev, err)
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
	log.Infow("backfill finished", "from", from, "to", to, "minted", res.Minted, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// Subscribe dispatches mints pushed over a log subscription until ctx is
// cancelled or the subscription fails, then waits for those dispatches. It
// supplements Run and never moves the polling cursor.
func (p *Poller) Subscribe(ctx context.Context, sub ledger.Subscriber) error {
	ch := make(chan types.Log, 64)
	s, err := sub.SubscribeLogs(ctx, p.contract, ledger.DatasetNFTMinted, ch)
	if err != nil {
		return fmt.Errorf("subscribe mint logs: %w", err)
	}
	defer p.pushed.Wait()
	defer s.Unsubscribe()
	log.Infow("mint subscription started", "contract", p.contract.Hex())
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.Err():
			return fmt.Errorf("mint subscription: %w", err)
		case l := <-ch:
			if l.Removed {
				continue
			}
			p.dispatch(ctx, l, &p.pushed)
		}
	}
}
