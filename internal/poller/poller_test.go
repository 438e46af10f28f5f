package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"enclava/internal/domain"
	"enclava/internal/ledger/ledgertest"
	"enclava/internal/reconcile"
)

var (
	contract = common.HexToAddress("0x015C507e3E79D5049b003C3bE5b2E208A4Bb7e56")
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

type recorder struct {
	mu   sync.Mutex
	seen []domain.MintEvent
	err  error
}

func (r *recorder) Reconcile(ctx context.Context, ev domain.MintEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ev)
	return r.err
}

func (r *recorder) events() []domain.MintEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.MintEvent(nil), r.seen...)
}

func TestPollDispatchesEachMint(t *testing.T) {
	chain := ledgertest.New(100)
	h := &recorder{}
	p := New(chain, contract, h, Options{})
	ctx := context.Background()
	require.NoError(t, p.Init(ctx))
	assert.Equal(t, uint64(100), p.Cursor())

	chain.SetHeight(105)
	chain.AddLogs(ledgertest.MintLog(contract, owner, 3, "7", 102, common.HexToHash("0x01")))
	require.NoError(t, p.Poll(ctx))
	p.Wait()

	assert.Equal(t, uint64(105), p.Cursor())
	assert.Equal(t, []uint64{100}, chain.Filters())
	seen := h.events()
	require.Len(t, seen, 1)
	assert.Equal(t, "7", seen[0].DatasetID)
	assert.Equal(t, int64(3), seen[0].TokenID.Int64())
	assert.Equal(t, owner, seen[0].To)
}

func TestPollRangesOverlapByOneBlock(t *testing.T) {
	chain := ledgertest.New(100)
	h := &recorder{}
	p := New(chain, contract, h, Options{})
	ctx := context.Background()
	require.NoError(t, p.Init(ctx))

	chain.SetHeight(105)
	chain.AddLogs(ledgertest.MintLog(contract, owner, 3, "7", 105, common.HexToHash("0x01")))
	require.NoError(t, p.Poll(ctx))
	chain.SetHeight(108)
	require.NoError(t, p.Poll(ctx))
	p.Wait()

	assert.Equal(t, []uint64{100, 105}, chain.Filters())
	// The boundary block is read twice, so its event arrives twice.
	assert.Len(t, h.events(), 2)
}

func TestPollSkipsUndecodableLogs(t *testing.T) {
	chain := ledgertest.New(10)
	h := &recorder{}
	p := New(chain, contract, h, Options{})
	ctx := context.Background()
	require.NoError(t, p.Init(ctx))

	bad := ledgertest.MintLog(contract, owner, 1, "1", 11, common.HexToHash("0x02"))
	bad.Topics = bad.Topics[:1]
	good := ledgertest.MintLog(contract, owner, 2, "2", 11, common.HexToHash("0x03"))
	chain.SetHeight(12)
	chain.AddLogs(bad, good)
	require.NoError(t, p.Poll(ctx))
	p.Wait()

	seen := h.events()
	require.Len(t, seen, 1)
	assert.Equal(t, "2", seen[0].DatasetID)
}

func TestPollErrorsLeaveCursor(t *testing.T) {
	chain := ledgertest.New(50)
	p := New(chain, contract, &recorder{}, Options{})
	ctx := context.Background()
	require.NoError(t, p.Init(ctx))

	chain.SetHeight(60)
	chain.SetErrors(errors.New("rpc down"), nil)
	assert.Error(t, p.Poll(ctx))
	assert.Equal(t, uint64(50), p.Cursor())

	chain.SetErrors(nil, errors.New("getLogs timeout"))
	assert.Error(t, p.Poll(ctx))
	assert.Equal(t, uint64(50), p.Cursor())

	chain.SetErrors(nil, nil)
	require.NoError(t, p.Poll(ctx))
	assert.Equal(t, uint64(60), p.Cursor())
}

func TestPollSkipsWhenHeightBehindCursor(t *testing.T) {
	chain := ledgertest.New(50)
	p := New(chain, contract, &recorder{}, Options{})
	ctx := context.Background()
	require.NoError(t, p.Init(ctx))
	chain.SetHeight(49)
	require.NoError(t, p.Poll(ctx))
	assert.Empty(t, chain.Filters())
	assert.Equal(t, uint64(50), p.Cursor())
}

func TestRunSurvivesErrorsAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	chain := ledgertest.New(100)
	chain.SetErrors(errors.New("not yet"), nil)
	h := &recorder{err: reconcile.ErrAlreadyMinted}
	p := New(chain, contract, h, Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	chain.SetErrors(nil, nil)
	require.Eventually(t, func() bool { return p.Cursor() == 100 }, time.Second, 5*time.Millisecond)

	chain.AddLogs(ledgertest.MintLog(contract, owner, 1, "1", 101, common.HexToHash("0x04")))
	chain.SetHeight(101)
	require.Eventually(t, func() bool { return len(h.events()) > 0 }, time.Second, 5*time.Millisecond)

	chain.SetErrors(nil, errors.New("flaky"))
	time.Sleep(20 * time.Millisecond)
	chain.SetErrors(nil, nil)
	chain.SetHeight(110)
	require.Eventually(t, func() bool { return p.Cursor() == 110 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type gate struct {
	release chan struct{}
	mu      sync.Mutex
	done    int
}

func (g *gate) Reconcile(ctx context.Context, ev domain.MintEvent) error {
	<-g.release
	g.mu.Lock()
	g.done++
	g.mu.Unlock()
	return nil
}

func TestRunDrainsInflightDispatches(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	chain := ledgertest.New(1)
	g := &gate{release: make(chan struct{})}
	p := New(chain, contract, g, Options{Interval: time.Hour})
	ctx := context.Background()
	require.NoError(t, p.Init(ctx))
	chain.AddLogs(ledgertest.MintLog(contract, owner, 1, "1", 1, common.HexToHash("0x05")))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = p.Run(runCtx)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(chain.Filters()) == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned before the dispatch finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(g.release)
	<-done
	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, 1, g.done)
}

func TestBackfillCountsOutcomes(t *testing.T) {
	chain := ledgertest.New(0)
	h := &countingHandler{results: map[string]error{
		"1": nil,
		"2": reconcile.ErrAlreadyMinted,
		"3": reconcile.ErrNotFound,
	}}
	p := New(chain, contract, h, Options{})
	chain.AddLogs(
		ledgertest.MintLog(contract, owner, 1, "1", 5, common.HexToHash("0x11")),
		ledgertest.MintLog(contract, owner, 2, "2", 6, common.HexToHash("0x12")),
		ledgertest.MintLog(contract, owner, 3, "3", 7, common.HexToHash("0x13")),
		ledgertest.MintLog(contract, owner, 4, "4", 20, common.HexToHash("0x14")),
	)
	res, err := p.Backfill(context.Background(), 5, 10)
	require.NoError(t, err)
	assert.Equal(t, BackfillResult{Logs: 3, Minted: 1, Skipped: 1, Failed: 1}, res)
	assert.Equal(t, uint64(0), p.Cursor())

	_, err = p.Backfill(context.Background(), 10, 5)
	assert.Error(t, err)
}

type countingHandler struct {
	results map[string]error
}

func (c *countingHandler) Reconcile(ctx context.Context, ev domain.MintEvent) error {
	return c.results[ev.DatasetID]
}

func TestSubscribeDispatchesPushedMints(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	chain := ledgertest.New(100)
	h := &recorder{}
	p := New(chain, contract, h, Options{})
	require.NoError(t, p.Init(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Subscribe(ctx, chain) }()
	require.Eventually(t, func() bool { return chain.Subscriptions() == 1 }, time.Second, time.Millisecond)

	reorged := ledgertest.MintLog(contract, owner, 2, "2", 102, common.HexToHash("0x22"))
	reorged.Removed = true
	chain.Push(ledgertest.MintLog(contract, owner, 1, "1", 101, common.HexToHash("0x21")))
	chain.Push(reorged)
	chain.Push(ledgertest.MintLog(contract, owner, 3, "3", 103, common.HexToHash("0x23")))
	require.Eventually(t, func() bool { return len(h.events()) == 2 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	var ids []string
	for _, ev := range h.events() {
		ids = append(ids, ev.DatasetID)
	}
	assert.ElementsMatch(t, []string{"1", "3"}, ids)
	assert.Equal(t, uint64(100), p.Cursor())
	assert.Empty(t, chain.Filters())
}

func TestSubscribeReturnsOnSubscriptionError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	chain := ledgertest.New(100)
	p := New(chain, contract, &recorder{}, Options{})
	require.NoError(t, p.Init(context.Background()))

	done := make(chan error, 1)
	go func() { done <- p.Subscribe(context.Background(), chain) }()
	require.Eventually(t, func() bool { return chain.Subscriptions() == 1 }, time.Second, time.Millisecond)
	chain.FailSubscriptions(errors.New("websocket closed"))

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "websocket closed")
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after the subscription failed")
	}
	assert.Equal(t, uint64(100), p.Cursor())

	chain.SubscribeErr = errors.New("no websocket")
	assert.ErrorContains(t, p.Subscribe(context.Background(), chain), "no websocket")
}
