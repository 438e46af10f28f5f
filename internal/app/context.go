package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"enclava/internal/completion"
	"enclava/internal/config"
	"enclava/internal/db"
	"enclava/internal/engine"
	"enclava/internal/events"
	"enclava/internal/ledger"
	"enclava/internal/logging"
	"enclava/internal/metrics"
	"enclava/internal/migrate"
	"enclava/internal/payment"
	"enclava/internal/poller"
	"enclava/internal/reconcile"
	"enclava/internal/registry"
	"enclava/internal/repo"
)

var log = logging.Logger("app")

// Context is the application state built once at startup and shared by the
// server, the mint poller and the CLI.
type Context struct {
	Config     *config.Config
	DB         *sql.DB
	Repo       repo.Repo
	Metrics    *metrics.Metrics
	Ledger     ledger.Client
	Subscriber ledger.Subscriber
	Registry   *registry.Registry
	Payments   *payment.Verifier
	Reconciler *reconcile.Reconciler
	Poller     *poller.Poller
	Engine     engine.Engine

	closers []func()
}

// Options replaces external dependencies, mostly for tests.
type Options struct {
	Ledger ledger.Client
	LLM    completion.Model
	// SkipAgents leaves the registry empty instead of loading every dataset.
	SkipAgents bool
}

// Open opens and migrates the database, dials the ledger, loads every agent
// into the registry and seeds the consumed payment set from the audit log.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Context{Config: cfg, Metrics: metrics.New()}
	if !filepath.IsAbs(cfg.Uploads.Dir) {
		cfg.Uploads.Dir = filepath.Join(cfg.Workspace, cfg.Uploads.Dir)
	}

	conn, err := db.Open(db.Config{Workspace: cfg.Workspace, Path: cfg.Database})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	c.DB = conn
	c.closers = append(c.closers, func() { conn.Close() })
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		c.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	c.Repo = repo.Repo{DB: conn}

	if err := c.openLedger(ctx, opts.Ledger); err != nil {
		c.Close()
		return nil, err
	}
	llm := opts.LLM
	if llm == nil {
		if llm, err = completion.New(cfg.Models); err != nil {
			c.Close()
			return nil, err
		}
	}

	c.Registry = registry.New()
	c.Registry.OnChange = func(n int) { c.Metrics.RegistrySize.Set(float64(n)) }
	c.Payments = payment.New(c.Ledger, c.Repo, payment.Options{
		Contract: cfg.Ledger.Contract(),
		Decimals: cfg.Ledger.TokenDecimals,
		Audit:    &events.Writer{DB: conn},
		Metrics:  c.Metrics,
	})
	c.Reconciler = reconcile.New(conn, c.Metrics)
	c.Poller = poller.New(c.Ledger, cfg.Ledger.Contract(), c.Reconciler, poller.Options{
		Interval: cfg.Ledger.PollInterval,
		Metrics:  c.Metrics,
	})
	c.Engine = engine.New(conn, cfg, c.Registry, llm, c.Payments)

	if err := c.seedPayments(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if !opts.SkipAgents {
		if err := registry.LoadAll(ctx, c.Repo, c.Engine.Builder, c.Registry); err != nil {
			c.Close()
			return nil, fmt.Errorf("load agents: %w", err)
		}
	}
	return c, nil
}

func (c *Context) openLedger(ctx context.Context, override ledger.Client) error {
	if override != nil {
		c.Ledger = override
		if sub, ok := override.(ledger.Subscriber); ok {
			c.Subscriber = sub
		}
		return nil
	}
	l := c.Config.Ledger
	if l.RPCURL == "" {
		return errors.New("config.ledger.rpc_url is required")
	}
	opts := ledger.Options{CallTimeout: l.CallTimeout, MaxRetries: l.MaxRetries, Metrics: c.Metrics}
	client, err := ledger.Dial(ctx, l.RPCURL, opts)
	if err != nil {
		return err
	}
	c.Ledger = client
	c.closers = append(c.closers, client.Close)
	if l.WSURL != "" {
		ws, err := ledger.Dial(ctx, l.WSURL, opts)
		if err != nil {
			log.Warnw("websocket ledger unavailable, polling only", "url", l.WSURL, "err", err)
			return nil
		}
		c.Subscriber = ws
		c.closers = append(c.closers, ws.Close)
	}
	return nil
}

func (c *Context) seedPayments(ctx context.Context) error {
	accepted, err := c.Repo.EventsOfType(ctx, events.TypePaymentAccepted)
	if err != nil {
		return fmt.Errorf("load accepted payments: %w", err)
	}
	hashes := make([]string, len(accepted))
	for i, ev := range accepted {
		hashes[i] = ev.EntityID
	}
	if n := c.Payments.Seed(hashes...); n > 0 {
		log.Infow("consumed payments restored", "count", n)
	}
	return nil
}

// RunWatchers runs the mint poller, plus the log subscription when a
// websocket endpoint is configured, until ctx is cancelled. A failed
// subscription is logged and polling carries on.
func (c *Context) RunWatchers(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Poller.Run(gctx) })
	if c.Subscriber != nil {
		g.Go(func() error {
			if err := c.Poller.Subscribe(gctx, c.Subscriber); err != nil {
				log.Warnw("mint subscription ended", "err", err)
			}
			return nil
		})
	}
	err := g.Wait()
	c.Poller.Wait()
	return err
}

// Close releases the ledger connections and the database, in reverse order.
func (c *Context) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
