package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"enclava/internal/app"
	"enclava/internal/config"
	"enclava/internal/db"
	"enclava/internal/domain"
	"enclava/internal/logging"
	"enclava/internal/migrate"
	"enclava/internal/repo"
	"enclava/internal/server"
)

var log = logging.Logger("cli")

var rootCmd = &cobra.Command{
	Use:   "enclava",
	Short: "Enclava dataset agent backend",
	Long: `Enclava serves AI agents bound to uploaded CSV datasets.
- Upload: a CSV dataset becomes a record and a live agent.
- Mint: the owner mints the dataset as a token on the ledger; the mint poller binds the token to the record.
- Pay: buyers pay per dataset on the ledger and present the transaction hash to query the agents.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		return logging.Setup(logging.Config{Level: viper.GetString("log-level"), File: viper.GetString("log-file")})
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ENCLAVA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.StringP("config", "c", "", "config file (default <workspace>/enclava.yml)")
	flags.String("database", "", "SQLite database path (overrides config)")
	flags.String("rpc-url", "", "ledger JSON-RPC endpoint (overrides config)")
	flags.String("ws-url", "", "ledger websocket endpoint for log subscriptions (overrides config)")
	flags.String("gemini-api-key", "", "Gemini API key (overrides config)")
	flags.String("jwt-secret", "", "HS256 secret for admin bearer tokens (overrides config)")
	flags.String("log-level", "", "log level (overrides config)")
	flags.String("log-file", "", "rolling log file (overrides config)")
	flags.Bool("json", false, "output JSON")
	for _, name := range []string{"workspace", "config", "database", "rpc-url", "ws-url", "gemini-api-key", "jwt-secret", "log-level", "log-file", "json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(mintsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(adminCmd())
}

// loadConfig reads the config file and applies flag and environment overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	path := viper.GetString("config")
	if path == "" {
		path = config.Path(workspace)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	cfg.Workspace = workspace
	overrides := map[string]*string{
		"database":       &cfg.Database,
		"rpc-url":        &cfg.Ledger.RPCURL,
		"ws-url":         &cfg.Ledger.WSURL,
		"gemini-api-key": &cfg.Models.APIKey,
		"jwt-secret":     &cfg.Auth.JWTSecret,
		"log-level":      &cfg.Log.Level,
		"log-file":       &cfg.Log.File,
	}
	for key, dst := range overrides {
		if v := strings.TrimSpace(viper.GetString(key)); v != "" {
			*dst = v
		}
	}
	return cfg, cfg.Validate()
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the mint poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logging.Setup(logging.Config{Level: cfg.Log.Level, File: cfg.Log.File}); err != nil {
				return err
			}
			if addr != "" {
				cfg.Listen = addr
			}
			if basePath != "" {
				cfg.BasePath = basePath
			}
			ctx := cmd.Context()
			a, err := app.Open(ctx, cfg, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			if cfg.Auth.JWTSecret == "" {
				log.Warnw("no jwt secret configured, admin endpoints accept API keys only")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Backfill: a.Poller,
				Metrics:  a.Metrics.Handler(),
				BasePath: cfg.BasePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Listen, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.RunWatchers(gctx) })
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			g.Go(func() error {
				log.Infow("serving Enclava API", "addr", cfg.Listen, "base_path", cfg.BasePath, "agents", a.Registry.Len())
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: cfg.Workspace, Path: cfg.Database})
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("schema version %d\n", version)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage enclava.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default enclava.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.Models.APIKey != "" {
				redacted.Models.APIKey = "***"
			}
			if redacted.Auth.JWTSecret != "" {
				redacted.Auth.JWTSecret = "***"
			}
			return printJSON(redacted)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func agentsCmd() *cobra.Command {
	agents := &cobra.Command{Use: "agents", Short: "Inspect dataset agents"}
	agents.AddCommand(agentsListCmd())
	agents.AddCommand(agentsShowCmd())
	agents.AddCommand(agentsStatsCmd())
	return agents
}

func agentsListCmd() *cobra.Command {
	var q repo.AgentQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dataset agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAgents(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Category", "Price", "Size", "Owner", "NFT"})
				for _, a := range items {
					nft := ""
					if a.NFTID != nil {
						nft = strconv.FormatInt(*a.NFTID, 10)
					}
					tw.AppendRow(table.Row{a.ID, a.Name, a.Category, a.Price.String(), humanize.Bytes(uint64(a.DatasetSize)), a.OwnerAddress, nft})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.Search, "search", "", "match name or description")
	cmd.Flags().StringVar(&q.Category, "category", "", "category filter ("+categoriesHelp()+")")
	cmd.Flags().StringVar(&q.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&q.SortBy, "sort-by", "", "price, created_at, updated_at or name")
	cmd.Flags().StringVar(&q.SortOrder, "sort-order", "", "asc or desc")
	return cmd
}

func agentsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one dataset agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAgent(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
}

func agentsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Dataset totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.DatasetStats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("datasets: %d\ntotal price: %s\ntotal size: %s\n", s.TotalCount, s.TotalPrice, humanize.Bytes(uint64(s.TotalSize)))
				return nil
			})
		},
	}
}

func mintsCmd() *cobra.Command {
	mints := &cobra.Command{Use: "mints", Short: "Reconcile ledger mint events"}
	mints.AddCommand(mintsBackfillCmd())
	return mints
}

func mintsBackfillCmd() *cobra.Command {
	var from, to uint64
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Reconcile every mint event in a block range",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := app.Open(ctx, cfg, app.Options{SkipAgents: true})
			if err != nil {
				return err
			}
			defer a.Close()
			if !cmd.Flags().Changed("to") {
				if to, err = a.Ledger.BlockNumber(ctx); err != nil {
					return err
				}
			}
			res, err := a.Poller.Backfill(ctx, from, to)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Printf("blocks %d..%d: %d mint logs, %d minted, %d already minted, %d failed\n", from, to, res.Logs, res.Minted, res.Skipped, res.Failed)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "first block")
	cmd.Flags().Uint64Var(&to, "to", 0, "last block (default: current height)")
	return cmd
}

func eventsCmd() *cobra.Command {
	events := &cobra.Command{Use: "events", Short: "Inspect the audit log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.Actor})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	events.AddCommand(tail)
	return events
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: cfg.Workspace, Path: cfg.Database})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func categoriesHelp() string {
	names := make([]string, 0, len(domain.Categories()))
	for _, c := range domain.Categories() {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}
