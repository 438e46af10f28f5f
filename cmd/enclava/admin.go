package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"enclava/internal/domain"
	"enclava/internal/events"
	"enclava/internal/repo"
	"enclava/internal/server"
)

const cliActor = "cli"

func adminCmd() *cobra.Command {
	admin := &cobra.Command{Use: "admin", Short: "Admin credentials for the /admin endpoints"}
	key := &cobra.Command{Use: "key", Short: "Manage admin API keys"}
	key.AddCommand(adminKeyCreateCmd())
	key.AddCommand(adminKeyListCmd())
	key.AddCommand(adminKeyRevokeCmd())
	admin.AddCommand(key)
	admin.AddCommand(adminTokenCmd())
	return admin
}

func adminKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an admin API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := newAPIKey()
			if err != nil {
				return err
			}
			key := domain.APIKey{ID: uuid.NewString(), Name: name, KeyHash: repo.HashAPIKey(secret)}
			err = withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				w := events.Writer{DB: r.DB}
				if err := w.Append(ctx, tx, events.TypeAPIKeyCreated, events.KindAPIKey, key.ID, cliActor, events.EventPayload{"name": name}); err != nil {
					return err
				}
				return tx.Commit()
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"id": key.ID, "name": name, "key": secret})
			}
			fmt.Printf("id:  %s\nkey: %s\n", key.ID, secret)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func adminKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List admin API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					created := k.CreatedAt
					if ts, err := time.Parse(time.RFC3339Nano, k.CreatedAt); err == nil {
						created = humanize.Time(ts)
					}
					tw.AppendRow(table.Row{k.ID, k.Name, created})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func adminKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an admin API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				w := events.Writer{DB: r.DB}
				if err := w.Append(ctx, nil, events.TypeAPIKeyRevoked, events.KindAPIKey, args[0], cliActor, nil); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func adminTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an HS256 admin bearer token with the configured jwt secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.SignAdminToken(cfg.Auth.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "enk_" + hex.EncodeToString(b), nil
}
