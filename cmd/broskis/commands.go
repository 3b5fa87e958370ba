package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/broskis-kitchen/broskis/internal/app"
	"github.com/broskis-kitchen/broskis/internal/config"
	"github.com/broskis-kitchen/broskis/internal/rewards"
	"github.com/broskis-kitchen/broskis/internal/store"
)

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.Open(ctx, cfg, app.Options{Logger: logger})
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}()

		logger.Info("starting broskis",
			"version", version,
			"addr", cfg.Server.Addr,
			"store", cfg.Store.Driver,
			"auth", cfg.Auth.Mode,
		)
		return a.Run(ctx)
	},
}

// ---------------------------------------------------------------------------
// migrate
// ---------------------------------------------------------------------------

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply Postgres migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Store.Driver != config.DriverPostgres {
			return fmt.Errorf("migrate needs the postgres driver, configured driver is %q", cfg.Store.Driver)
		}
		ctx := cmd.Context()
		pg, err := store.OpenPostgres(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()

		applied, err := pg.Migrate(ctx)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		}
		for _, v := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", v)
		}
		return nil
	},
}

// ---------------------------------------------------------------------------
// seed
// ---------------------------------------------------------------------------

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load menu items, drops, and offers into the store",
	Long: `Writes the seed file into the configured store. Without --file the
starter menu is used. Existing records with the same ids are replaced.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Store.Driver == config.DriverMemory {
			return errors.New("the memory store is seeded on serve, set store.seed_file instead")
		}
		now := time.Now().UTC()
		seed := store.DefaultSeed(now)
		if seedFile != "" {
			s, err := store.LoadSeedFile(seedFile)
			if err != nil {
				return err
			}
			seed = s
		}

		ctx := cmd.Context()
		st, err := app.OpenStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := store.ApplySeed(ctx, st, seed, now); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d items, %d drops, %d offers\n",
			len(seed.Items), len(seed.Drops), len(seed.Offers))
		return nil
	},
}

// ---------------------------------------------------------------------------
// rewards
// ---------------------------------------------------------------------------

var rewardsCmd = &cobra.Command{
	Use:   "rewards",
	Short: "Manage customer points",
}

var adjustFlags struct {
	uid    string
	delta  int64
	reason string
	actor  string
}

var rewardsAdjustCmd = &cobra.Command{
	Use:   "adjust",
	Short: "Add or remove points from a customer's balance",
	Long: `Applies a signed adjustment to one account and records it in the audit
log. Removals are clamped at a zero balance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		st, err := app.OpenStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		svc := rewards.NewService(st, cfg.Rewards, logger.With("component", "rewards"))
		res, err := svc.Adjust(ctx, adjustFlags.actor, adjustFlags.uid, adjustFlags.delta, adjustFlags.reason)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: requested %+d, applied %+d, balance %d\n",
			res.Account.UID, res.Requested, res.Applied, res.Account.Balance)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "", "seed YAML file")

	f := rewardsAdjustCmd.Flags()
	f.StringVar(&adjustFlags.uid, "uid", "", "customer uid")
	f.Int64Var(&adjustFlags.delta, "delta", 0, "points to add (negative to remove)")
	f.StringVar(&adjustFlags.reason, "reason", "", "reason recorded in the audit log")
	f.StringVar(&adjustFlags.actor, "actor", "cli", "actor recorded in the audit log")
	_ = rewardsAdjustCmd.MarkFlagRequired("uid")
	_ = rewardsAdjustCmd.MarkFlagRequired("delta")
	_ = rewardsAdjustCmd.MarkFlagRequired("reason")
	rewardsCmd.AddCommand(rewardsAdjustCmd)
}
