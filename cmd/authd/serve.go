package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	auth "github.com/goliatone/go-auth-tokens"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(a *app) *cobra.Command {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, JWKS and metrics endpoints and run the retention job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := a.services(true)
			if err != nil {
				return err
			}
			defer s.Close()

			if migrateFirst {
				if err := auth.Migrate(ctx, s.client); err != nil {
					return err
				}
			}

			job := auth.NewRetentionJob(s.repo.Blacklist(), a.logger, s.activity)
			scheduler, err := job.Schedule(a.cfg.RetentionSchedule)
			if err != nil {
				return err
			}

			ops := auth.NewOpsApp(auth.OpsConfig{
				Signer:   s.signer,
				Gatherer: s.registry,
				Ready: func(c *fiber.Ctx) error {
					return s.db.PingContext(c.UserContext())
				},
			})

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				a.logger.Info("ops server listening", "address", a.cfg.Server.OpsAddress)
				return ops.Listen(a.cfg.Server.OpsAddress)
			})

			g.Go(func() error {
				scheduler.Start()
				<-gctx.Done()
				<-scheduler.Stop().Done()
				return nil
			})

			g.Go(func() error {
				<-gctx.Done()
				a.logger.Info("shutting down")
				return ops.ShutdownWithTimeout(a.cfg.Server.ShutdownTimeout)
			})

			if err := g.Wait(); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.services(false)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := auth.Migrate(cmd.Context(), s.client); err != nil {
				return err
			}
			a.logger.Info("database migrated", "driver", a.cfg.Database.Driver)
			return nil
		},
	}
}

func newPruneCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove expired blacklist entries once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.services(false)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := auth.NewRetentionJob(s.repo.Blacklist(), a.logger, s.activity).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired blacklist entries\n", n)
			return nil
		},
	}
}
