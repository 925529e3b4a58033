package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/procurehq/erpsync/internal/app"
	"github.com/procurehq/erpsync/internal/domain/statemachine"
	"github.com/procurehq/erpsync/internal/migration"
	"github.com/procurehq/erpsync/internal/outbox"
	"github.com/procurehq/erpsync/internal/reconcile"
	"github.com/procurehq/erpsync/internal/seeder"
)

// NewRootCommand builds the root erpsync CLI command.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "erpsync",
		Short: "ERP reconciliation service toolkit",
	}

	root.AddCommand(newStartCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newSeedCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newWorkerCmd())

	return root
}

// Execute runs the erpsync CLI.
func Execute() error {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}
	return nil
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "start",
		Aliases: []string{"run"},
		Short:   "Run the HTTP service with the outbox worker and puller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd.Context(), app.Module)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			var mig *migration.Migrator
			opts := fx.Options(app.Core, migration.Module, fx.Populate(&mig))
			return runWithApp(cmd.Context(), opts, func(ctx context.Context) error {
				if err := mig.Up(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Rollback migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			all, _ := cmd.Flags().GetBool("all")
			var mig *migration.Migrator
			opts := fx.Options(app.Core, migration.Module, fx.Populate(&mig))
			return runWithApp(cmd.Context(), opts, func(ctx context.Context) error {
				if err := mig.Down(ctx, steps, all); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations rolled back")
				return nil
			})
		},
	}
	downCmd.Flags().Int("steps", 1, "Number of migration steps to rollback")
	downCmd.Flags().Bool("all", false, "Rollback all applied migrations")

	cmd.AddCommand(upCmd, downCmd)
	return cmd
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Seed tenants and demo data",
		RunE: func(cmd *cobra.Command, args []string) error {
			var seed *seeder.Seeder
			opts := fx.Options(app.Core, seeder.Module, fx.Populate(&seed))
			return runWithApp(cmd.Context(), opts, func(ctx context.Context) error {
				if err := seed.Demo(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "seed data applied")
				return nil
			})
		},
	}
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation cycle for a tenant and scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			scope, _ := cmd.Flags().GetString("scope")
			limit, _ := cmd.Flags().GetInt("limit")
			if tenant == "" {
				return fmt.Errorf("--tenant is required")
			}
			kind, ok := statemachine.ParseKind(scope)
			if !ok {
				return fmt.Errorf("unknown scope: %s", scope)
			}

			var engine *reconcile.Engine
			opts := fx.Options(app.Core, fx.Populate(&engine))
			return runWithApp(cmd.Context(), opts, func(ctx context.Context) error {
				run, err := engine.SyncEntity(ctx, tenant, kind, limit, 0)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "run %d %s: in=%d upserted=%d failed=%d\n",
					run.ID, run.Status, run.RecordsIn, run.RecordsUpserted, run.RecordsFailed)
				return nil
			})
		},
	}
	cmd.Flags().String("tenant", "", "Tenant to reconcile")
	cmd.Flags().String("scope", "supplier", "Entity scope to reconcile")
	cmd.Flags().Int("limit", 200, "Maximum records per cycle")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage background workers",
	}

	outboxCmd := &cobra.Command{
		Use:   "outbox",
		Short: "Run the purchase-order push worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			once, _ := cmd.Flags().GetBool("once")
			if once {
				var w *outbox.Worker
				opts := fx.Options(app.Core, fx.Provide(outbox.NewWorker), fx.Populate(&w))
				return runWithApp(cmd.Context(), opts, func(ctx context.Context) error {
					processed := w.Drain(ctx)
					fmt.Fprintf(cmd.OutOrStdout(), "processed %d push runs\n", processed)
					return nil
				})
			}
			return runApp(cmd.Context(), fx.Options(app.Core, outbox.Module))
		},
	}
	outboxCmd.Flags().Bool("once", false, "Drain one batch and exit")

	pullerCmd := &cobra.Command{
		Use:   "puller",
		Short: "Run the inbound reconciliation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			once, _ := cmd.Flags().GetBool("once")
			if once {
				var p *reconcile.Puller
				opts := fx.Options(app.Core, fx.Provide(reconcile.NewPuller), fx.Populate(&p))
				return runWithApp(cmd.Context(), opts, func(ctx context.Context) error {
					p.Tick(ctx)
					fmt.Fprintln(cmd.OutOrStdout(), "pull pass finished")
					return nil
				})
			}
			return runApp(cmd.Context(), fx.Options(app.Core, reconcile.PullerModule))
		},
	}
	pullerCmd.Flags().Bool("once", false, "Run one scheduling pass and exit")

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Consume erp events from the message bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd.Context(), app.Worker)
		},
	}

	cmd.AddCommand(outboxCmd, pullerCmd, eventsCmd)
	return cmd
}

func runApp(ctx context.Context, opts fx.Option) error {
	application := fx.New(opts)
	if err := application.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return application.Stop(stopCtx)
}

func runWithApp(ctx context.Context, opts fx.Option, fn func(context.Context) error) error {
	application := fx.New(opts, fx.NopLogger)
	if err := application.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = application.Stop(stopCtx)
	}()
	return fn(ctx)
}
