package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kairos"
)

// globalFlags are shared by every subcommand and override the environment.
type globalFlags struct {
	configFile  string
	databaseURL string
}

func (g *globalFlags) options(logger *slog.Logger) []kairos.Option {
	opts := []kairos.Option{
		kairos.WithLogger(logger),
		kairos.WithVersion(version),
	}
	if g.configFile != "" {
		opts = append(opts, kairos.WithConfigFile(g.configFile))
	}
	if g.databaseURL != "" {
		opts = append(opts, kairos.WithDatabaseURL(g.databaseURL))
	}
	return opts
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "kairos",
		Short: "Job coordinator with adaptive publish timing",
		Long: `Kairos coordinates background jobs across a pool of workers through
Postgres, reclaims work from workers that die, and learns which time slots
produce the best outcomes.

Run one or more coordinators with "kairos serve" and any number of workers
with "kairos worker" against the same database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "YAML file with task families and scoring weights (overrides KAIROS_CONFIG_FILE)")
	root.PersistentFlags().StringVar(&g.databaseURL, "database-url", "", "Postgres connection string (overrides DATABASE_URL)")

	root.AddCommand(
		newServeCmd(g, logger),
		newWorkerCmd(g, logger),
		newMigrateCmd(g, logger),
		newServiceAccountCmd(g, logger),
		newKeygenCmd(),
	)
	return root
}

func newServeCmd(g *globalFlags, logger *slog.Logger) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator API, reclamation sweep and reward loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := g.options(logger)
			if port != 0 {
				opts = append(opts, kairos.WithPort(port))
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, app *kairos.App) error {
				return app.Serve(ctx)
			})
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides KAIROS_PORT)")
	return cmd
}

func newWorkerCmd(g *globalFlags, logger *slog.Logger) *cobra.Command {
	var workerID string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and execute tasks for the configured families",
		Long: `Run a worker that polls every family in the config file and executes
claimed tasks with the family's HTTP executor. On SIGINT or SIGTERM the worker
stops claiming, gives in-flight tasks KAIROS_DRAIN_TIMEOUT to finish, and
returns anything unfinished to the queue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := g.options(logger)
			if workerID != "" {
				opts = append(opts, kairos.WithWorkerID(workerID))
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, app *kairos.App) error {
				return app.Work(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "id", "", "worker id (overrides KAIROS_WORKER_ID, default hostname)")
	return cmd
}

func newMigrateCmd(g *globalFlags, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// New applies migrations; nothing else to do.
			return withApp(cmd.Context(), g.options(logger), func(context.Context, *kairos.App) error {
				logger.Info("migrations applied")
				return nil
			})
		},
	}
}

func newServiceAccountCmd(g *globalFlags, logger *slog.Logger) *cobra.Command {
	parent := &cobra.Command{
		Use:   "service-account",
		Short: "Manage API service accounts",
	}

	var role, apiKey string
	create := &cobra.Command{
		Use:   "create <service-id>",
		Short: "Create a service account and print its API key",
		Long: `Create a service account. The API key is printed once and cannot be
recovered; it is generated unless --api-key is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g.options(logger), func(ctx context.Context, app *kairos.App) error {
				key, err := app.CreateServiceAccount(ctx, args[0], role, apiKey)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "service_id: %s\nrole: %s\napi_key: %s\n", args[0], role, key)
				return err
			})
		},
	}
	create.Flags().StringVar(&role, "role", "service", "role: admin, service or reader")
	create.Flags().StringVar(&apiKey, "api-key", "", "use this key instead of generating one")

	parent.AddCommand(create)
	return parent
}

// withApp builds an App, runs fn, and closes the App on return.
func withApp(ctx context.Context, opts []kairos.Option, fn func(context.Context, *kairos.App) error) error {
	app, err := kairos.New(ctx, opts...)
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))
	return fn(ctx, app)
}
