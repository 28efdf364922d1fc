package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/meo-rank-tracker/internal/config"
	"github.com/JakeFAU/meo-rank-tracker/internal/rank"
	"github.com/JakeFAU/meo-rank-tracker/internal/server"
)

// application is what the commands need from the built service graph.
type application interface {
	Run(ctx context.Context) error
	RunOnce(ctx context.Context, sheet, entity string) (rank.RunSummary, error)
	Close(ctx context.Context) error
}

// newApp is the application factory. Tests replace it with a fake.
var newApp = func(ctx context.Context, cfg config.Config) (application, error) {
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:           "ranktracker",
		Short:         "Track local-search ranks for business phrases.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCmd(&cfgPath), newRunCmd(&cfgPath))
	return cmd
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the intake API and execute queued runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *cfgPath)
		},
	}
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var sheet, entity string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one run in the foreground and print its summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sheet == "" {
				return errors.New("--sheet is required")
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			app, err := build(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close(context.WithoutCancel(ctx))
			}()

			summary, err := app.RunOnce(ctx, sheet, entity)
			if err != nil {
				return fmt.Errorf("run %q: %w", sheet, err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return fmt.Errorf("encode summary: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sheet, "sheet", "", "sheet (tab) holding the tracked phrases")
	cmd.Flags().StringVar(&entity, "entity", "", "business name to match; defaults to the sheet name")
	return cmd
}

func serve(ctx context.Context, cfgPath string) error {
	app, err := build(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// signalContext cancels on SIGINT or SIGTERM so a foreground run unwinds
// through its deferred Close.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func build(ctx context.Context, cfgPath string) (application, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := newApp(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return app, nil
}
