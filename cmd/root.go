// Package cmd defines and implements the CLI commands for the catalog-crawler
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/app"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/logging"
)

type ctxKey string

const (
	envKey ctxKey = "env"
	appKey ctxKey = "app"

	// needsApp marks commands that run against fully wired services.
	needsApp = "needs-app"
)

// Runner is the part of the application the crawl command drives. It lets
// tests swap in a fake.
type Runner interface {
	Run(ctx context.Context) error
	Close()
	Logger() *zap.Logger
}

type env struct {
	cfg    config.Config
	logger *zap.Logger
}

var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.New(ctx, cfg, logger)
}

var newLogger = logging.New

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "catalog-crawler",
		Short: "A resumable product catalog crawler.",
		Long: `catalog-crawler walks a product catalog through a retrying, proxy
rotating fetcher, deduplicates the records it extracts and appends them to a
partitioned workbook. Crawl state is checkpointed so an interrupted run picks
up where it left off.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger})

			if cmd.Annotations[needsApp] == "true" {
				appInstance, err := newApp(ctx, cfg, logger)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				ctx = context.WithValue(ctx, appKey, appInstance)
			}
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if e, ok := cmd.Context().Value(envKey).(*env); ok {
				_ = e.logger.Sync()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.AddCommand(newCrawlCmd(), newStateCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

func resolveApp(ctx context.Context) (Runner, error) {
	appInstance, ok := ctx.Value(appKey).(Runner)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the crawl so
// state is checkpointed before exit.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
