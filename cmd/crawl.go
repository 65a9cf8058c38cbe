package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs or resumes the crawl",
		Long: `Seeds a fresh crawl, or resumes the pending requests of a previous
run, and drives it until no requests remain. Interrupting the command saves
the crawl state before exiting.`,
		Annotations: map[string]string{needsApp: "true"},
		RunE:        runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer appInstance.Close()

	if err := appInstance.Run(cmd.Context()); err != nil {
		if errors.Is(err, context.Canceled) {
			appInstance.Logger().Warn("crawl interrupted; state saved for resume")
			return nil
		}
		return fmt.Errorf("run crawler: %w", err)
	}
	appInstance.Logger().Info("crawl command finished", zap.String("command", cmd.Name()))
	return nil
}
