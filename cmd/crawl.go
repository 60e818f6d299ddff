package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/minyong318-png/search-tennis-cloudflared/internal/app"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl+alarm cycle and exits",
		Long: `Executes a single scheduler tick synchronously: crawls the current
partition, stores availability, publishes the snapshot and evaluates
alarms. Useful for cron-style deployments and debugging.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.NewApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			defer func() {
				if cerr := a.Close(); cerr != nil {
					a.Logger().Warn("close failed", zap.Error(cerr))
				}
			}()
			if err := a.RunOnce(cmd.Context()); err != nil {
				return fmt.Errorf("run cycle: %w", err)
			}
			a.Logger().Info("crawl cycle finished")
			return nil
		},
	}
}
