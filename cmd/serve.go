package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/minyong318-png/search-tennis-cloudflared/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the API server and the crawl scheduler",
		Long: `Starts the HTTP API and the periodic crawl scheduler. The scheduler
works one facility/date partition per tick and persists its cursor, so
restarts resume mid-sweep.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.NewApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			return a.Run(cmd.Context())
		},
	}
}
