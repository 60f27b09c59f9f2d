package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/lens-scraper/internal/server"
)

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP scrape service",
		Long: `Starts the browser pool, the job scheduler and the HTTP API. The process
exits non-zero when browsers can no longer be launched so the container
runtime can restart it.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	app, err := server.Build(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	if err := app.Run(cmd.Context()); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
