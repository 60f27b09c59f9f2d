package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/lens-scraper/internal/lens"
	"github.com/JakeFAU/lens-scraper/internal/server"
)

type scrapeOptions struct {
	searchType string
	file       string
}

// newScrapeCmd creates the 'scrape' subcommand.
func newScrapeCmd() *cobra.Command {
	opts := &scrapeOptions{}
	cmd := &cobra.Command{
		Use:   "scrape [image-url]",
		Short: "Run one Lens search and print the job as JSON",
		Example: `  lensd scrape https://example.com/shoe.jpg
  lensd scrape --search-type exact_matches https://example.com/shoe.jpg
  lensd scrape --file ./shoe.jpg`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrape(cmd, args, opts)
		},
	}
	cmd.Flags().StringVar(&opts.searchType, "search-type", string(lens.SearchAll),
		"all, exact_matches or visual_matches")
	cmd.Flags().StringVar(&opts.file, "file", "", "upload a local image instead of an image URL")
	return cmd
}

func buildScrapeRequest(args []string, opts *scrapeOptions) (lens.Request, error) {
	req := lens.Request{SearchType: lens.SearchType(opts.searchType)}
	switch {
	case opts.file != "" && len(args) > 0:
		return lens.Request{}, errors.New("pass either an image url or --file, not both")
	case opts.file != "":
		data, err := os.ReadFile(opts.file)
		if err != nil {
			return lens.Request{}, fmt.Errorf("read image: %w", err)
		}
		req.ImageData = data
	case len(args) == 1:
		req.ImageURL = args[0]
	default:
		return lens.Request{}, errors.New("an image url or --file is required")
	}
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return lens.Request{}, err
	}
	return req, nil
}

func runScrape(cmd *cobra.Command, args []string, opts *scrapeOptions) error {
	req, err := buildScrapeRequest(args, opts)
	if err != nil {
		return err
	}
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	// One-shot runs do not need the progress pipeline.
	cfg.Progress.Enabled = false

	app, err := server.Build(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
			zap.L().Warn("close failed", zap.Error(cerr))
		}
	}()

	job, err := app.Scrape(cmd.Context(), req)
	if err != nil && job.ID == "" {
		return fmt.Errorf("scrape: %w", err)
	}
	if werr := printJob(cmd.OutOrStdout(), job); werr != nil {
		return werr
	}
	if err != nil {
		return fmt.Errorf("scrape: %w", err)
	}
	if job.Status != lens.JobStatusSucceeded {
		return fmt.Errorf("scrape finished with status %s", job.Status)
	}
	return nil
}

func printJob(w io.Writer, job lens.Job) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(job); err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return nil
}
