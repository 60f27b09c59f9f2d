package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lens-scraper/internal/lens"
)

func TestBuildScrapeRequestFromURL(t *testing.T) {
	req, err := buildScrapeRequest([]string{"https://img.example.com/cat.jpg"}, &scrapeOptions{searchType: "exact_matches"})
	require.NoError(t, err)
	require.Equal(t, "https://img.example.com/cat.jpg", req.ImageURL)
	require.Equal(t, lens.SearchExactMatches, req.SearchType)
}

func TestBuildScrapeRequestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cat.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xd8, 0xff, 0xe0}, 0o600))

	req, err := buildScrapeRequest(nil, &scrapeOptions{searchType: "all", file: path})
	require.NoError(t, err)
	require.Equal(t, []byte{0xff, 0xd8, 0xff, 0xe0}, req.ImageData)
	require.Empty(t, req.ImageURL)
}

func TestBuildScrapeRequestRejectsBadInput(t *testing.T) {
	_, err := buildScrapeRequest(nil, &scrapeOptions{searchType: "all"})
	require.ErrorContains(t, err, "required")

	_, err = buildScrapeRequest([]string{"https://img.example.com/a.jpg"},
		&scrapeOptions{searchType: "all", file: "a.jpg"})
	require.ErrorContains(t, err, "not both")

	_, err = buildScrapeRequest(nil, &scrapeOptions{searchType: "all", file: filepath.Join(t.TempDir(), "missing.jpg")})
	require.ErrorContains(t, err, "read image")

	_, err = buildScrapeRequest([]string{"ftp://img.example.com/a.jpg"}, &scrapeOptions{searchType: "all"})
	require.ErrorIs(t, err, lens.ErrInvalidRequest)
}

func TestPrintJobIndentsJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJob(&buf, lens.Job{ID: "job-1", Status: lens.JobStatusSucceeded}))
	require.Contains(t, buf.String(), "\n  \"")
	require.Contains(t, buf.String(), "job-1")
}

func TestResolveConfigRequiresLoad(t *testing.T) {
	_, err := resolveConfig(context.Background())
	require.Error(t, err)
}
