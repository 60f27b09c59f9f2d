package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lens-scraper/internal/config"
	"github.com/JakeFAU/lens-scraper/internal/lens"
)

func TestBuildWiresInMemoryStack(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Progress.Enabled = false
	cfg.Logging.Development = true

	ctx := context.Background()
	app, err := Build(ctx, &cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	body := `{"image_url":"https://img.example.com/cat.jpg","search_type":"visual_matches"}`
	req := httptest.NewRequest(http.MethodPost, "/scrape", strings.NewReader(body))
	rec := httptest.NewRecorder()
	app.apiServer.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted struct {
		JobID  string         `json:"job_id"`
		Status lens.JobStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.JobID)
	require.Equal(t, lens.JobStatusQueued, submitted.Status)

	// Workers are not running, so the job stays queued until cancelled.
	job, err := app.scheduler.Cancel(ctx, submitted.JobID)
	require.NoError(t, err)
	require.Equal(t, lens.JobStatusCancelled, job.Status)
	require.False(t, app.pool.Fatal())
}

func TestBuildRejectsUnreachableDatabase(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Progress.Enabled = false
	cfg.Database.DSN = "not a dsn ::"

	_, err = Build(context.Background(), &cfg)
	require.ErrorContains(t, err, "postgres init failed")
}
