package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lens-scraper/internal/lens"
	"github.com/JakeFAU/lens-scraper/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: "job-1", TS: now, Stage: progress.StageJobStart, Status: lens.JobStatusRunning},
		{JobID: "job-1", TS: now, Stage: progress.StageJobStart, Status: lens.JobStatusRunning},
		{JobID: "job-1", TS: now, Stage: progress.StageAttemptDone, Attempt: 1, Kind: lens.KindTimeout, Dur: 30 * time.Second},
		{JobID: "job-1", TS: now, Stage: progress.StageAttemptDone, Attempt: 2, Dur: 4 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.InDelta(t, 2, testutil.ToFloat64(sink.jobsStarted), 0.0001)
	require.InDelta(t, 1, testutil.ToFloat64(sink.jobsRunning), 0.0001)
	require.Equal(t, 2, testutil.CollectAndCount(sink.attemptDuration))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "job-1", TS: now, Stage: progress.StageJobDone, Status: lens.JobStatusSucceeded, Dur: 35 * time.Second},
		{JobID: "job-2", TS: now, Stage: progress.StageJobDone, Status: lens.JobStatusSucceeded, FromCache: true},
		{JobID: "job-3", TS: now, Stage: progress.StageJobError, Status: lens.JobStatusFailed, Kind: lens.KindParseFailed},
	}))
	require.InDelta(t, 0, testutil.ToFloat64(sink.jobsRunning), 0.0001)
	require.InDelta(t, 1, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("succeeded", "false")), 0.0001)
	require.InDelta(t, 1, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("succeeded", "true")), 0.0001)
	require.InDelta(t, 1, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("failed", "false")), 0.0001)
	require.Equal(t, 1, testutil.CollectAndCount(sink.jobRuntime))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
