package browser

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/require"
)

func TestChromeConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := ChromeConfig{}.withDefaults()
	require.Equal(t, 1440, cfg.WindowWidth)
	require.Equal(t, 778, cfg.WindowHeight)
	require.Equal(t, 30*time.Second, cfg.StartupTimeout)

	cfg = ChromeConfig{WindowWidth: 800, StartupTimeout: time.Second}.withDefaults()
	require.Equal(t, 800, cfg.WindowWidth)
	require.Equal(t, time.Second, cfg.StartupTimeout)
}

func TestAllocatorOptionsAppendOptionalFlags(t *testing.T) {
	t.Parallel()

	base := NewChromeLauncher(ChromeConfig{Headless: true}, nil).allocatorOptions()
	withExtras := NewChromeLauncher(ChromeConfig{
		Headless:  true,
		UserAgent: "lens-test",
		ExecPath:  "/usr/bin/chromium",
	}, nil).allocatorOptions()

	require.Greater(t, len(base), len(chromedp.DefaultExecAllocatorOptions))
	require.Len(t, withExtras, len(base)+2)
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://lens.google.com/app.js"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 429, URL: "https://www.google.com/sorry/index"},
	})
	status, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 429, status)
	require.Equal(t, "https://www.google.com/sorry/index", url)

	meta.reset()
	status, url = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)

	status, url = meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://req", url)
}

func TestContextCausePrefersCallerError(t *testing.T) {
	t.Parallel()

	cdpErr := errors.New("cdp: target closed")
	require.Equal(t, cdpErr, contextCause(context.Background(), cdpErr))

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	err := contextCause(ctx, cdpErr)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorIs(t, err, cdpErr)
}
