package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/lens-scraper/internal/lens"
)

const acceptLanguage = "en-IN,en-GB;q=0.9,en-US;q=0.8,en;q=0.7"

// ChromeConfig controls how browser processes are started.
type ChromeConfig struct {
	ExecPath       string
	Headless       bool
	UserAgent      string
	WindowWidth    int
	WindowHeight   int
	StartupTimeout time.Duration
}

func (c ChromeConfig) withDefaults() ChromeConfig {
	if c.WindowWidth <= 0 {
		c.WindowWidth = 1440
	}
	if c.WindowHeight <= 0 {
		c.WindowHeight = 778
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 30 * time.Second
	}
	return c
}

// ChromeLauncher starts one Chrome process per pool context so cookies and
// storage never leak between contexts.
type ChromeLauncher struct {
	cfg    ChromeConfig
	logger *zap.Logger
}

// NewChromeLauncher builds a launcher backed by chromedp.
func NewChromeLauncher(cfg ChromeConfig, logger *zap.Logger) *ChromeLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeLauncher{cfg: cfg.withDefaults(), logger: logger}
}

func (l *ChromeLauncher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("lang", "en-IN"),
		chromedp.WindowSize(l.cfg.WindowWidth, l.cfg.WindowHeight),
	)
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}

// Launch starts a browser and waits until it answers a blank navigation.
func (l *ChromeLauncher) Launch(ctx context.Context) (Instance, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	inst := &chromeInstance{
		ctx: browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
		meta: newResponseMeta(),
	}
	chromedp.ListenTarget(browserCtx, inst.meta.captureEvent)

	// The first Run allocates the browser; a deadline on that context would
	// kill the process when it expires, so the wait happens out of band.
	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(browserCtx, l.setupAction(), chromedp.Navigate("about:blank"))
	}()

	timer := time.NewTimer(l.cfg.StartupTimeout)
	defer timer.Stop()
	select {
	case err := <-started:
		if err != nil {
			inst.cancel()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	case <-timer.C:
		inst.cancel()
		return nil, fmt.Errorf("start chrome: no response after %s", l.cfg.StartupTimeout)
	case <-ctx.Done():
		inst.cancel()
		return nil, fmt.Errorf("start chrome: %w", ctx.Err())
	}
	l.logger.Debug("chrome started", zap.Bool("headless", l.cfg.Headless))
	return inst, nil
}

func (l *ChromeLauncher) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if l.cfg.UserAgent != "" {
			ua := emulation.SetUserAgentOverride(l.cfg.UserAgent).WithAcceptLanguage(acceptLanguage)
			if err := ua.Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		headers := network.Headers{"Accept-Language": acceptLanguage}
		if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		return nil
	})
}

type chromeInstance struct {
	ctx    context.Context
	cancel func()
	meta   *responseMeta
	once   sync.Once
}

// scoped derives a context that targets this browser while honoring the
// caller's deadline and cancellation. Canceling it does not close the tab.
func (c *chromeInstance) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(c.ctx)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		prev := cancel
		cancel = func() {
			cancelDeadline()
			prev()
		}
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (c *chromeInstance) Navigate(ctx context.Context, rawURL string) (lens.PageResponse, error) {
	c.meta.reset()
	runCtx, cancel := c.scoped(ctx)
	defer cancel()

	var finalURL string
	if err := chromedp.Run(runCtx, chromedp.Navigate(rawURL), chromedp.Location(&finalURL)); err != nil {
		return lens.PageResponse{}, fmt.Errorf("navigate %s: %w", rawURL, contextCause(ctx, err))
	}
	status, url := c.meta.snapshotWithFallbacks(rawURL, finalURL)
	if finalURL != "" {
		url = finalURL
	}
	return lens.PageResponse{Status: status, URL: url}, nil
}

func (c *chromeInstance) Evaluate(ctx context.Context, script string, out any) error {
	runCtx, cancel := c.scoped(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("evaluate: %w", contextCause(ctx, err))
	}
	return nil
}

func (c *chromeInstance) HTML(ctx context.Context) (string, error) {
	runCtx, cancel := c.scoped(ctx)
	defer cancel()
	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read document: %w", contextCause(ctx, err))
	}
	return html, nil
}

func (c *chromeInstance) Fill(ctx context.Context, selector, value string) error {
	runCtx, cancel := c.scoped(ctx)
	defer cancel()
	err := chromedp.Run(runCtx,
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("fill %s: %w", selector, contextCause(ctx, err))
	}
	return nil
}

func (c *chromeInstance) Click(ctx context.Context, selector string) error {
	runCtx, cancel := c.scoped(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %s: %w", selector, contextCause(ctx, err))
	}
	return nil
}

func (c *chromeInstance) SetUploadFiles(ctx context.Context, selector string, paths []string) error {
	runCtx, cancel := c.scoped(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.SetUploadFiles(selector, paths, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("upload to %s: %w", selector, contextCause(ctx, err))
	}
	return nil
}

func (c *chromeInstance) Probe(ctx context.Context) error {
	runCtx, cancel := c.scoped(ctx)
	defer cancel()
	var n int
	if err := chromedp.Run(runCtx, chromedp.Evaluate(`1 + 1`, &n)); err != nil {
		return fmt.Errorf("probe: %w", contextCause(ctx, err))
	}
	if n != 2 {
		return fmt.Errorf("probe: unexpected result %d", n)
	}
	return nil
}

func (c *chromeInstance) Reset(ctx context.Context) error {
	runCtx, cancel := c.scoped(ctx)
	defer cancel()
	err := chromedp.Run(runCtx,
		network.ClearBrowserCookies(),
		network.ClearBrowserCache(),
		chromedp.Navigate("about:blank"),
	)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	c.meta.reset()
	return nil
}

func (c *chromeInstance) Close() error {
	var err error
	c.once.Do(func() {
		err = chromedp.Cancel(c.ctx)
		c.cancel()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close chrome: %w", err)
	}
	return nil
}

// contextCause prefers the caller's context error so deadline expiry is
// reported as such rather than as a generic CDP failure.
func contextCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%w)", ctxErr, err)
	}
	return err
}

// responseMeta records the status of the last document response.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status = 0
	m.url = ""
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
