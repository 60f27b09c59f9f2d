// Package pipeline drives one browser page through a Lens search and
// extracts the visual matches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/lens-scraper/internal/lens"
	"github.com/JakeFAU/lens-scraper/internal/metrics"
)

// Step names used in errors, spans and metrics.
const (
	StepNavigate = "navigate"
	StepSubmit   = "submit"
	StepRender   = "render"
	StepParse    = "parse"
)

// Budgets splits an attempt timeout across pipeline steps.
type Budgets struct {
	Navigate time.Duration
	Submit   time.Duration
	Render   time.Duration
	Parse    time.Duration
}

// BudgetsFor divides total 40/15/30/15 across navigate, submit, render and parse.
func BudgetsFor(total time.Duration) Budgets {
	return Budgets{
		Navigate: total * 40 / 100,
		Submit:   total * 15 / 100,
		Render:   total * 30 / 100,
		Parse:    total * 15 / 100,
	}
}

// Config tunes the pipeline.
type Config struct {
	AttemptTimeout  time.Duration
	PollInterval    time.Duration
	ScrollSettle    time.Duration
	ExcludedDomains []string
	// TempDir holds uploaded image files; empty uses os.TempDir.
	TempDir string
}

// Pipeline implements lens.Executor.
type Pipeline struct {
	cfg     Config
	budgets Budgets
	pacer   lens.Pacer
	filter  *lens.DomainFilter
	clock   lens.Clock
	logger  *zap.Logger
	tracer  trace.Tracer
}

var _ lens.Executor = (*Pipeline)(nil)

// New builds a pipeline. pacer may be nil.
func New(cfg Config, pacer lens.Pacer, clock lens.Clock, logger *zap.Logger) *Pipeline {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.ScrollSettle <= 0 {
		cfg.ScrollSettle = time.Second
	}
	if cfg.ExcludedDomains == nil {
		cfg.ExcludedDomains = lens.DefaultExcludedDomains
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:     cfg,
		budgets: BudgetsFor(cfg.AttemptTimeout),
		pacer:   pacer,
		filter:  lens.NewDomainFilter(cfg.ExcludedDomains),
		clock:   clock,
		logger:  logger,
		tracer:  otel.Tracer("github.com/JakeFAU/lens-scraper/internal/pipeline"),
	}
}

// Budgets returns the per-step budgets in use.
func (p *Pipeline) Budgets() Budgets {
	return p.budgets
}

// Execute runs navigate, submit, render and parse against page. Errors are
// *lens.ScrapeError values naming the failing step.
func (p *Pipeline) Execute(ctx context.Context, page lens.Page, req lens.Request) (lens.ExtractionResult, error) {
	ctx, span := p.tracer.Start(ctx, "lens.execute", trace.WithAttributes(
		attribute.String("lens.search_type", string(req.SearchType)),
		attribute.Bool("lens.binary_upload", len(req.ImageData) > 0),
	))
	defer span.End()

	var resp lens.PageResponse
	err := p.step(ctx, StepNavigate, p.budgets.Navigate, func(stepCtx context.Context) error {
		var err error
		resp, err = p.navigate(stepCtx, page, req)
		return err
	})
	if err == nil {
		err = p.step(ctx, StepSubmit, p.budgets.Submit, func(stepCtx context.Context) error {
			return p.submit(stepCtx, page, req)
		})
	}
	if err == nil {
		err = p.step(ctx, StepRender, p.budgets.Render, func(stepCtx context.Context) error {
			return p.render(stepCtx, page)
		})
	}
	var result lens.ExtractionResult
	if err == nil {
		err = p.step(ctx, StepParse, p.budgets.Parse, func(stepCtx context.Context) error {
			var err error
			result, err = p.parse(stepCtx, page, req, resp)
			return err
		})
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(lens.KindOf(err)))
		return lens.ExtractionResult{}, err
	}
	span.SetAttributes(
		attribute.Int("lens.matches", len(result.Matches)),
		attribute.String("lens.strategy", string(result.Strategy)),
	)
	return result, nil
}

// step runs fn under its own budget and classifies any error.
func (p *Pipeline) step(ctx context.Context, name string, budget time.Duration, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	stepCtx, span := p.tracer.Start(stepCtx, "lens."+name)
	defer span.End()

	start := time.Now()
	err := fn(stepCtx)
	if err != nil {
		err = classify(ctx, stepCtx, name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	outcome := "ok"
	if err != nil {
		outcome = string(lens.KindOf(err))
	}
	metrics.ObserveStep(name, outcome, time.Since(start))
	return err
}

func classify(parent, stepCtx context.Context, name string, err error) error {
	var scrapeErr *lens.ScrapeError
	if errors.As(err, &scrapeErr) {
		if scrapeErr.Step == "" {
			scrapeErr.Step = name
		}
		return scrapeErr
	}
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return lens.NewScrapeError(lens.KindCancelled, name, parent.Err())
	case parent.Err() != nil, stepCtx.Err() != nil, errors.Is(err, context.DeadlineExceeded):
		return lens.NewScrapeError(lens.KindTimeout, name, fmt.Errorf("step budget exceeded: %w", err))
	case name == StepParse:
		return lens.NewScrapeError(lens.KindParseFailed, name, err)
	default:
		return lens.NewScrapeError(lens.KindNavigationFailed, name, err)
	}
}

func (p *Pipeline) navigate(ctx context.Context, page lens.Page, req lens.Request) (lens.PageResponse, error) {
	target := lens.UploadPageURL
	if len(req.ImageData) == 0 {
		target = lens.SearchURL(req.ImageURL, req.SearchType, p.now())
	}
	if p.pacer != nil {
		if err := p.pacer.Wait(ctx, target); err != nil {
			return lens.PageResponse{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	resp, err := page.Navigate(ctx, target)
	if err != nil {
		return lens.PageResponse{}, err
	}
	if reason := detectBlock(resp.Status, resp.URL, ""); reason != "" {
		return resp, lens.NewScrapeError(lens.KindBlockedByTarget, StepNavigate, errors.New(reason))
	}
	if navigationStatusFailed(resp.Status) {
		return resp, lens.NewScrapeError(lens.KindNavigationFailed, StepNavigate,
			fmt.Errorf("document status %d %s", resp.Status, http.StatusText(resp.Status)))
	}
	return resp, nil
}

func (p *Pipeline) submit(ctx context.Context, page lens.Page, req lens.Request) error {
	var dismissed bool
	if err := page.Evaluate(ctx, consentScript, &dismissed); err != nil {
		if ctx.Err() != nil {
			return err
		}
		p.logger.Debug("consent check failed", zap.Error(err))
	}
	if dismissed {
		p.logger.Debug("dismissed consent dialog")
	}

	if len(req.ImageData) > 0 {
		return p.uploadFile(ctx, page, req.ImageData)
	}

	var form uploadForm
	if err := page.Evaluate(ctx, formProbeScript, &form); err != nil {
		return fmt.Errorf("probe upload form: %w", err)
	}
	if form.HasResults || form.Input == "" {
		return nil
	}
	if form.Button == "" {
		return errors.New("upload form has no search button")
	}
	p.logger.Debug("submitting through upload form", zap.String("input", form.Input))
	if err := page.Fill(ctx, form.Input, req.ImageURL); err != nil {
		return err
	}
	return page.Click(ctx, form.Button)
}

func (p *Pipeline) uploadFile(ctx context.Context, page lens.Page, data []byte) error {
	f, err := os.CreateTemp(p.cfg.TempDir, "lens-upload-*"+imageExtension(data))
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path) //nolint:errcheck // best-effort cleanup
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write upload file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close upload file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve upload path: %w", err)
	}
	return page.SetUploadFiles(ctx, fileInputSelector, []string{abs})
}

func (p *Pipeline) render(ctx context.Context, page lens.Page) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		var state string
		if err := page.Evaluate(ctx, readinessScript, &state); err != nil {
			return fmt.Errorf("check results: %w", err)
		}
		switch state {
		case stateBlocked, stateNoMatches:
			return nil
		case stateResults:
			return p.scroll(ctx, page)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for results: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// scroll loads lazily rendered results. Running out of budget while
// settling is not an error since results are already present.
func (p *Pipeline) scroll(ctx context.Context, page lens.Page) error {
	if err := page.Evaluate(ctx, scrollScript, nil); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("scroll: %w", err)
	}
	timer := time.NewTimer(p.cfg.ScrollSettle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return nil
}

func (p *Pipeline) parse(ctx context.Context, page lens.Page, req lens.Request, resp lens.PageResponse) (lens.ExtractionResult, error) {
	var text string
	if err := page.Evaluate(ctx, bodyTextScript, &text); err != nil {
		return lens.ExtractionResult{}, fmt.Errorf("read page text: %w", err)
	}
	var pageURL string
	if err := page.Evaluate(ctx, `location.href`, &pageURL); err != nil || pageURL == "" {
		pageURL = resp.URL
	}
	html, err := page.HTML(ctx)
	if err != nil {
		return lens.ExtractionResult{}, fmt.Errorf("read page html: %w", err)
	}

	if reason := detectBlock(resp.Status, pageURL, text); reason != "" {
		scrapeErr := lens.NewScrapeError(lens.KindBlockedByTarget, StepParse, errors.New(reason))
		scrapeErr.Snapshot = []byte(html)
		return lens.ExtractionResult{}, scrapeErr
	}

	result := lens.ExtractionResult{
		SearchType:  req.SearchType,
		PageURL:     pageURL,
		ExtractedAt: p.now(),
	}

	var raw []rawMatch
	if err := page.Evaluate(ctx, extractScript(req.SearchType), &raw); err != nil {
		if ctx.Err() != nil {
			return lens.ExtractionResult{}, err
		}
		p.logger.Debug("primary extraction failed", zap.Error(err))
	}
	if matches := lens.NormalizeMatches(toMatches(raw), p.filter); len(matches) > 0 {
		result.Matches = matches
		result.Strategy = lens.StrategyPrimary
		return result, nil
	}

	matches, err := extractFallback(html, p.filter)
	if err != nil {
		scrapeErr := lens.NewScrapeError(lens.KindParseFailed, StepParse, err)
		scrapeErr.Snapshot = []byte(html)
		return lens.ExtractionResult{}, scrapeErr
	}
	if len(matches) > 0 {
		result.Matches = matches
		result.Strategy = lens.StrategyFallback
		return result, nil
	}

	if hasNoMatchPhrase(text) {
		result.Matches = []lens.Match{}
		result.NoMatches = true
		result.Strategy = lens.StrategyNone
		return result, nil
	}
	scrapeErr := lens.NewScrapeError(lens.KindParseFailed, StepParse, errors.New("no matches extracted"))
	scrapeErr.Snapshot = []byte(html)
	return lens.ExtractionResult{}, scrapeErr
}

func (p *Pipeline) now() time.Time {
	if p.clock != nil {
		return p.clock.Now()
	}
	return time.Now().UTC()
}

func toMatches(raw []rawMatch) []lens.Match {
	out := make([]lens.Match, 0, len(raw))
	for _, r := range raw {
		out = append(out, lens.Match{
			URL:         r.URL,
			Title:       r.Title,
			Description: r.Description,
			Thumbnail:   r.Thumbnail,
		})
	}
	return out
}

func imageExtension(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
