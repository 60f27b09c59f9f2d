// Package probe downloads a submitted image URL before scraping so identical
// images behind different URLs share a fingerprint.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/lens-scraper/internal/hash/sha256"
	"github.com/JakeFAU/lens-scraper/internal/lens"
)

// ErrNotImage is returned when the URL does not serve an image.
var ErrNotImage = fmt.Errorf("%w: image_url does not serve an image", lens.ErrInvalidRequest)

// ErrTooLarge is returned when the image exceeds the configured cap.
var ErrTooLarge = fmt.Errorf("%w: image exceeds size limit", lens.ErrInvalidRequest)

// Config controls the probe request.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int
}

// Prober fetches images with colly and digests the body.
type Prober struct {
	cfg    Config
	base   *colly.Collector
	hasher *sha256.Hasher
}

var _ lens.ImageProber = (*Prober)(nil)

// New builds a prober with defaults applied.
func New(cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = lens.MaxImageBytes
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	// One extra byte lets an oversized body be told apart from one at the cap.
	c.MaxBodySize = cfg.MaxBytes + 1
	c.WithTransport(newHTTPTransport())
	return &Prober{cfg: cfg, base: c, hasher: sha256.New()}
}

// Probe downloads imageURL and returns the SHA-256 of its bytes.
func (p *Prober) Probe(ctx context.Context, imageURL string) (string, error) {
	if err := lens.ValidateImageURL(imageURL); err != nil {
		return "", err
	}
	collector := p.base.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.SetRequestTimeout(p.cfg.Timeout)

	var (
		body        []byte
		contentType string
		status      int
		fetchErr    error
	)
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "image/*")
	})
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		contentType = r.Headers.Get("Content-Type")
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(imageURL)
	}()
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("image probe canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("image probe visit: %w", err)
		}
	}
	if fetchErr != nil {
		return "", fmt.Errorf("image probe status %d: %w", status, fetchErr)
	}
	if len(body) > p.cfg.MaxBytes {
		return "", ErrTooLarge
	}
	if !isImage(contentType, body) {
		return "", fmt.Errorf("%w (content-type %q)", ErrNotImage, contentType)
	}
	digest, _, err := p.hasher.HashReader(bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	return digest, nil
}

// IsInvalid reports whether err means the caller submitted a bad image.
func IsInvalid(err error) bool {
	return errors.Is(err, lens.ErrInvalidRequest)
}

func isImage(contentType string, body []byte) bool {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/") {
		return true
	}
	if len(body) == 0 {
		return false
	}
	return strings.HasPrefix(http.DetectContentType(body), "image/")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
