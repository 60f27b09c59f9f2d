package pipeline

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/lens-scraper/internal/lens"
)

const minFallbackTitleRunes = 5

// extractFallback collects every external anchor from the rendered HTML.
// It runs when the in-page script fails or finds nothing.
func extractFallback(html string, filter *lens.DomainFilter) ([]lens.Match, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	var raw []lens.Match
	doc.Find(`a[href^="http"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if _, _, ok := filter.ExternalURL(href); !ok {
			return
		}
		title := strings.TrimSpace(a.Find("h3").First().Text())
		if title == "" {
			title = strings.TrimSpace(a.Text())
		}
		if utf8.RuneCountInString(strings.Join(strings.Fields(title), " ")) <= minFallbackTitleRunes {
			return
		}
		raw = append(raw, lens.Match{
			URL:         href,
			Title:       title,
			Description: siblingDescription(a),
			Thumbnail:   thumbnail(a),
		})
	})
	return lens.NormalizeMatches(raw, filter), nil
}

func siblingDescription(a *goquery.Selection) string {
	parent := a.Closest("div")
	if parent.Length() == 0 {
		return ""
	}
	var desc string
	parent.Find("span, div").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Closest("a").Length() > 0 {
			return true
		}
		if text := strings.TrimSpace(s.Text()); text != "" {
			desc = text
			return false
		}
		return true
	})
	return desc
}

func thumbnail(a *goquery.Selection) string {
	img := a.Find("img").First()
	if img.Length() == 0 {
		img = a.Closest("div").Find("img").First()
	}
	for _, attr := range []string{"src", "data-src", "data-original"} {
		if v, ok := img.Attr(attr); ok && strings.HasPrefix(v, "http") {
			return v
		}
	}
	return ""
}
