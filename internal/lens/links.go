package lens

import (
	"net/url"
	"strings"
	"unicode/utf8"
)

// Extraction limits applied to every result.
const (
	MaxMatches        = 500
	MaxTitleRunes     = 200
	MaxDescriptionRun = 500
)

// DefaultExcludedDomains are hosts that belong to the search engine itself.
var DefaultExcludedDomains = []string{
	"google.*",
	"*.gstatic.com",
	"*.googleusercontent.com",
}

// DomainFilter matches hosts against exact, suffix (*.example.com) and
// any-TLD (example.*) patterns.
type DomainFilter struct {
	exact    map[string]struct{}
	suffixes []string
	anyTLD   []string
}

// NewDomainFilter compiles patterns. A nil filter matches nothing.
func NewDomainFilter(patterns []string) *DomainFilter {
	f := &DomainFilter{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			f.suffixes = appendUnique(f.suffixes, strings.TrimPrefix(value, "*."))
		case strings.HasSuffix(value, ".*"):
			f.anyTLD = appendUnique(f.anyTLD, strings.TrimSuffix(value, ".*"))
		default:
			f.exact[value] = struct{}{}
		}
	}
	if len(f.exact) == 0 && len(f.suffixes) == 0 && len(f.anyTLD) == 0 {
		return nil
	}
	return f
}

// Matches reports whether host is covered by any pattern.
func (f *DomainFilter) Matches(host string) bool {
	if f == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	if _, ok := f.exact[host]; ok {
		return true
	}
	for _, suffix := range f.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	labels := strings.Split(host, ".")
	for _, name := range f.anyTLD {
		for i, label := range labels {
			if label == name && looksLikeTLD(labels[i+1:]) {
				return true
			}
		}
	}
	return false
}

// looksLikeTLD accepts "com", "co.in", "de" style tails.
func looksLikeTLD(labels []string) bool {
	if len(labels) == 0 || len(labels) > 2 {
		return false
	}
	for _, l := range labels {
		if len(l) < 2 || len(l) > 3 {
			return false
		}
	}
	return true
}

// ExternalURL returns the cleaned URL and host when raw is an absolute http(s)
// link outside the excluded domains.
func (f *DomainFilter) ExternalURL(raw string) (string, string, bool) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return "", "", false
	}
	host := strings.ToLower(u.Hostname())
	if f.Matches(host) {
		return "", "", false
	}
	return u.String(), strings.TrimPrefix(host, "www."), true
}

// NormalizeMatches filters, trims, deduplicates, caps and ranks raw matches.
func NormalizeMatches(raw []Match, filter *DomainFilter) []Match {
	seen := make(map[string]struct{}, len(raw))
	out := make([]Match, 0, min(len(raw), MaxMatches))
	for _, m := range raw {
		link, host, ok := filter.ExternalURL(m.URL)
		if !ok {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		m.URL = link
		m.Source = host
		m.Title = truncateRunes(collapseSpace(m.Title), MaxTitleRunes)
		m.Description = truncateRunes(collapseSpace(m.Description), MaxDescriptionRun)
		if m.Title == "" {
			m.Title = "No title"
		}
		if m.Description == "" {
			m.Description = "No description"
		}
		m.Rank = len(out) + 1
		out = append(out, m)
		if len(out) >= MaxMatches {
			break
		}
	}
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
