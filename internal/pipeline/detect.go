package pipeline

import (
	"net/http"
	"net/url"
	"strings"
)

var blockPhrases = []string{
	"unusual traffic",
	"captcha",
}

var noMatchPhrases = []string{
	"no matches for your search",
	"no results found",
	"no matches found",
	"try changing the search area",
	"sending a different image",
}

// detectBlock reports why the page looks like an anti-automation
// interstitial, or "" when it does not.
func detectBlock(status int, pageURL, text string) string {
	if status == http.StatusTooManyRequests {
		return "status 429"
	}
	if u, err := url.Parse(pageURL); err == nil && strings.HasPrefix(u.Path, "/sorry/") {
		return "redirected to " + u.Path
	}
	lower := strings.ToLower(text)
	for _, phrase := range blockPhrases {
		if strings.Contains(lower, phrase) {
			return "page mentions " + phrase
		}
	}
	return ""
}

// hasNoMatchPhrase reports whether the page states that the search found nothing.
func hasNoMatchPhrase(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range noMatchPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// navigationStatusFailed treats server errors on the main document as a
// failed navigation.
func navigationStatusFailed(status int) bool {
	return status >= http.StatusInternalServerError
}
