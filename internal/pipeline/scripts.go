package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/lens-scraper/internal/lens"
)

// CSS selectors for the manual upload form shown when the upload-by-URL
// redirect does not land on a results page.
var (
	urlInputSelectors = []string{
		`input[type="url"]`,
		`input[placeholder*="image"]`,
		`input[placeholder*="URL"]`,
		`input[placeholder*="link"]`,
		`input[aria-label*="image"]`,
		`input[aria-label*="URL"]`,
		`input[aria-label*="link"]`,
		`textarea[placeholder*="image"]`,
		`textarea[placeholder*="URL"]`,
	}
	searchButtonSelectors = []string{
		`button[type="submit"]`,
		`button[aria-label*="Search"]`,
		`button[aria-label*="search"]`,
		`input[type="submit"]`,
		`div[role="button"][aria-label*="Search"]`,
	}
	fileInputSelector = `input[type="file"]`

	consentSelectors = []string{
		`button#L2AGLb`,
		`button.tHlp8d`,
		`button[aria-label*="Accept"]`,
		`button[aria-label*="Agree"]`,
		`button[onclick*="accept"]`,
	}
	consentTexts = []string{"accept all", "i agree", "accept", "agree"}

	resultSelectors = []string{`div[data-ved]`, `a[href^="http"]`}
)

// rawMatch is what the in-page extraction script returns per link.
type rawMatch struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Thumbnail   string `json:"thumbnail"`
}

// uploadForm is what formProbeScript returns.
type uploadForm struct {
	Input      string `json:"input"`
	Button     string `json:"button"`
	HasResults bool   `json:"hasResults"`
}

// Page readiness states reported by readinessScript.
const (
	stateResults   = "results"
	stateNoMatches = "nomatch"
	stateBlocked   = "blocked"
)

const (
	bodyTextScript = `document.body ? document.body.innerText : ""`
	scrollScript   = `window.scrollTo(0, document.body ? document.body.scrollHeight : 0); true`
)

var (
	consentScript   = fmt.Sprintf(consentTemplate, mustJSON(consentSelectors), mustJSON(consentTexts))
	formProbeScript = fmt.Sprintf(formProbeTemplate, mustJSON(urlInputSelectors), mustJSON(searchButtonSelectors), mustJSON(resultSelectors))
	readinessScript = fmt.Sprintf(readinessTemplate, mustJSON(resultSelectors), mustJSON(noMatchPhrases), mustJSON(blockPhrases))
)

// extractScript returns the primary extraction script for a search type.
func extractScript(searchType lens.SearchType) string {
	return fmt.Sprintf(extractTemplate, mustJSON(string(searchType)))
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

const consentTemplate = `(() => {
  const visible = (el) => !!el && el.offsetParent !== null;
  for (const sel of %s) {
    const el = document.querySelector(sel);
    if (visible(el)) { el.click(); return true; }
  }
  const texts = %s;
  for (const el of document.querySelectorAll('button, div[role="dialog"] button')) {
    const label = (el.innerText || '').trim().toLowerCase();
    if (texts.includes(label) && visible(el)) { el.click(); return true; }
  }
  return false;
})()`

const formProbeTemplate = `(() => {
  const first = (list) => list.find((sel) => {
    const el = document.querySelector(sel);
    return !!el && el.offsetParent !== null;
  }) || '';
  const results = %[3]s.some((sel) => document.querySelectorAll(sel).length > 0 &&
    Array.from(document.querySelectorAll('a[href^="http"]')).some((a) => !/google\.|gstatic\.com|googleusercontent\.com/.test(a.hostname)));
  return { input: first(%[1]s), button: first(%[2]s), hasResults: results };
})()`

const readinessTemplate = `(() => {
  const text = (document.body ? document.body.innerText : '').toLowerCase();
  if (location.pathname.startsWith('/sorry/') || %[3]s.some((p) => text.includes(p))) return 'blocked';
  const external = Array.from(document.querySelectorAll('a[href^="http"]'))
    .some((a) => !/google\.|gstatic\.com|googleusercontent\.com/.test(a.hostname));
  if (external && %[1]s.some((sel) => document.querySelector(sel))) return 'results';
  if (%[2]s.some((p) => text.includes(p))) return 'nomatch';
  return '';
})()`

const extractTemplate = `(() => {
  const searchType = %s;
  const out = [];
  const seen = new Set();
  const internal = /google\.|gstatic\.com|googleusercontent\.com/;
  const text = (el) => el ? (el.textContent || el.innerText || '').trim() : '';
  const img = (el) => el ? (el.src || el.getAttribute('data-src') || el.getAttribute('data-original') || '') : '';
  const describe = (link, containers) => {
    for (const sel of containers) {
      const parent = link.closest(sel);
      if (!parent) continue;
      const desc = parent.querySelector('span[data-ved], div[data-ved] span, .s, .st');
      if (desc) return text(desc);
    }
    return '';
  };
  const push = (link, containers, scope) => {
    if (!link || internal.test(link.hostname)) return;
    const href = link.href;
    if (!href || seen.has(href)) return;
    seen.add(href);
    const title = text(link.querySelector('h3')) || text(link);
    const description = describe(link, containers);
    if (!title && !description) return;
    const thumb = (scope || link).querySelector('img') || (link.closest('div') || link).querySelector('img');
    out.push({ url: href, title: title, description: description, thumbnail: img(thumb) });
  };
  if (searchType === 'visual_matches') {
    document.querySelectorAll('div.g, div[data-ved] a[href^="http"]').forEach((node) => {
      const link = node.tagName === 'A' ? node : node.querySelector('a[href^="http"]');
      push(link, ['div.g', 'div[data-ved]'], node);
    });
  } else {
    document.querySelectorAll('div[data-ved] a[href^="http"]').forEach((link) => {
      push(link, ['div[data-ved]', 'div.g'], null);
    });
  }
  if (searchType === 'all' && out.length < 3) {
    document.querySelectorAll('div.g a[href^="http"], a[href^="http"]').forEach((link) => {
      if (text(link).length > 5) push(link, ['div.g', 'div'], null);
    });
  }
  return out;
})()`
