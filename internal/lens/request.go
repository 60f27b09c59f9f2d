package lens

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// MaxImageBytes caps binary payloads accepted for upload.
const MaxImageBytes = 10 << 20

const (
	uploadByURLEndpoint = "https://lens.google.com/uploadbyurl"
	// UploadPageURL is the manual upload form used when direct navigation fails.
	UploadPageURL = "https://lens.google.com/upload"
)

// Normalize fills defaults and trims the image reference.
func (r Request) Normalize() Request {
	r.ImageURL = strings.TrimSpace(r.ImageURL)
	if r.SearchType == "" {
		r.SearchType = SearchAll
	}
	return r
}

// Validate checks that exactly one image reference is present and well formed.
func (r Request) Validate() error {
	hasURL := r.ImageURL != ""
	hasData := len(r.ImageData) > 0
	switch {
	case hasURL && hasData:
		return fmt.Errorf("%w: image_url and image data are mutually exclusive", ErrInvalidRequest)
	case !hasURL && !hasData:
		return fmt.Errorf("%w: image_url is required", ErrInvalidRequest)
	}
	if !r.SearchType.Valid() {
		return fmt.Errorf("%w: unknown search_type %q", ErrInvalidRequest, r.SearchType)
	}
	if hasData {
		if len(r.ImageData) > MaxImageBytes {
			return fmt.Errorf("%w: image exceeds %d bytes", ErrInvalidRequest, MaxImageBytes)
		}
		return nil
	}
	return ValidateImageURL(r.ImageURL)
}

// ValidateImageURL requires an absolute http(s) URL with a host.
func ValidateImageURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: parse image_url: %v", ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: image_url must use http or https", ErrInvalidRequest)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: image_url must include a host", ErrInvalidRequest)
	}
	return nil
}

// FingerprintInput returns the bytes hashed into a request fingerprint.
// contentDigest, when set, replaces the URL so identical images coalesce.
func (r Request) FingerprintInput(contentDigest string) []byte {
	var b strings.Builder
	b.WriteString(string(r.SearchType))
	b.WriteByte('\n')
	switch {
	case contentDigest != "":
		b.WriteString("sha256:")
		b.WriteString(contentDigest)
	case len(r.ImageData) > 0:
		b.WriteString("data:")
		b.Write(r.ImageData)
	default:
		b.WriteString("url:")
		b.WriteString(normalizeURL(r.ImageURL))
	}
	return []byte(b.String())
}

// SearchURL builds the Lens upload-by-URL address for the request.
func SearchURL(imageURL string, searchType SearchType, now time.Time) string {
	params := []string{
		"url=" + url.QueryEscape(imageURL),
		"ep=cntpubu",
		"hl=en-IN",
		"st=" + strconv.FormatInt(now.UnixMilli(), 10),
	}
	switch searchType {
	case SearchExactMatches:
		params = append(params, "lns_mode=un", "source=lns.web.cntpubu", "udm=48", "re=df", "s=4")
	case SearchVisualMatches:
		params = append(params, "lns_mode=visual", "source=lns.web.cntpubu", "udm=44", "re=df", "s=4")
	}
	return uploadByURLEndpoint + "?" + strings.Join(params, "&")
}

func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
