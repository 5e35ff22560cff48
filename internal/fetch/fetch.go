// Package fetch downloads article pages and extracts citation
// metadata: a title and an abstract. Pages that publish citation meta
// tags (arXiv, most journals) are read from those; anything else falls
// back to the document title and the leading readable body text.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fenwick/atrium/internal/httpkit"
)

// DefaultTimeout is the HTTP request timeout for fetching pages.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBytes is the maximum response body size (5 MB).
const DefaultMaxBytes int64 = 5 * 1024 * 1024

// DefaultAbstractChars caps an abstract assembled from body text.
// Abstracts taken from citation meta tags are kept whole.
const DefaultAbstractChars = 1200

// Metadata holds citation fields extracted from a page.
type Metadata struct {
	Title     string `json:"title,omitempty"`
	Abstract  string `json:"abstract,omitempty"`
	SourceURL string `json:"source_url"`
}

// Fetcher downloads pages and extracts citation metadata.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// New creates a Fetcher with default settings.
func New() *Fetcher {
	return &Fetcher{
		client: httpkit.NewClient(
			httpkit.WithTimeout(DefaultTimeout),
		),
		maxBytes: DefaultMaxBytes,
	}
}

// Metadata fetches rawURL and extracts a title and abstract. A URL
// without a scheme is assumed to be https. Binary responses are
// rejected.
func (f *Fetcher) Metadata(ctx context.Context, rawURL string) (*Metadata, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("fetch: url is required")
	}

	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: invalid url: %w", err)
	}

	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.7")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil, fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch: read response: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if isHTML(contentType) {
		title, abstract, text := extractHTML(string(body))
		if abstract == "" {
			abstract = abstractFrom(text)
		}
		return &Metadata{Title: title, Abstract: abstract, SourceURL: rawURL}, nil
	}

	// Anything non-HTML is used as plain text when it decodes cleanly.
	if !utf8.Valid(body) {
		return nil, fmt.Errorf("fetch %s: binary content (%s)", rawURL, contentType)
	}
	return &Metadata{
		Abstract:  abstractFrom(cleanWhitespace(string(body))),
		SourceURL: rawURL,
	}, nil
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// abstractFrom derives an abstract from readable body text: the first
// paragraph when it is substantial, otherwise the leading text, capped
// at DefaultAbstractChars.
func abstractFrom(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if i := strings.Index(text, "\n\n"); i >= 200 {
		text = text[:i]
	}
	text = strings.Join(strings.Fields(text), " ")
	return truncateAtWord(text, DefaultAbstractChars)
}

// truncateAtWord truncates s to at most max runes without splitting a
// word or a multi-byte character.
func truncateAtWord(s string, max int) string {
	count := 0
	cut := -1
	for i := range s {
		if count >= max {
			cut = i
			break
		}
		count++
	}
	if cut < 0 {
		return s
	}
	if j := strings.LastIndexByte(s[:cut], ' '); j > 0 {
		cut = j
	}
	return strings.TrimRight(s[:cut], " .,;:")
}
