package crawler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forager/internal/models"
)

// bodySelectors are tried in order; the first non-empty match wins
var bodySelectors = []string{"article", ".post-content", ".entry-content"}

// publishDateMetas are checked in order for a parseable timestamp
var publishDateMetas = []string{
	`meta[property="article:published_time"]`,
	`meta[itemprop="datePublished"]`,
	`meta[name="date"]`,
	`meta[name="publish-date"]`,
	`meta[name="dc.date.issued"]`,
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// Extraction is the structured content pulled from one rendered page
type Extraction struct {
	Title           string
	MetaDescription string
	PublishDate     string // RFC3339 UTC, empty when undetectable
	NormalizedText  string
	Markdown        string
	Excerpt         string
	ContentHash     string
	TokensEst       int
	Links           []string
}

// Extractor converts rendered HTML into normalized text, markdown and
// discovered links
type Extractor struct {
	converter *md.Converter
	logger    arbor.ILogger
}

// NewExtractor creates an extractor with a shared markdown converter.
func NewExtractor(logger arbor.ILogger) *Extractor {
	return &Extractor{
		converter: md.NewConverter("", true, nil),
		logger:    logger,
	}
}

// Extract parses the page and derives every content field. pageURL resolves
// relative links.
func (e *Extractor) Extract(html, pageURL string) (*Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	// Chrome noise never belongs in content
	doc.Find("script, style, nav, footer, aside, noscript, iframe").Remove()

	ex := &Extraction{
		Title:           extractTitle(doc),
		MetaDescription: extractMetaDescription(doc),
		PublishDate:     extractPublishDate(doc),
		Links:           extractLinks(doc, pageURL),
	}

	body := selectBody(doc)
	ex.NormalizedText = normalizeText(body)

	if markdown := strings.TrimSpace(e.converter.Convert(body)); markdown != "" {
		ex.Markdown = markdown
	} else {
		ex.Markdown = ex.NormalizedText
	}

	ex.Excerpt = makeExcerpt(ex.NormalizedText)
	sum := sha256.Sum256([]byte(ex.NormalizedText))
	ex.ContentHash = hex.EncodeToString(sum[:])
	ex.TokensEst = len(ex.NormalizedText) / 4
	return ex, nil
}

// extractTitle falls through title, og:title, first h1, then a placeholder.
func extractTitle(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if t := strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", "")); t != "" {
		return t
	}
	if t := strings.TrimSpace(doc.Find("h1").First().Text()); t != "" {
		return t
	}
	return "Untitled Document"
}

// extractMetaDescription falls through description, og:description, then
// twitter:description.
func extractMetaDescription(doc *goquery.Document) string {
	selectors := []string{
		`meta[name="description"]`,
		`meta[property="og:description"]`,
		`meta[name="twitter:description"]`,
	}
	for _, sel := range selectors {
		if d := strings.TrimSpace(doc.Find(sel).AttrOr("content", "")); d != "" {
			return d
		}
	}
	return ""
}

// extractPublishDate checks the meta tags then <time datetime>, normalizing
// to RFC3339 UTC.
func extractPublishDate(doc *goquery.Document) string {
	candidates := make([]string, 0, len(publishDateMetas)+1)
	for _, sel := range publishDateMetas {
		if v := strings.TrimSpace(doc.Find(sel).AttrOr("content", "")); v != "" {
			candidates = append(candidates, v)
		}
	}
	if v := strings.TrimSpace(doc.Find("time[datetime]").First().AttrOr("datetime", "")); v != "" {
		candidates = append(candidates, v)
	}

	layouts := []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02", "January 2, 2006", "2 January 2006"}
	for _, c := range candidates {
		for _, layout := range layouts {
			if ts, err := time.Parse(layout, c); err == nil {
				return ts.UTC().Format(time.RFC3339)
			}
		}
	}
	return ""
}

// selectBody returns the first matching content region, falling back to the
// paragraph set of the whole document.
func selectBody(doc *goquery.Document) *goquery.Selection {
	for _, sel := range bodySelectors {
		s := doc.Find(sel).First()
		if s.Length() > 0 && strings.TrimSpace(s.Text()) != "" {
			return s
		}
	}
	return doc.Find("p")
}

// normalizeText joins block-level text with single spaces and collapses
// whitespace runs.
func normalizeText(body *goquery.Selection) string {
	var parts []string
	blocks := body.Find("p, h1, h2, h3, h4, h5, h6, li")
	if blocks.Length() == 0 {
		blocks = body
	}
	blocks.Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	joined := strings.Join(parts, " ")
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(joined, " "))
}

// makeExcerpt truncates normalized text to the excerpt bound on a byte
// boundary safe rune cut.
func makeExcerpt(text string) string {
	runes := []rune(text)
	if len(runes) <= models.ExcerptMaxLen {
		return text
	}
	return string(runes[:models.ExcerptMaxLen]) + "..."
}

// extractLinks collects absolute http(s) hrefs, resolving relative URLs
// against the page and dropping fragments.
func extractLinks(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}

	seen := make(map[string]bool)
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		u, err := url.Parse(href)
		if err != nil {
			return
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		if u.Scheme != "http" && u.Scheme != "https" || u.Hostname() == "" {
			return
		}
		u.Fragment = ""
		abs := u.String()
		if !seen[abs] {
			seen[abs] = true
			links = append(links, abs)
		}
	})
	return links
}
