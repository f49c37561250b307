// Package crawl fetches a single blog post and extracts its readable text
// for the generation pipeline.
package crawl

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/askpage/askpage/internal/engine"
)

var reWhitespace = regexp.MustCompile(`\s+`)

// Config controls fetch behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Fetcher implements engine.Crawler on top of Colly. Each Fetch uses a
// fresh collector; the fetcher itself is stateless and safe for concurrent
// use by the worker pool.
type Fetcher struct {
	cfg    Config
	logger *zap.Logger
}

// NewFetcher constructs a Fetcher.
func NewFetcher(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "askpage-crawler/1.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, logger: logger}
}

// Fetch downloads the page and returns its extracted title and text.
func (f *Fetcher) Fetch(ctx context.Context, url string) (engine.Page, error) {
	// Publishers explicitly submit their own URLs, so robots.txt does not
	// apply; skipping it also saves a round-trip per fetch.
	collector := colly.NewCollector(
		colly.UserAgent(f.cfg.UserAgent),
		colly.MaxBodySize(f.cfg.MaxBodyBytes),
		colly.IgnoreRobotsTxt(),
	)
	collector.SetRequestTimeout(f.cfg.Timeout)

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})

	var (
		body     []byte
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		body = r.Body
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("fetch %s: status %d: %w", url, r.StatusCode, err)
			return
		}
		fetchErr = fmt.Errorf("fetch %s: %w", url, err)
	})

	if err := collector.Visit(url); err != nil {
		// OnError has already run for HTTP failures and carries the status.
		if fetchErr != nil {
			return engine.Page{}, fetchErr
		}
		return engine.Page{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	collector.Wait()

	if err := ctx.Err(); err != nil {
		return engine.Page{}, err
	}
	if fetchErr != nil {
		return engine.Page{}, fetchErr
	}
	if len(body) == 0 {
		return engine.Page{URL: url}, nil
	}

	page, err := extract(body)
	if err != nil {
		return engine.Page{}, fmt.Errorf("parse %s: %w", url, err)
	}
	page.URL = url
	f.logger.Debug("page fetched",
		zap.String("url", url),
		zap.Int("body_bytes", len(body)),
		zap.Int("text_chars", len(page.Text)),
	)
	return page, nil
}

// extract pulls the title and readable text out of raw HTML. It prefers the
// <article> element, then <main>, then the whole body, and drops chrome
// elements so navigation links do not pollute the generated questions.
func extract(body []byte) (engine.Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return engine.Page{}, err
	}

	doc.Find("script, style, noscript, nav, header, footer, aside, form").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && og != "" {
		title = strings.TrimSpace(og)
	}

	content := doc.Find("article").First()
	if content.Length() == 0 {
		content = doc.Find("main").First()
	}
	if content.Length() == 0 {
		content = doc.Find("body")
	}

	page := engine.Page{
		Title: title,
		Text:  normalizeText(content.Text()),
	}
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok && desc != "" {
		page.Metadata = map[string]string{"description": strings.TrimSpace(desc)}
	}
	return page, nil
}

func normalizeText(text string) string {
	return strings.TrimSpace(reWhitespace.ReplaceAllString(text, " "))
}
