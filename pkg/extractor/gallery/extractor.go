// Package gallery extracts image sets from gallery-style pages.
package gallery

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/fetchq/fetchq/internal/logger"
	"github.com/fetchq/fetchq/pkg/extractor"
)

// DefaultPriority: gallery locators are as specific as short clips.
const DefaultPriority = 110

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

var locatorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`instagram\.com/(p|reel|tv)/[\w-]+`),
	regexp.MustCompile(`imgur\.com/(a|gallery)/\w+`),
	regexp.MustCompile(`flickr\.com/photos/`),
}

// Config holds configuration for the gallery extractor.
type Config struct {
	UserAgent string
	Timeout   time.Duration

	// MaxImages bounds how many streams a single gallery may yield.
	MaxImages int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		UserAgent: defaultUserAgent,
		Timeout:   30 * time.Second,
		MaxImages: 50,
	}
}

// Extractor fetches a gallery page and collects its image references.
type Extractor struct {
	config Config
}

// New creates a gallery extractor.
func New(cfg Config) *Extractor {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultConfig().UserAgent
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxImages == 0 {
		cfg.MaxImages = DefaultConfig().MaxImages
	}
	return &Extractor{config: cfg}
}

// Name returns the extractor identifier.
func (e *Extractor) Name() string { return "gallery" }

// CanHandle reports whether the locator is a supported gallery URL.
func (e *Extractor) CanHandle(locator string) bool {
	for _, p := range locatorPatterns {
		if p.MatchString(locator) {
			return true
		}
	}
	return false
}

// Extract fetches the gallery page and parses out image streams.
func (e *Extractor) Extract(ctx context.Context, locator string, options map[string]string) (*extractor.Result, error) {
	logger.Debug("gallery fetch starting", "locator", locator)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := colly.NewCollector(
		colly.UserAgent(e.config.UserAgent),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(e.config.Timeout)

	var body []byte
	var statusCode int

	c.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		body = r.Body
	})

	var fetchErr error
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
		fetchErr = err
	})

	if err := c.Visit(locator); err != nil {
		fetchErr = err
	}
	c.Wait()

	if fetchErr != nil {
		switch {
		case statusCode == http.StatusTooManyRequests || statusCode >= 500:
			return nil, extractor.Transient(fmt.Errorf("fetch gallery (%d): %w", statusCode, fetchErr))
		case statusCode >= 400:
			return nil, extractor.Permanent(fmt.Errorf("fetch gallery (%d): %w", statusCode, fetchErr))
		default:
			return nil, extractor.Transient(fmt.Errorf("fetch gallery: %w", fetchErr))
		}
	}

	extractor.ReportProgress(ctx, 50)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, extractor.Transient(fmt.Errorf("parse gallery page: %w", err))
	}

	result := &extractor.Result{
		MediaType: "gallery",
	}

	if title, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		result.Title = title
	} else {
		result.Title = strings.TrimSpace(doc.Find("title").Text())
	}
	if author, ok := doc.Find(`meta[property="og:site_name"]`).Attr("content"); ok {
		result.Uploader = author
	}

	seen := make(map[string]bool)
	addImage := func(src string) {
		if src == "" || seen[src] || len(result.Streams) >= e.config.MaxImages {
			return
		}
		seen[src] = true
		result.Streams = append(result.Streams, extractor.Stream{
			URL:    src,
			Format: "image",
		})
	}

	doc.Find(`meta[property="og:image"]`).Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("content")
		addImage(src)
	})
	doc.Find("figure img, .gallery img, article img").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		addImage(src)
	})

	if len(result.Streams) == 0 {
		return nil, extractor.Permanent(fmt.Errorf("no images found at %s", locator))
	}

	logger.Debug("gallery fetch complete", "locator", locator, "images", len(result.Streams))
	return result, nil
}
