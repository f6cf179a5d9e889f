// Package shortclip extracts metadata for short-video platforms.
package shortclip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/fetchq/fetchq/internal/logger"
	"github.com/fetchq/fetchq/pkg/extractor"
)

// DefaultPriority: short-clip locators are more specific than the generic
// long-video patterns, so they are consulted first.
const DefaultPriority = 120

var locatorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`tiktok\.com/@[\w.-]+/video/\d+`),
	regexp.MustCompile(`tiktok\.com/t/[\w-]+`),
	regexp.MustCompile(`youtube\.com/shorts/[\w-]+`),
}

// Config holds configuration for the short-clip extractor.
type Config struct {
	// OEmbedEndpoint is the metadata probe endpoint. Overridable for tests.
	OEmbedEndpoint string

	// Client is the HTTP client used for probes.
	Client *http.Client

	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		OEmbedEndpoint: "https://www.tiktok.com/oembed",
		Timeout:        30 * time.Second,
	}
}

// Extractor resolves short-clip locators.
type Extractor struct {
	config Config
}

// New creates a short-clip extractor.
func New(cfg Config) *Extractor {
	if cfg.OEmbedEndpoint == "" {
		cfg.OEmbedEndpoint = DefaultConfig().OEmbedEndpoint
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Extractor{config: cfg}
}

// Name returns the extractor identifier.
func (e *Extractor) Name() string { return "shortclip" }

// CanHandle reports whether the locator is a supported short-clip URL.
func (e *Extractor) CanHandle(locator string) bool {
	for _, p := range locatorPatterns {
		if p.MatchString(locator) {
			return true
		}
	}
	return false
}

type oembedResponse struct {
	Title      string `json:"title"`
	AuthorName string `json:"author_name"`
}

// Extract probes the platform's oEmbed endpoint for clip metadata.
func (e *Extractor) Extract(ctx context.Context, locator string, options map[string]string) (*extractor.Result, error) {
	probeURL := fmt.Sprintf("%s?url=%s", e.config.OEmbedEndpoint, url.QueryEscape(locator))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return nil, extractor.Permanent(fmt.Errorf("build probe request: %w", err))
	}

	resp, err := e.config.Client.Do(req)
	if err != nil {
		return nil, extractor.Transient(fmt.Errorf("probe %s: %w", e.config.OEmbedEndpoint, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, extractor.Transient(fmt.Errorf("upstream returned %d", resp.StatusCode))
	default:
		return nil, extractor.Permanent(fmt.Errorf("upstream returned %d", resp.StatusCode))
	}
	extractor.ReportProgress(ctx, 50)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, extractor.Transient(fmt.Errorf("read probe response: %w", err))
	}

	var meta oembedResponse
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, extractor.Transient(fmt.Errorf("parse probe response: %w", err))
	}

	logger.Debug("shortclip probe complete", "locator", locator, "title", meta.Title)

	return &extractor.Result{
		Title:     meta.Title,
		MediaType: "video",
		Uploader:  meta.AuthorName,
		Streams: []extractor.Stream{
			{URL: locator, Format: "mp4", Quality: options["quality"]},
		},
	}, nil
}
