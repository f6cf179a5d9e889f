// Package longvideo extracts metadata for long-form video platforms.
package longvideo

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

// DefaultPriority places this extractor ahead of the generic fallback but
// behind more specific variants.
const DefaultPriority = 100

// locatorPatterns are checked in order; first match wins.
var locatorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`youtube\.com/watch\?`),
	regexp.MustCompile(`youtu\.be/[\w-]+`),
	regexp.MustCompile(`youtube-nocookie\.com/`),
	regexp.MustCompile(`vimeo\.com/\d+`),
	regexp.MustCompile(`dailymotion\.com/video/`),
}

// Config holds configuration for the long-video extractor.
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
		OEmbedEndpoint: "https://www.youtube.com/oembed",
		Timeout:        30 * time.Second,
	}
}

// Extractor resolves long-form video locators via the platform's oEmbed
// endpoint.
type Extractor struct {
	config Config
}

// New creates a long-video extractor.
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
func (e *Extractor) Name() string { return "longvideo" }

// CanHandle reports whether the locator belongs to a supported platform.
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
	Type       string `json:"type"`
}

// Extract probes the oEmbed endpoint for metadata and returns the locator
// itself as the retrievable stream.
func (e *Extractor) Extract(ctx context.Context, locator string, options map[string]string) (*extractor.Result, error) {
	probeURL := fmt.Sprintf("%s?url=%s&format=json", e.config.OEmbedEndpoint, url.QueryEscape(locator))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return nil, extractor.Permanent(fmt.Errorf("build probe request: %w", err))
	}

	resp, err := e.config.Client.Do(req)
	if err != nil {
		return nil, extractor.Transient(fmt.Errorf("probe %s: %w", e.config.OEmbedEndpoint, err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
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

	logger.Debug("longvideo probe complete", "locator", locator, "title", meta.Title)

	quality := options["quality"]
	if quality == "" {
		quality = "best"
	}

	return &extractor.Result{
		Title:     meta.Title,
		MediaType: "video",
		Uploader:  meta.AuthorName,
		Streams: []extractor.Stream{
			{URL: locator, Format: "mp4", Quality: quality},
		},
	}, nil
}

// classifyStatus maps an HTTP status to a retry classification. Upstream
// throttling and server errors are worth retrying; missing or forbidden
// content is not.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return extractor.Transient(fmt.Errorf("upstream returned %d", code))
	default:
		return extractor.Permanent(fmt.Errorf("upstream returned %d", code))
	}
}
