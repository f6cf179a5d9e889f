// Package direct is the fallback extractor for plain HTTP resources. It
// handles any http(s) locator no other variant claims, probing the resource
// with a HEAD request.
package direct

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/fetchq/fetchq/pkg/extractor"
)

// DefaultPriority is the lowest in the registry so platform extractors
// always win.
const DefaultPriority = 0

// Config holds configuration for the direct extractor.
type Config struct {
	Client  *http.Client
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

// Extractor probes arbitrary HTTP resources.
type Extractor struct {
	config Config
}

// New creates a direct extractor.
func New(cfg Config) *Extractor {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Extractor{config: cfg}
}

// Name returns the extractor identifier.
func (e *Extractor) Name() string { return "direct" }

// CanHandle accepts any absolute http(s) locator.
func (e *Extractor) CanHandle(locator string) bool {
	parsed, err := url.Parse(locator)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

// Extract issues a HEAD request and builds a single-stream result from the
// response headers.
func (e *Extractor) Extract(ctx context.Context, locator string, options map[string]string) (*extractor.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, locator, nil)
	if err != nil {
		return nil, extractor.Permanent(fmt.Errorf("build probe request: %w", err))
	}

	resp, err := e.config.Client.Do(req)
	if err != nil {
		return nil, extractor.Transient(fmt.Errorf("probe %s: %w", locator, err))
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

	contentType := resp.Header.Get("Content-Type")
	mediaType := "file"
	switch {
	case strings.HasPrefix(contentType, "video/"):
		mediaType = "video"
	case strings.HasPrefix(contentType, "audio/"):
		mediaType = "audio"
	case strings.HasPrefix(contentType, "image/"):
		mediaType = "image"
	}

	title := path.Base(resp.Request.URL.Path)
	if title == "" || title == "/" || title == "." {
		title = resp.Request.URL.Host
	}

	size := resp.ContentLength
	if size < 0 {
		size = 0
	}

	return &extractor.Result{
		Title:        title,
		MediaType:    mediaType,
		SizeEstimate: size,
		Streams: []extractor.Stream{
			{URL: locator, Format: contentType, Size: size},
		},
	}, nil
}
