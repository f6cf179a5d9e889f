// Package extractor provides the capability interface for media extraction
// and a priority-ordered registry for dispatching locators to the variant
// that can handle them.
package extractor

import (
	"context"
	"time"
)

// Extractor fetches media metadata and stream references for a locator.
// Each variant owns only the logic to talk to its content source.
type Extractor interface {
	// CanHandle reports whether this extractor can process the locator.
	// It must be pure, side-effect free and cheap: it is called on the
	// routing path for every request.
	CanHandle(locator string) bool

	// Extract resolves the locator into a Result. Failures should be
	// classified with Transient or Permanent so the queue can decide
	// whether to retry; unclassified errors are treated as transient.
	Extract(ctx context.Context, locator string, options map[string]string) (*Result, error)

	// Name returns the extractor identifier.
	Name() string
}

// Aborter is an optional interface for extractors that support hard
// cancellation of an in-flight extraction. Cooperative cancellation via the
// context is always available; this is for variants that can do better.
type Aborter interface {
	Abort()
}

// Result holds the extraction output.
type Result struct {
	// Title of the media item.
	Title string `json:"title"`

	// MediaType is the kind of content, e.g. "video", "audio", "gallery".
	MediaType string `json:"media_type"`

	// Uploader is the account that published the content, if known.
	Uploader string `json:"uploader,omitempty"`

	// Duration of the media, zero for images/galleries.
	Duration time.Duration `json:"duration,omitempty"`

	// SizeEstimate is the expected payload size in bytes, used for quota
	// reservation. Zero means unknown.
	SizeEstimate int64 `json:"size_estimate,omitempty"`

	// Streams are the retrievable media streams, best first.
	Streams []Stream `json:"streams"`
}

// Stream is a reference to a single retrievable media stream.
type Stream struct {
	URL     string `json:"url"`
	Format  string `json:"format,omitempty"`
	Quality string `json:"quality,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

// Size returns the best known payload size: the explicit estimate if set,
// otherwise the size of the first stream that reports one.
func (r *Result) Size() int64 {
	if r.SizeEstimate > 0 {
		return r.SizeEstimate
	}
	for _, s := range r.Streams {
		if s.Size > 0 {
			return s.Size
		}
	}
	return 0
}
