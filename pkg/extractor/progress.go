package extractor

import "context"

type progressKey struct{}

// WithProgress attaches a progress sink to the context. Extractors report
// through it with ReportProgress; callers that do not attach one simply get
// no progress updates.
func WithProgress(ctx context.Context, fn func(percent int)) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress reports extraction progress (0-100) to the context's sink,
// if any. Safe to call from any extractor at any point.
func ReportProgress(ctx context.Context, percent int) {
	fn, ok := ctx.Value(progressKey{}).(func(int))
	if !ok {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	fn(percent)
}
