package extractor

import "strings"

// Blocklist rejects extraction results whose title or uploader matches a
// takedown term. Matches are case-insensitive substring checks, the same
// policy the safety pipeline applies when content is reported after the
// fact.
type Blocklist struct {
	terms []string
}

// NewBlocklist creates a blocklist from takedown terms. Empty terms are
// ignored.
func NewBlocklist(terms []string) *Blocklist {
	b := &Blocklist{}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			b.terms = append(b.terms, t)
		}
	}
	return b
}

// Check returns ErrContentBlocked if the result matches a takedown term.
func (b *Blocklist) Check(result *Result) error {
	if b == nil || len(b.terms) == 0 || result == nil {
		return nil
	}
	title := strings.ToLower(result.Title)
	uploader := strings.ToLower(result.Uploader)
	for _, term := range b.terms {
		if strings.Contains(title, term) || strings.Contains(uploader, term) {
			return Permanent(ErrContentBlocked)
		}
	}
	return nil
}
