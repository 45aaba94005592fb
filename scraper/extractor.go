package scraper

import (
	"context"

	"github.com/hazyhaar/nfce/layout"
)

// DetailExtractor drives one receipt page through NAVIGATE, WAIT_FRAME and
// EXTRACT_FIELDS and returns the raw strings. Each Extract call is a single
// attempt in a fresh browser session that is released before it returns.
// Failures should be *AttemptError so the scraper can classify them.
type DetailExtractor interface {
	Extract(ctx context.Context, sourceURL string) (*layout.RawReceipt, error)
	Close() error
}

// Factory builds one extractor per worker.
type Factory func(ctx context.Context) (DetailExtractor, error)
