package repo

import "context"

// SummarizerRepo condenses a batch of matched records into a short digest.
// Implementations may call out to an LLM; a nil SummarizerRepo disables the
// digest feature entirely.
type SummarizerRepo interface {
	// Summarize takes pre-formatted record lines and returns digest text
	Summarize(ctx context.Context, records string) (string, error)
}
