package usecase

import (
	"regexp"
	"strings"

	"github.com/akoselev/keywatch/internal/biz/domain"
)

// Runs of two or more asterisks are rich-text emphasis markers from the
// source transport's markup. They must not affect matching or storage.
var emphasisRuns = regexp.MustCompile(`\*{2,}`)

// StripEmphasis removes emphasis-marker runs from text. Idempotent.
func StripEmphasis(text string) string {
	return emphasisRuns.ReplaceAllString(text, "")
}

// Decision is the filter outcome for one text.
type Decision struct {
	Matched bool
	Terms   []string
}

// Evaluate applies the owner's policies to a raw message text.
//
// Exceptions take absolute precedence: any exception term occurring as a
// case-insensitive substring suppresses the match regardless of keyword
// hits. Otherwise the text matches iff at least one keyword term occurs,
// and Terms lists every keyword that occurred.
func Evaluate(text string, keywords, exceptions []domain.Term) Decision {
	if text == "" {
		return Decision{}
	}

	lower := strings.ToLower(StripEmphasis(text))

	for _, exc := range exceptions {
		term := strings.ToLower(exc.Term)
		if term == "" {
			continue
		}
		if strings.Contains(lower, term) {
			return Decision{}
		}
	}

	var found []string
	seen := make(map[string]bool)
	for _, kw := range keywords {
		term := strings.ToLower(kw.Term)
		if term == "" || seen[term] {
			continue
		}
		if strings.Contains(lower, term) {
			found = append(found, term)
			seen[term] = true
		}
	}

	return Decision{Matched: len(found) > 0, Terms: found}
}
