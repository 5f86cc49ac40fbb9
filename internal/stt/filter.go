package stt

import (
	"regexp"
	"strings"
)

// DefaultFillerWords are hesitation sounds that carry no request on their own.
var DefaultFillerWords = []string{
	"um", "umm", "uh", "uhh", "er", "ah", "hmm", "mm",
}

var (
	spaceRun  = regexp.MustCompile(`\s+`)
	punctOnly = regexp.MustCompile(`^[.,!?;:\s…-]*$`)
)

// Filter strips filler words from transcripts.
type Filter struct {
	pattern *regexp.Regexp
}

// NewFilter creates a Filter. A nil list means DefaultFillerWords; an empty
// one disables removal.
func NewFilter(fillerWords []string) *Filter {
	if fillerWords == nil {
		fillerWords = DefaultFillerWords
	}
	f := &Filter{}
	var alts []string
	for _, w := range fillerWords {
		if w = strings.TrimSpace(w); w != "" {
			alts = append(alts, regexp.QuoteMeta(strings.ToLower(w)))
		}
	}
	if len(alts) > 0 {
		f.pattern = regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b[.,!?]?`)
	}
	return f
}

// Clean removes filler words and normalizes whitespace. ok is false when
// nothing meaningful is left.
func (f *Filter) Clean(text string) (cleaned string, ok bool) {
	cleaned = text
	if f.pattern != nil {
		cleaned = f.pattern.ReplaceAllString(cleaned, "")
	}
	cleaned = strings.TrimSpace(spaceRun.ReplaceAllString(cleaned, " "))
	if punctOnly.MatchString(cleaned) {
		return "", false
	}
	return cleaned, true
}
