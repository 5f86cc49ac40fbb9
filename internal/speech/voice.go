package speech

import (
	"strings"

	"golang.org/x/text/language"

	"github.com/normanking/cortexcompanion/internal/tts"
)

// SelectVoice picks a voice for locale in this order: exact locale match,
// a voice whose name contains hint in the same language, any voice in the
// same language. It returns nil when none qualifies, meaning the engine
// default should be used.
func SelectVoice(voices []tts.Voice, locale, hint string) *tts.Voice {
	want, ok := parseTag(locale)
	if !ok {
		return nil
	}
	wantBase, _ := want.Base()

	for i := range voices {
		if tag, ok := parseTag(voices[i].Language); ok && tag == want {
			return &voices[i]
		}
	}

	sameLanguage := func(v tts.Voice) bool {
		tag, ok := parseTag(v.Language)
		if !ok {
			return false
		}
		base, _ := tag.Base()
		return base == wantBase
	}

	if hint != "" {
		h := strings.ToLower(hint)
		for i := range voices {
			if strings.Contains(strings.ToLower(voices[i].Name), h) && sameLanguage(voices[i]) {
				return &voices[i]
			}
		}
	}

	for i := range voices {
		if sameLanguage(voices[i]) {
			return &voices[i]
		}
	}
	return nil
}

// parseTag accepts both "ta-IN" and the "ta_IN" form some engines report.
func parseTag(s string) (language.Tag, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "_", "-"))
	if s == "" {
		return language.Und, false
	}
	tag, err := language.Parse(s)
	if err != nil {
		return language.Und, false
	}
	return tag, true
}
