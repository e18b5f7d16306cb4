// Package langdetect guesses the language of chat messages with whatlanggo.
// Short or ambiguous text is reported as unknown so a channel language
// policy never fires on a guess.
package langdetect

import (
	"strings"
	"unicode"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"modguard/internal/moderation"
)

const (
	DefaultMinWords = 4

	// DefaultMinConfidence matches whatlanggo's own reliability cut-off.
	DefaultMinConfidence = 0.8

	// Share of letters in an unspaced script before the word count is skipped.
	unspacedShare = 0.6
)

type Detector struct {
	minWords      int
	minConfidence float64
}

func New(minWords int) *Detector {
	if minWords <= 0 {
		minWords = DefaultMinWords
	}
	return &Detector{minWords: minWords, minConfidence: DefaultMinConfidence}
}

var _ moderation.LanguageDetector = (*Detector)(nil)

// Detect returns an ISO 639-1 code or moderation.UnknownLanguage.
func (d *Detector) Detect(text string) string {
	text = norm.NFKC.String(text)
	if !unspaced(text) && words(text) < d.minWords {
		return moderation.UnknownLanguage
	}

	info := whatlanggo.Detect(text)
	if info.Confidence < d.minConfidence {
		return moderation.UnknownLanguage
	}
	if code := iso6391(info.Lang); code != "" {
		return code
	}
	return moderation.UnknownLanguage
}

// Macrolanguage members whatlanggo reports that x/text keeps as-is.
var macro = map[string]string{
	"cmn": "zh",
	"arb": "ar",
	"pes": "fa",
	"azj": "az",
	"zlm": "ms",
	"ydd": "yi",
	"uzn": "uz",
	"npi": "ne",
	"ekk": "et",
	"lvs": "lv",
	"swh": "sw",
	"khk": "mn",
	"plt": "mg",
}

func iso6391(l whatlanggo.Lang) string {
	code := l.Iso6393()
	if code == "" {
		return ""
	}
	if c, ok := macro[code]; ok {
		return c
	}
	b, err := language.ParseBase(code)
	if err != nil {
		return ""
	}
	return b.String()
}

func words(text string) int {
	return len(strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	}))
}

// unspaced reports whether text is mostly written in a script without word
// separators, where a word count says nothing about length.
func unspaced(text string) bool {
	var letters, n int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Thai) {
			n++
		}
	}
	return letters > 0 && float64(n) >= unspacedShare*float64(letters)
}
