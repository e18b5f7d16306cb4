package moderation

import "strings"

// UnknownLanguage is what a LanguageDetector returns when it cannot decide.
const UnknownLanguage = "unknown"

// LanguageDetector guesses the ISO 639-1 code of text.
type LanguageDetector interface {
	Detect(text string) string
}

// DetectorFunc adapts a plain function to LanguageDetector.
type DetectorFunc func(text string) string

func (f DetectorFunc) Detect(text string) string { return f(text) }

// EvaluateLanguage fires when the channel expects a language and the
// detector confidently reports a different one.
func EvaluateLanguage(channelID int64, text string, p GuildPolicy, detect LanguageDetector) (Signal, bool) {
	want, ok := p.ChannelLanguages[channelID]
	if !ok || want == "" || detect == nil || strings.TrimSpace(text) == "" {
		return Signal{}, false
	}
	got := strings.ToLower(strings.TrimSpace(detect.Detect(text)))
	if got == "" || got == UnknownLanguage || got == want {
		return Signal{}, false
	}
	return Signal{Category: "language_violation", Action: Delete(), Source: SourceLanguage}, true
}
