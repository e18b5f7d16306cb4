package moderation

// Source identifies the evaluator that produced a Signal. CustomRule and
// BannedWord both come from the rule engine.
type Source uint8

const (
	SourceUnknown Source = iota
	SourceLanguage
	SourceLink
	SourceSpam
	SourceBannedWord
	SourceCustomRule
	SourceClassifier
)

var sourceNames = map[Source]string{
	SourceLanguage:   "language",
	SourceLink:       "link",
	SourceSpam:       "spam",
	SourceBannedWord: "banned_word",
	SourceCustomRule: "custom_rule",
	SourceClassifier: "classifier",
}

func (s Source) String() string {
	if n, ok := sourceNames[s]; ok {
		return n
	}
	return "unknown"
}

// Family collapses the two rule sources into "rule".
func (s Source) Family() string {
	if s == SourceBannedWord || s == SourceCustomRule {
		return "rule"
	}
	return s.String()
}

// priority breaks severity ties: classifier > custom rule > banned word >
// spam > link > language. The constant order above encodes it.
func (s Source) priority() int { return int(s) }

// Signal is one evaluator's verdict about a message. Notice, when set, is
// the text the member is sent instead of the generated reason.
type Signal struct {
	Category string
	Action   Action
	Source   Source
	Notice   string
}
