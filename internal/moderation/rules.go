package moderation

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	logx "modguard/pkg/logx"
)

var inviteRe = regexp.MustCompile(`(?i)(?:discord(?:app)?\.com/invite|discord\.gg)/[a-z0-9-]+`)

// RuleEngine evaluates banned words, custom rules and legacy triggers.
// Compiled regexes are cached; malformed patterns never match and are
// logged once per pattern.
type RuleEngine struct {
	log      logx.Logger
	compiled *lru.Cache[string, *regexp.Regexp]
	broken   *xsync.MapOf[string, struct{}]
}

func NewRuleEngine(log logx.Logger) *RuleEngine {
	c, _ := lru.New[string, *regexp.Regexp](2048)
	return &RuleEngine{
		log:      log.With(logx.String("comp", "rules")),
		compiled: c,
		broken:   xsync.NewMapOf[string, struct{}](),
	}
}

// Evaluate returns the first matching rule's signal.
func (e *RuleEngine) Evaluate(text string, p GuildPolicy) (Signal, bool) {
	if text == "" {
		return Signal{}, false
	}
	lower := strings.ToLower(text)

	for _, w := range p.BannedWords {
		if strings.Contains(lower, w) {
			return Signal{Category: "banned_word:" + w, Action: p.BannedWordAction, Source: SourceBannedWord}, true
		}
	}
	for _, r := range p.CustomRules {
		if e.match(r, text, lower) {
			return Signal{Category: ruleCategory("custom_rule", r), Action: r.Action, Source: SourceCustomRule, Notice: r.DMMessage}, true
		}
	}
	for _, r := range p.LegacyTriggers {
		if e.match(r, text, lower) {
			return Signal{Category: ruleCategory("trigger", r), Action: r.Action, Source: SourceCustomRule, Notice: r.DMMessage}, true
		}
	}
	return Signal{}, false
}

func ruleCategory(prefix string, r Rule) string {
	if r.Kind == RuleInvite {
		return prefix + ":invite"
	}
	return prefix + ":" + string(r.Kind) + ":" + r.Pattern
}

func (e *RuleEngine) match(r Rule, text, lower string) bool {
	switch r.Kind {
	case RuleContains:
		return r.Pattern != "" && strings.Contains(lower, strings.ToLower(r.Pattern))
	case RuleInvite:
		return inviteRe.MatchString(text)
	case RuleRegex:
		re := e.regex(r.Pattern)
		return re != nil && re.MatchString(text)
	}
	return false
}

func (e *RuleEngine) regex(pattern string) *regexp.Regexp {
	if re, ok := e.compiled.Get(pattern); ok {
		return re
	}
	if _, bad := e.broken.Load(pattern); bad {
		return nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		if _, loaded := e.broken.LoadOrStore(pattern, struct{}{}); !loaded {
			e.log.Warn("skipping malformed rule pattern",
				logx.Err(&ConfigError{Rule: string(RuleRegex), Pattern: pattern, Err: err}))
		}
		return nil
	}
	e.compiled.Add(pattern, re)
	return re
}

// ValidatePatterns returns a ConfigError for every regex rule that does not compile.
func ValidatePatterns(p GuildPolicy) []error {
	var errs []error
	for _, set := range [][]Rule{p.CustomRules, p.LegacyTriggers} {
		for _, r := range set {
			if r.Kind != RuleRegex {
				continue
			}
			if _, err := regexp.Compile("(?i)" + r.Pattern); err != nil {
				errs = append(errs, &ConfigError{Rule: string(r.Kind), Pattern: r.Pattern, Err: err})
			}
		}
	}
	return errs
}

// EvaluateAttachments flags attachment filenames containing a policy keyword.
func EvaluateAttachments(atts []Attachment, p GuildPolicy) (Signal, bool) {
	for _, a := range atts {
		name := strings.ToLower(a.Filename)
		for _, kw := range p.AttachmentKeywords {
			if strings.Contains(name, kw) {
				return Signal{Category: "attachment:" + kw, Action: Delete(), Source: SourceBannedWord}, true
			}
		}
	}
	return Signal{}, false
}
