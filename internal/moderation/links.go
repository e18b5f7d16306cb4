package moderation

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/purell"
)

var linkRe = regexp.MustCompile(`(?i)https?://[^\s<>"'` + "`" + `]+`)

const hostNormalizeFlags = purell.FlagsSafe | purell.FlagRemoveUnnecessaryHostDots |
	purell.FlagDecodeDWORDHost | purell.FlagDecodeOctalHost | purell.FlagDecodeHexHost |
	purell.FlagRemoveEmptyPortSeparator

// ExtractHosts returns the lower-cased hostnames of every http(s) URL in text,
// in order of appearance. Unparseable URLs are skipped.
func ExtractHosts(text string) []string {
	raw := linkRe.FindAllString(text, -1)
	if len(raw) == 0 {
		return nil
	}
	hosts := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimRight(r, ".,;:!?)]}>*_~|")
		norm, err := purell.NormalizeURLString(r, hostNormalizeFlags)
		if err != nil {
			continue
		}
		u, err := url.Parse(norm)
		if err != nil || u.Hostname() == "" {
			continue
		}
		hosts = append(hosts, strings.ToLower(u.Hostname()))
	}
	return hosts
}

// EvaluateLinks applies the blacklist first, then the whitelist.
func EvaluateLinks(text string, p GuildPolicy) (Signal, bool) {
	if len(p.LinkBlacklist) == 0 && len(p.LinkWhitelist) == 0 {
		return Signal{}, false
	}
	hosts := ExtractHosts(text)
	if len(hosts) == 0 {
		return Signal{}, false
	}
	for _, h := range hosts {
		if containsAny(h, p.LinkBlacklist) {
			return Signal{Category: "link_blacklisted", Action: Delete(), Source: SourceLink}, true
		}
	}
	if len(p.LinkWhitelist) == 0 {
		return Signal{}, false
	}
	for _, h := range hosts {
		if containsAny(h, p.LinkWhitelist) {
			return Signal{}, false
		}
	}
	return Signal{Category: "link_not_whitelisted", Action: Delete(), Source: SourceLink}, true
}

func containsAny(host string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(host, p) {
			return true
		}
	}
	return false
}
