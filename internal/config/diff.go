package config

import (
	"reflect"
	"sort"
	"strings"

	logx "modguard/pkg/logx"
)

var defaultModLog = ModLogConfig{
	Enabled:       true,
	Workers:       2,
	QueueSize:     512,
	RatePerSec:    3,
	RetryMax:      3,
	RetryBase:     "500ms",
	RetryMaxDelay: "10s",
	DedupWindow:   "30s",
}

// EffectiveModLog returns the modlog section with defaults applied when omitted.
func (c *Config) EffectiveModLog() ModLogConfig {
	if c == nil || c.ModLog == nil {
		return defaultModLog
	}
	return *c.ModLog
}

// SummarizeChange returns the sorted list of changed sections, safe
// structured fields for logging (never secrets), and the guild IDs whose
// policy entry changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	// Discord (never log token)
	if strings.TrimSpace(oldCfg.Discord.RequestTimeout) != strings.TrimSpace(newCfg.Discord.RequestTimeout) ||
		oldCfg.Discord.TokenEnv != newCfg.Discord.TokenEnv ||
		(oldCfg.Discord.Token != "") != (newCfg.Discord.Token != "") {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.String("discord.request_timeout", strings.TrimSpace(newCfg.Discord.RequestTimeout)),
			logx.Bool("discord.token_set", newCfg.Discord.Token != "" || newCfg.Discord.TokenEnv != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.channel_enabled", newCfg.Logging.Channel.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	// Classifier (never log api key)
	oc, nc := oldCfg.Classifier, newCfg.Classifier
	if oc.Enabled != nc.Enabled || oc.Endpoint != nc.Endpoint || oc.Timeout != nc.Timeout ||
		oc.RetryMax != nc.RetryMax || oc.APIKeyEnv != nc.APIKeyEnv ||
		oc.APIKey != nc.APIKey || !reflect.DeepEqual(oc.Languages, nc.Languages) {
		changed = append(changed, "classifier")
		attrs = append(attrs,
			logx.Bool("classifier.enabled", nc.Enabled),
			logx.String("classifier.timeout", nc.Timeout),
			logx.Bool("classifier.key_set", nc.APIKey != "" || nc.APIKeyEnv != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Language, newCfg.Language) {
		changed = append(changed, "language")
	}

	if !reflect.DeepEqual(oldCfg.Expiry, newCfg.Expiry) {
		changed = append(changed, "expiry")
		attrs = append(attrs,
			logx.String("expiry.mute_interval", newCfg.Expiry.MuteInterval),
			logx.String("expiry.ban_interval", newCfg.Expiry.BanInterval),
			logx.Int("expiry.max_lift_attempts", newCfg.Expiry.MaxLiftAttempts),
		)
	}

	oldM, newM := oldCfg.EffectiveModLog(), newCfg.EffectiveModLog()
	if !reflect.DeepEqual(oldM, newM) {
		changed = append(changed, "modlog")
		attrs = append(attrs,
			logx.Bool("modlog.enabled", newM.Enabled),
			logx.Int("modlog.workers", newM.Workers),
			logx.Int("modlog.rate_per_sec", newM.RatePerSec),
		)
	}

	var oDriver, nDriver string
	var oPath, nPath string
	if oldCfg.Storage != nil {
		oDriver, oPath = strings.TrimSpace(oldCfg.Storage.Driver), strings.TrimSpace(oldCfg.Storage.Path)
	}
	if newCfg.Storage != nil {
		nDriver, nPath = strings.TrimSpace(newCfg.Storage.Driver), strings.TrimSpace(newCfg.Storage.Path)
	}
	if oDriver != nDriver || oPath != nPath {
		// Storage is opened once; a change only takes effect after restart.
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.restart_required", true),
		)
	}

	guilds := diffGuilds(oldCfg.Moderation, newCfg.Moderation)
	defaultsChanged := !reflect.DeepEqual(oldCfg.Moderation.Defaults, newCfg.Moderation.Defaults)
	if defaultsChanged || len(guilds) > 0 ||
		oldCfg.Moderation.PolicyCacheSize != newCfg.Moderation.PolicyCacheSize ||
		oldCfg.Moderation.PolicyCacheTTL != newCfg.Moderation.PolicyCacheTTL ||
		oldCfg.Moderation.EscalationLookback != newCfg.Moderation.EscalationLookback {
		changed = append(changed, "moderation")
		attrs = append(attrs,
			logx.Bool("moderation.defaults_changed", defaultsChanged),
			logx.Int("moderation.guilds_changed", len(guilds)),
			logx.Int("moderation.guilds_total", len(newCfg.Moderation.Guilds)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, guilds
}

func diffGuilds(oldM, newM ModerationConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM.Guilds {
		set[k] = struct{}{}
	}
	for k := range newM.Guilds {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		o, oOK := oldM.Guilds[id]
		n, nOK := newM.Guilds[id]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
