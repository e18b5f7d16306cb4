package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Validate performs structural checks that do not need the moderation
// package: drivers, durations and guild keys. Action strings and patterns
// are checked when policies are compiled.
func (c *Config) Validate() error {
	var errs []error

	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "sqlite", "file":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	durations := []struct{ path, raw string }{
		{"discord.request_timeout", c.Discord.RequestTimeout},
		{"moderation.policy_cache_ttl", c.Moderation.PolicyCacheTTL},
		{"classifier.timeout", c.Classifier.Timeout},
		{"expiry.mute_interval", c.Expiry.MuteInterval},
		{"expiry.ban_interval", c.Expiry.BanInterval},
		{"expiry.ledger_flush_interval", c.Expiry.LedgerFlushInterval},
		{"expiry.action_timeout", c.Expiry.ActionTimeout},
		{"moderation.defaults.spam.window", c.Moderation.Defaults.Spam.Window},
	}
	if c.ModLog != nil {
		durations = append(durations,
			struct{ path, raw string }{"modlog.retry_base", c.ModLog.RetryBase},
			struct{ path, raw string }{"modlog.retry_max_delay", c.ModLog.RetryMaxDelay},
			struct{ path, raw string }{"modlog.dedup_window", c.ModLog.DedupWindow},
		)
	}
	for id, g := range c.Moderation.Guilds {
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("moderation.guilds: key %q is not a guild id", id))
		}
		durations = append(durations, struct{ path, raw string }{"moderation.guilds." + id + ".spam.window", g.Spam.Window})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Expiry.MaxLiftAttempts < 0 {
		errs = append(errs, errors.New("expiry.max_lift_attempts: must be >= 0"))
	}
	if c.Moderation.EscalationLookback < 0 {
		errs = append(errs, errors.New("moderation.escalation_lookback: must be >= 0"))
	}
	return errors.Join(errs...)
}
