package app

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"modguard/internal/config"
	"modguard/internal/moderation"
	logx "modguard/pkg/logx"
)

// ValidateConfig runs the checks that need compiled policies on top of
// config.Validate. Malformed regexes are reported but do not fail
// validation: the rule engine skips them at evaluation time.
func ValidateConfig(cfg *config.Config) (warnings []error, err error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var errs []error
	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapModLogConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapExpiry(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapClassifier(cfg, logx.Nop()); err != nil {
		errs = append(errs, err)
	}

	check := func(label string, guildID int64, gc config.GuildPolicyConfig) {
		p, err := moderation.PolicyFromConfig(guildID, gc)
		if err != nil {
			errs = append(errs, fmt.Errorf("moderation.%s: %w", label, err))
			return
		}
		for _, w := range moderation.ValidatePatterns(p) {
			warnings = append(warnings, fmt.Errorf("moderation.%s: %w", label, w))
		}
	}
	check("defaults", 0, cfg.Moderation.Defaults)

	ids := make([]string, 0, len(cfg.Moderation.Guilds))
	for id := range cfg.Moderation.Guilds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		gid, perr := strconv.ParseInt(id, 10, 64)
		if perr != nil {
			continue // reported by cfg.Validate
		}
		check("guilds."+id, gid, cfg.Moderation.PolicyFor(gid))
	}
	return warnings, errors.Join(errs...)
}
