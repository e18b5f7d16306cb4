package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"modguard/internal/config"
	"modguard/internal/moderation"
	"modguard/internal/moderation/classifier/perspective"
	"modguard/internal/modlog"
	"modguard/internal/observability/ops"
	"modguard/internal/platform/discord"
	"modguard/internal/storage"
	logx "modguard/pkg/logx"
)

const defaultStoragePath = "./modguard.db"

// mapStorageConfig defaults to sqlite: the sanction store and ledger must
// survive restarts, so there is no "none" driver here.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: defaultStoragePath, BusyTimeout: time.Second}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = defaultStoragePath
	}
	switch driver {
	case "", "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// OpenStorage opens the configured backend. The CLI uses it for read-only
// inspection commands that do not connect to Discord.
func OpenStorage(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log.With(logx.String("comp", "storage")))
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		JSON:    l.JSON,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Channel: logx.ChannelConfig{
			Enabled:    l.Channel.Enabled,
			ChannelID:  l.Channel.ChannelID,
			MinLevel:   l.Channel.MinLevel,
			RatePerSec: l.Channel.RatePerSec,
		},
	}
}

func mapModLogConfig(cfg *config.Config) (modlog.Config, error) {
	mc := cfg.EffectiveModLog()
	if mc.Workers < 0 {
		return modlog.Config{}, fmt.Errorf("modlog.workers must be >= 0")
	}
	if mc.QueueSize < 0 {
		return modlog.Config{}, fmt.Errorf("modlog.queue_size must be >= 0")
	}
	if mc.RetryMax < 0 {
		return modlog.Config{}, fmt.Errorf("modlog.retry_max must be >= 0")
	}
	base, err := config.ParseDurationOrDefault("modlog.retry_base", mc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return modlog.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("modlog.retry_max_delay", mc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return modlog.Config{}, err
	}
	dedup, err := config.ParseDurationOrDefault("modlog.dedup_window", mc.DedupWindow, 30*time.Second)
	if err != nil {
		return modlog.Config{}, err
	}
	return modlog.Config{
		Enabled:       mc.Enabled,
		Workers:       mc.Workers,
		QueueSize:     mc.QueueSize,
		RatePerSec:    mc.RatePerSec,
		RetryMax:      mc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   dedup,
	}, nil
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	o := cfg.Ops
	return ops.Config{
		Enabled:              o.Enabled,
		Addr:                 strings.TrimSpace(o.Addr),
		Token:                strings.TrimSpace(o.Token),
		Pprof:                o.Pprof,
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}
}

func mapDiscordConfig(cfg *config.Config) (discord.Config, error) {
	d := cfg.Discord
	token := strings.TrimSpace(d.Token)
	if token == "" && strings.TrimSpace(d.TokenEnv) != "" {
		token = strings.TrimSpace(os.Getenv(strings.TrimSpace(d.TokenEnv)))
	}
	timeout, err := config.ParseDurationOrDefault("discord.request_timeout", d.RequestTimeout, 10*time.Second)
	if err != nil {
		return discord.Config{}, err
	}
	return discord.Config{Token: token, RequestTimeout: timeout}, nil
}

// mapClassifier returns nil when the classifier is disabled.
func mapClassifier(cfg *config.Config, log logx.Logger) (moderation.Classifier, time.Duration, error) {
	c := cfg.Classifier
	timeout, err := config.ParseDurationOrDefault("classifier.timeout", c.Timeout, 12*time.Second)
	if err != nil {
		return nil, 0, err
	}
	if !c.Enabled {
		return nil, timeout, nil
	}
	key := strings.TrimSpace(c.APIKey)
	if key == "" && strings.TrimSpace(c.APIKeyEnv) != "" {
		key = strings.TrimSpace(os.Getenv(strings.TrimSpace(c.APIKeyEnv)))
	}
	if key == "" {
		log.Warn("classifier enabled without an api key; every call will fail open")
	}
	retries := c.RetryMax
	if retries == 0 {
		retries = 2
	}
	return perspective.New(perspective.Config{
		APIKey:    key,
		Endpoint:  strings.TrimSpace(c.Endpoint),
		RetryMax:  retries,
		Languages: c.Languages,
	}, log), timeout, nil
}

type expirySettings struct {
	muteEvery   time.Duration
	banEvery    time.Duration
	flushEvery  time.Duration
	action      time.Duration
	maxAttempts int
}

func mapExpiry(cfg *config.Config) (expirySettings, error) {
	e := cfg.Expiry
	var (
		out expirySettings
		err error
	)
	if out.muteEvery, err = config.ParseDurationOrDefault("expiry.mute_interval", e.MuteInterval, 15*time.Second); err != nil {
		return out, err
	}
	if out.banEvery, err = config.ParseDurationOrDefault("expiry.ban_interval", e.BanInterval, 60*time.Second); err != nil {
		return out, err
	}
	if out.flushEvery, err = config.ParseDurationOrDefault("expiry.ledger_flush_interval", e.LedgerFlushInterval, 30*time.Second); err != nil {
		return out, err
	}
	if out.action, err = config.ParseDurationOrDefault("expiry.action_timeout", e.ActionTimeout, 10*time.Second); err != nil {
		return out, err
	}
	out.maxAttempts = e.MaxLiftAttempts
	if out.maxAttempts == 0 {
		out.maxAttempts = 5
	}
	return out, nil
}

func mapPolicyCache(cfg *config.Config) (int, time.Duration, error) {
	ttl, err := config.ParseDurationOrDefault("moderation.policy_cache_ttl", cfg.Moderation.PolicyCacheTTL, 5*time.Minute)
	if err != nil {
		return 0, 0, err
	}
	size := cfg.Moderation.PolicyCacheSize
	if size <= 0 {
		size = 1024
	}
	return size, ttl, nil
}
