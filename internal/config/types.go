package config

// Config is the root of config.yaml.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Discord    DiscordConfig    `json:"discord"`
	Moderation ModerationConfig `json:"moderation"`
	Classifier ClassifierConfig `json:"classifier"`
	Language   LanguageConfig   `json:"language,omitempty"`
	Expiry     ExpiryConfig     `json:"expiry"`
	ModLog     *ModLogConfig    `json:"modlog,omitempty"`
	Ops        OpsConfig        `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	JSON    bool           `json:"json,omitempty"`
	File    LoggingFile    `json:"file"`
	Channel LoggingChannel `json:"channel"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChannel mirrors warn+ log records into a chat channel.
type LoggingChannel struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  int64  `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the durable backend for sanctions, the infraction
// ledger and guild policy overrides.
//
// Example:
//
//	storage: { driver: sqlite, path: ./modguard.db }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type DiscordConfig struct {
	// Token may be left empty when TokenEnv names an environment variable.
	Token          string `json:"token,omitempty"`
	TokenEnv       string `json:"token_env,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"` // default "10s"
}

type ModerationConfig struct {
	Defaults GuildPolicyConfig `json:"defaults"`
	// Guilds is keyed by guild ID; entries overlay Defaults.
	Guilds map[string]GuildPolicyConfig `json:"guilds,omitempty"`

	PolicyCacheSize int    `json:"policy_cache_size,omitempty"` // default 1024
	PolicyCacheTTL  string `json:"policy_cache_ttl,omitempty"`  // default "5m"

	// EscalationLookback bounds how many recent infractions are counted.
	EscalationLookback int `json:"escalation_lookback,omitempty"` // default 150
}

// GuildPolicyConfig is the YAML shape of a guild policy. Zero values inherit
// from moderation.defaults.
type GuildPolicyConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	BannedWords      []string     `json:"banned_words,omitempty"`
	BannedWordAction string       `json:"banned_word_action,omitempty"`
	CustomRules      []RuleConfig `json:"custom_rules,omitempty"`
	LegacyTriggers   []RuleConfig `json:"legacy_triggers,omitempty"`

	Spam SpamConfig `json:"spam,omitempty"`

	LinkWhitelist []string `json:"link_whitelist,omitempty"`
	LinkBlacklist []string `json:"link_blacklist,omitempty"`

	// ChannelLanguages maps channel ID to an expected ISO 639-1 code.
	ChannelLanguages map[string]string `json:"channel_languages,omitempty"`

	Classifier map[string]CategoryConfig `json:"classifier,omitempty"`

	AttachmentKeywords []string `json:"attachment_keywords,omitempty"`

	TrustedRoleIDs   []int64 `json:"trusted_role_ids,omitempty"`
	ModeratorRoleIDs []int64 `json:"moderator_role_ids,omitempty"`
	MuteRoleID       int64   `json:"mute_role_id,omitempty"`
	LogChannelID     int64   `json:"log_channel_id,omitempty"`
}

// RuleConfig is one custom rule. Kind is "contains", "regex" or "invite".
type RuleConfig struct {
	Kind    string `json:"kind"`
	Pattern string `json:"pattern,omitempty"`
	Action  string `json:"action"`
	// DMMessage replaces the reason in the notice sent to the member.
	DMMessage string `json:"dm_message,omitempty"`
}

type SpamConfig struct {
	Messages int    `json:"messages,omitempty"`
	Window   string `json:"window,omitempty"`
	Action   string `json:"action,omitempty"` // default "temp_mute:60s"
}

type CategoryConfig struct {
	Enabled   *bool   `json:"enabled,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Action    string  `json:"action,omitempty"`
}

// ClassifierConfig configures the Perspective comment analyzer client.
type ClassifierConfig struct {
	Enabled   bool     `json:"enabled"`
	APIKey    string   `json:"api_key,omitempty"`
	APIKeyEnv string   `json:"api_key_env,omitempty"`
	Endpoint  string   `json:"endpoint,omitempty"`
	Timeout   string   `json:"timeout,omitempty"` // default "12s", clamped to [10s,15s]
	RetryMax  int      `json:"retry_max,omitempty"`
	Languages []string `json:"languages,omitempty"`
}

type LanguageConfig struct {
	// MinWords below which the detector reports "unknown".
	MinWords int `json:"min_words,omitempty"`
}

// ExpiryConfig controls the sanction expiry ticks.
type ExpiryConfig struct {
	MuteInterval        string `json:"mute_interval,omitempty"`         // default "15s"
	BanInterval         string `json:"ban_interval,omitempty"`          // default "60s"
	LedgerFlushInterval string `json:"ledger_flush_interval,omitempty"` // default "30s"
	ActionTimeout       string `json:"action_timeout,omitempty"`        // default "10s"
	MaxLiftAttempts     int    `json:"max_lift_attempts,omitempty"`     // default 5
}

// ModLogConfig controls the async moderation log-channel pipeline.
// If omitted, it defaults to enabled.
type ModLogConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	DedupWindow   string `json:"dedup_window"`
}

// OpsConfig controls the optional operator HTTP listener.
//
// Prefer binding to localhost. A non-loopback Addr requires Token.
type OpsConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Token                string `json:"token,omitempty"`
	Pprof                bool   `json:"pprof,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}
