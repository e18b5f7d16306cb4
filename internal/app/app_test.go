package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modguard/internal/config"
	"modguard/internal/moderation"
)

type hostOp struct {
	op      string
	guildID int64
	userID  int64
}

type fakeHost struct {
	mu  sync.Mutex
	log []hostOp
	out chan<- moderation.Message
}

func (h *fakeHost) record(op string, g, u int64) error {
	h.mu.Lock()
	h.log = append(h.log, hostOp{op, g, u})
	h.mu.Unlock()
	return nil
}

func (h *fakeHost) has(op string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, o := range h.log {
		if o.op == op {
			return true
		}
	}
	return false
}

func (h *fakeHost) Start(_ context.Context, out chan<- moderation.Message) error {
	h.mu.Lock()
	h.out = out
	h.mu.Unlock()
	return nil
}

func (h *fakeHost) Stop(context.Context) error { return nil }

func (h *fakeHost) send(m moderation.Message) {
	h.mu.Lock()
	out := h.out
	h.mu.Unlock()
	out <- m
}

func (h *fakeHost) DeleteMessage(_ context.Context, g, _, _ int64) error { return h.record("delete", g, 0) }
func (h *fakeHost) ApplyMuteRole(_ context.Context, g, u, _ int64, _ string) error {
	return h.record("mute_role", g, u)
}
func (h *fakeHost) RemoveMuteRole(_ context.Context, g, u, _ int64, _ string) error {
	return h.record("unmute_role", g, u)
}
func (h *fakeHost) TimeoutUser(_ context.Context, g, u int64, until time.Time, _ string) error {
	if until.IsZero() {
		return h.record("timeout_clear", g, u)
	}
	return h.record("timeout", g, u)
}
func (h *fakeHost) KickUser(_ context.Context, g, u int64, _ string) error { return h.record("kick", g, u) }
func (h *fakeHost) BanUser(_ context.Context, g, u int64, _ string) error  { return h.record("ban", g, u) }
func (h *fakeHost) UnbanUser(_ context.Context, g, u int64, _ string) error {
	return h.record("unban", g, u)
}
func (h *fakeHost) SendDirectMessage(_ context.Context, u int64, _ string) error {
	return h.record("dm", 0, u)
}
func (h *fakeHost) SendToChannel(_ context.Context, ch int64, _ string) error {
	return h.record("channel", 0, ch)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body = "storage:\n  driver: file\n  path: " + filepath.Join(dir, "state.db") + "\n" + body
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const baseConfig = `
logging:
  level: error
  console: false
discord:
  token: unused
modlog:
  enabled: false
expiry:
  mute_interval: 1s
  ban_interval: 1s
moderation:
  defaults:
    banned_words: [badword]
    banned_word_action: "temp_mute:1s"
    log_channel_id: 900
`

func TestAppModeratesAndLiftsEndToEnd(t *testing.T) {
	host := &fakeHost{}
	a, err := New(writeConfig(t, baseConfig), WithHost(host), WithIngestWorkers(2))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	host.send(moderation.Message{
		GuildID: 1, ChannelID: 2, MessageID: 3, AuthorID: 42,
		Content: "this is a BADWORD", ReceivedAt: time.Now(),
	})

	require.Eventually(t, func() bool { return host.has("timeout") }, 3*time.Second, 20*time.Millisecond)
	assert.True(t, host.has("delete"))
	assert.True(t, host.has("channel"), "action is logged to the policy log channel")

	ins, err := a.Engine().Infractions(ctx, 1, 42, 10)
	require.NoError(t, err)
	require.Len(t, ins, 1)
	assert.True(t, ins[0].Automated())

	// The mute expires after a second and the 1s tick lifts it.
	require.Eventually(t, func() bool { return host.has("timeout_clear") }, 6*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return len(a.Engine().Sanctions(moderation.SanctionMute)) == 0 },
		2*time.Second, 20*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSignal))
}

func TestAppSkipsBots(t *testing.T) {
	host := &fakeHost{}
	a, err := New(writeConfig(t, baseConfig), WithHost(host))
	require.NoError(t, err)
	require.NoError(t, a.Init(context.Background()))

	d := a.Engine().HandleMessage(context.Background(), moderation.Message{
		GuildID: 1, AuthorID: 5, AuthorIsBot: true, Content: "badword",
	})
	assert.True(t, d.Skipped)
	assert.Equal(t, "bot", d.SkipReason)
	require.NoError(t, a.Close(context.Background()))
}

func TestNewRejectsBadAction(t *testing.T) {
	_, err := New(writeConfig(t, `
discord:
  token: unused
moderation:
  defaults:
    banned_word_action: obliterate
`), WithHost(&fakeHost{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "banned_word_action")
}

func TestValidateConfigWarnsOnBadRegex(t *testing.T) {
	cfg := &config.Config{
		Moderation: config.ModerationConfig{
			Guilds: map[string]config.GuildPolicyConfig{
				"77": {CustomRules: []config.RuleConfig{{Kind: "regex", Pattern: "([", Action: "delete"}}},
			},
		},
	}
	warnings, err := ValidateConfig(cfg)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Error(), "guilds.77")
}

func TestMapStorageConfig(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, defaultStoragePath, sc.Path)

	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "file", Path: "x.db"}})
	require.NoError(t, err)
	assert.Equal(t, "file", sc.Driver)

	_, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "mongo"}})
	assert.Error(t, err)
}

func TestMaxSpamWindow(t *testing.T) {
	cfg := &config.Config{Moderation: config.ModerationConfig{
		Defaults: config.GuildPolicyConfig{Spam: config.SpamConfig{Window: "10s"}},
		Guilds: map[string]config.GuildPolicyConfig{
			"1": {Spam: config.SpamConfig{Window: "5m"}},
		},
	}}
	assert.Equal(t, 5*time.Minute, maxSpamWindow(cfg))
	assert.Equal(t, time.Minute, maxSpamWindow(&config.Config{}))
}
