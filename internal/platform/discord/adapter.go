// Package discord connects the moderation engine to Discord through discordgo:
// gateway ingest of guild messages and the REST calls behind moderation.Platform.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"modguard/internal/moderation"
	logx "modguard/pkg/logx"
)

// Discord caps audit log reasons at 512 characters.
const maxAuditReason = 512

type Config struct {
	Token          string
	RequestTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	s   *discordgo.Session

	selfID atomic.Value // string

	out       chan<- moderation.Message
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool
	unhook    []func()

	// dropped counts messages lost because the consumer fell behind the gateway.
	dropped atomic.Uint64
}

var _ moderation.Platform = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	s.StateEnabled = true
	s.Client = &http.Client{Timeout: cfg.RequestTimeout}

	log = log.With(logx.String("comp", "discord"))
	routeLibraryLogs(log)
	return &Adapter{cfg: cfg, log: log, s: s}, nil
}

// Start opens the gateway and forwards guild messages to out. It never blocks
// on out; messages that do not fit are counted and reported periodically.
func (a *Adapter) Start(ctx context.Context, out chan<- moderation.Message) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.out = out
	rctx, cancel := context.WithCancel(ctx)

	a.unhook = append(a.unhook,
		a.s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			if r.User != nil {
				a.selfID.Store(r.User.ID)
			}
			a.log.Info("gateway ready", logx.Int("guilds", len(r.Guilds)))
		}),
		a.s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.ingest(m.Message)
		}),
	)

	if err := a.s.Open(); err != nil {
		cancel()
		for _, fn := range a.unhook {
			fn()
		}
		a.unhook = nil
		a.runMu.Unlock()
		return fmt.Errorf("discord open: %w", err)
	}
	a.running = true
	a.runCancel = cancel
	a.runWG.Add(1)
	a.runMu.Unlock()

	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	}()

	a.log.Info("gateway connected")
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming messages dropped (channel full)",
			logx.Int64("count", int64(n)), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) ingest(m *discordgo.Message) {
	if m == nil || m.Author == nil {
		return
	}
	if self, _ := a.selfID.Load().(string); self != "" && m.Author.ID == self {
		return
	}
	msg, ok := toMessage(a.s.State, m, time.Now())
	if !ok {
		return
	}
	select {
	case a.out <- msg:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	unhook := a.unhook
	a.unhook = nil
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	for _, fn := range unhook {
		fn()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan error, 1)
	go func() {
		err := a.s.Close()
		a.runWG.Wait()
		done <- err
	}()

	select {
	case err := <-done:
		a.log.Info("gateway closed")
		return err
	case <-ctx.Done():
		a.log.Warn("discord stop cancelled", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (a *Adapter) DeleteMessage(ctx context.Context, _, channelID, messageID int64) error {
	err := a.s.ChannelMessageDelete(sid(channelID), sid(messageID), discordgo.WithContext(ctx))
	return platformError("delete_message", err)
}

func (a *Adapter) ApplyMuteRole(ctx context.Context, guildID, userID, roleID int64, reason string) error {
	err := a.s.GuildMemberRoleAdd(sid(guildID), sid(userID), sid(roleID), opts(ctx, reason)...)
	return platformError("apply_mute_role", err)
}

func (a *Adapter) RemoveMuteRole(ctx context.Context, guildID, userID, roleID int64, reason string) error {
	err := a.s.GuildMemberRoleRemove(sid(guildID), sid(userID), sid(roleID), opts(ctx, reason)...)
	return platformError("remove_mute_role", err)
}

func (a *Adapter) TimeoutUser(ctx context.Context, guildID, userID int64, until time.Time, reason string) error {
	var t *time.Time
	if !until.IsZero() {
		t = &until
	}
	err := a.s.GuildMemberTimeout(sid(guildID), sid(userID), t, opts(ctx, reason)...)
	return platformError("timeout_user", err)
}

func (a *Adapter) KickUser(ctx context.Context, guildID, userID int64, reason string) error {
	err := a.s.GuildMemberDeleteWithReason(sid(guildID), sid(userID), auditReason(reason), discordgo.WithContext(ctx))
	return platformError("kick_user", err)
}

func (a *Adapter) BanUser(ctx context.Context, guildID, userID int64, reason string) error {
	err := a.s.GuildBanCreateWithReason(sid(guildID), sid(userID), auditReason(reason), 0, discordgo.WithContext(ctx))
	return platformError("ban_user", err)
}

func (a *Adapter) UnbanUser(ctx context.Context, guildID, userID int64, reason string) error {
	err := a.s.GuildBanDelete(sid(guildID), sid(userID), opts(ctx, reason)...)
	return platformError("unban_user", err)
}

func (a *Adapter) SendDirectMessage(ctx context.Context, userID int64, content string) error {
	ch, err := a.s.UserChannelCreate(sid(userID), discordgo.WithContext(ctx))
	if err != nil {
		return platformError("open_dm", err)
	}
	_, err = a.s.ChannelMessageSend(ch.ID, content, discordgo.WithContext(ctx))
	return platformError("send_dm", err)
}

func (a *Adapter) SendToChannel(ctx context.Context, channelID int64, content string) error {
	_, err := a.s.ChannelMessageSend(sid(channelID), truncate(content, 2000), discordgo.WithContext(ctx))
	return platformError("send_channel", err)
}

func opts(ctx context.Context, reason string) []discordgo.RequestOption {
	o := []discordgo.RequestOption{discordgo.WithContext(ctx)}
	if r := auditReason(reason); r != "" {
		o = append(o, discordgo.WithAuditLogReason(r))
	}
	return o
}

func auditReason(reason string) string {
	return truncate(strings.TrimSpace(reason), maxAuditReason)
}

func truncate(s string, maxN int) string {
	r := []rune(s)
	if len(r) <= maxN {
		return s
	}
	return string(r[:maxN-1]) + "…"
}

var logOnce sync.Once

// routeLibraryLogs sends discordgo's package-level logging through logx.
// The hook is global, so the first adapter's logger wins.
func routeLibraryLogs(log logx.Logger) {
	logOnce.Do(func() {
		discordgo.Logger = func(level, _ int, format string, a ...interface{}) {
			msg := fmt.Sprintf(format, a...)
			switch level {
			case discordgo.LogError:
				log.Error(msg)
			case discordgo.LogWarning:
				log.Warn(msg)
			case discordgo.LogInformational:
				log.Debug(msg)
			default:
				log.Trace(msg)
			}
		}
	})
}
