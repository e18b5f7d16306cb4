package moderation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"modguard/internal/storage"
	logx "modguard/pkg/logx"
)

type platformCall struct {
	Op      string
	GuildID int64
	UserID  int64
	Target  int64 // channel, message or role
	Until   time.Time
	Content string
}

// fakePlatform records every call and fails the ops listed in errs.
type fakePlatform struct {
	mu    sync.Mutex
	calls []platformCall
	errs  map[string]error
}

func newFakePlatform() *fakePlatform { return &fakePlatform{errs: map[string]error{}} }

func (f *fakePlatform) fail(op string, outcome Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = NewPlatformError(op, outcome, nil)
}

func (f *fakePlatform) record(c platformCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.errs[c.Op]
}

func (f *fakePlatform) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Op
	}
	return out
}

func (f *fakePlatform) count(op string) int {
	n := 0
	for _, o := range f.ops() {
		if o == op {
			n++
		}
	}
	return n
}

func (f *fakePlatform) last(op string) (platformCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Op == op {
			return f.calls[i], true
		}
	}
	return platformCall{}, false
}

func (f *fakePlatform) DeleteMessage(_ context.Context, g, ch, msg int64) error {
	return f.record(platformCall{Op: "delete", GuildID: g, Target: msg})
}

func (f *fakePlatform) ApplyMuteRole(_ context.Context, g, u, role int64, _ string) error {
	return f.record(platformCall{Op: "mute_role", GuildID: g, UserID: u, Target: role})
}

func (f *fakePlatform) RemoveMuteRole(_ context.Context, g, u, role int64, _ string) error {
	return f.record(platformCall{Op: "unmute_role", GuildID: g, UserID: u, Target: role})
}

func (f *fakePlatform) TimeoutUser(_ context.Context, g, u int64, until time.Time, _ string) error {
	return f.record(platformCall{Op: "timeout", GuildID: g, UserID: u, Until: until})
}

func (f *fakePlatform) KickUser(_ context.Context, g, u int64, _ string) error {
	return f.record(platformCall{Op: "kick", GuildID: g, UserID: u})
}

func (f *fakePlatform) BanUser(_ context.Context, g, u int64, _ string) error {
	return f.record(platformCall{Op: "ban", GuildID: g, UserID: u})
}

func (f *fakePlatform) UnbanUser(_ context.Context, g, u int64, _ string) error {
	return f.record(platformCall{Op: "unban", GuildID: g, UserID: u})
}

func (f *fakePlatform) SendDirectMessage(_ context.Context, u int64, content string) error {
	return f.record(platformCall{Op: "dm", UserID: u, Content: content})
}

func (f *fakePlatform) SendToChannel(_ context.Context, ch int64, content string) error {
	return f.record(platformCall{Op: "channel", Target: ch, Content: content})
}

var errDiskFull = errors.New("disk full")

// flakyStore wraps a real store and fails writes on demand.
type flakyStore struct {
	storage.Store
	failSanctions   atomic.Bool
	failInfractions atomic.Bool
	sanctionWrites  atomic.Int32
}

func (s *flakyStore) ApplySanctions(ctx context.Context, ch storage.SanctionChanges) error {
	s.sanctionWrites.Add(1)
	if s.failSanctions.Load() {
		return errDiskFull
	}
	return s.Store.ApplySanctions(ctx, ch)
}

func (s *flakyStore) AppendInfractions(ctx context.Context, recs []storage.InfractionRecord) ([]int64, error) {
	if s.failInfractions.Load() {
		return nil, errDiskFull
	}
	return s.Store.AppendInfractions(ctx, recs)
}

func openStore(t *testing.T, dir string) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "modguard.store")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func openSQLiteStore(t *testing.T, dir string) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(dir, "modguard.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// onStore points an engine at st instead of the env's own store.
func onStore(st storage.Store) func(*Options) {
	return func(o *Options) { o.Store = st }
}

func newFlakyStore(t *testing.T) *flakyStore {
	return &flakyStore{Store: openStore(t, t.TempDir())}
}

type staticPolicies map[int64]GuildPolicy

func (s staticPolicies) GuildPolicy(_ context.Context, id int64) (GuildPolicy, error) {
	if p, ok := s[id]; ok {
		return p, nil
	}
	return GuildPolicy{GuildID: id}, nil
}

func (s staticPolicies) SetGuildPolicy(_ context.Context, id int64, p GuildPolicy) error {
	s[id] = p
	return nil
}

// flakyPolicies fails lookups on demand.
type flakyPolicies struct {
	PolicyStore
	fail atomic.Bool
}

func (f *flakyPolicies) GuildPolicy(ctx context.Context, id int64) (GuildPolicy, error) {
	if f.fail.Load() {
		return GuildPolicy{}, errDiskFull
	}
	return f.PolicyStore.GuildPolicy(ctx, id)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeClassifier struct {
	scores map[string]float64
	err    error
	panics bool
}

func (f fakeClassifier) Analyze(ctx context.Context, _ string) (map[string]float64, error) {
	if f.panics {
		panic("classifier exploded")
	}
	return f.scores, f.err
}

type testEnv struct {
	engine   *Engine
	platform *fakePlatform
	store    *flakyStore
	clock    *fakeClock
	policies staticPolicies
}

func newTestEnv(t *testing.T, p GuildPolicy, tweak ...func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		platform: newFakePlatform(),
		store:    newFlakyStore(t),
		clock:    newFakeClock(),
		policies: staticPolicies{p.GuildID: p},
	}
	opts := Options{
		Logger:   logx.Nop(),
		Store:    env.store,
		Platform: env.platform,
		Policies: env.policies,
		Clock:    env.clock.Now,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, e.Init(context.Background()))
	env.engine = e
	return env
}

func basePolicy() GuildPolicy {
	return GuildPolicy{
		GuildID:          1,
		Enabled:          true,
		BannedWordAction: Delete(),
		SpamWindow:       8 * time.Second,
		SpamAction:       TempMute(60 * time.Second),
	}
}
