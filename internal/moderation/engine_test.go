package moderation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgFrom(user int64, text string, at time.Time) Message {
	return Message{GuildID: 1, ChannelID: 3, MessageID: at.UnixNano(), AuthorID: user, Content: text, ReceivedAt: at}
}

func TestBannedWordDeletesAndRecords(t *testing.T) {
	p := basePolicy()
	p.BannedWords = []string{"damn"}
	env := newTestEnv(t, p)
	ctx := context.Background()

	d := env.engine.HandleMessage(ctx, msgFrom(42, "no damn way", time.Now()))

	assert.Equal(t, Delete(), d.Action)
	require.NotNil(t, d.Execution)
	assert.True(t, d.Execution.Steps[StepDelete].OK())
	assert.Equal(t, 1, env.platform.count("delete"))

	recent, err := env.engine.Infractions(ctx, 1, 42, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "banned_word:damn", recent[0].Category)
	assert.Equal(t, Delete(), recent[0].Action)
}

func TestRuleDMMessageReachesMember(t *testing.T) {
	p := basePolicy()
	p.CustomRules = []Rule{{Kind: RuleContains, Pattern: "free nitro", Action: Delete(), DMMessage: "Nitro giveaways are scams."}}
	p.LegacyTriggers = []Rule{{Kind: RuleContains, Pattern: "buy now", Action: Warn(), DMMessage: "No selling here."}}
	p.BannedWords = []string{"damn"}
	env := newTestEnv(t, p)
	ctx := context.Background()

	d := env.engine.HandleMessage(ctx, msgFrom(42, "free nitro inside", time.Now()))
	require.NotNil(t, d.Execution)
	c, ok := env.platform.last("dm")
	require.True(t, ok)
	assert.Equal(t, "Your message was removed. Nitro giveaways are scams.", c.Content)
	assert.NotContains(t, c.Content, "Reason:")

	d = env.engine.HandleMessage(ctx, msgFrom(43, "buy now", time.Now()))
	require.NotNil(t, d.Execution)
	c, _ = env.platform.last("dm")
	assert.Equal(t, "You have received a warning. No selling here.", c.Content)

	// Rules without a message keep the generated reason.
	env.engine.HandleMessage(ctx, msgFrom(44, "damn", time.Now()))
	c, _ = env.platform.last("dm")
	assert.Contains(t, c.Content, "Reason:")
}

func TestSpamBurstMutesAndResetsWindow(t *testing.T) {
	p := basePolicy()
	p.SpamThreshold, p.SpamWindow = 5, 8*time.Second
	env := newTestEnv(t, p)
	ctx := context.Background()
	start := time.Now()

	var d Decision
	for i := 0; i < 5; i++ {
		d = env.engine.HandleMessage(ctx, msgFrom(42, "hi", start.Add(time.Duration(i)*600*time.Millisecond)))
		if i < 4 {
			require.True(t, d.Action.IsNone(), "message %d", i+1)
		}
	}

	assert.Equal(t, TempMute(60*time.Second), d.Action)
	require.NotNil(t, d.Execution)
	assert.True(t, d.Execution.Steps[StepDelete].OK())
	require.NotNil(t, d.Execution.Sanction)
	assert.Equal(t, env.clock.Now().Unix()+60, d.Execution.Sanction.ExpiresAt)
	assert.Equal(t, 0, env.engine.spam.Len(1, 42))
}

func TestClassifierUnavailableYieldsNone(t *testing.T) {
	p := basePolicy()
	p.Categories = map[string]CategoryPolicy{"TOXICITY": {Threshold: 0.8, Action: Delete()}}
	env := newTestEnv(t, p, func(o *Options) {
		o.Classifier = fakeClassifier{err: ErrClassifierUnavailable}
	})

	d := env.engine.HandleMessage(context.Background(), msgFrom(42, "perfectly fine", time.Now()))

	assert.False(t, d.Skipped)
	assert.True(t, d.Action.IsNone())
	assert.Nil(t, d.Execution)
	assert.Empty(t, d.Signals)
	assert.Empty(t, env.platform.ops())
}

func TestEvaluatorPanicIsContained(t *testing.T) {
	p := basePolicy()
	p.BannedWords = []string{"damn"}
	p.Categories = map[string]CategoryPolicy{"TOXICITY": {Threshold: 0.8, Action: Ban()}}
	env := newTestEnv(t, p, func(o *Options) { o.Classifier = fakeClassifier{panics: true} })

	d := env.engine.Evaluate(context.Background(), msgFrom(42, "damn", time.Now()))
	assert.Equal(t, Delete(), d.Action)
	require.Len(t, d.Signals, 1)
}

func TestExemptions(t *testing.T) {
	p := basePolicy()
	p.BannedWords = []string{"damn"}
	p.TrustedRoleIDs = []int64{500}
	p.ModeratorRoleIDs = []int64{600}
	env := newTestEnv(t, p)
	env.policies[2] = GuildPolicy{GuildID: 2, BannedWords: []string{"damn"}}
	ctx := context.Background()

	cases := map[string]Message{
		"direct_message": {AuthorID: 42, Content: "damn"},
		"bot":            {GuildID: 1, AuthorID: 42, AuthorIsBot: true, Content: "damn"},
		"owner":          {GuildID: 1, AuthorID: 42, AuthorIsOwner: true, Content: "damn"},
		"admin":          {GuildID: 1, AuthorID: 42, AuthorIsAdmin: true, Content: "damn"},
		"trusted":        {GuildID: 1, AuthorID: 42, AuthorRoleIDs: []int64{1, 500}, Content: "damn"},
		"moderator":      {GuildID: 1, AuthorID: 42, AuthorRoleIDs: []int64{600}, Content: "damn"},
		"disabled":       {GuildID: 2, AuthorID: 42, Content: "damn"},
	}
	for reason, m := range cases {
		d := env.engine.HandleMessage(ctx, m)
		assert.True(t, d.Skipped, reason)
		assert.Equal(t, reason, d.SkipReason)
	}
	assert.Empty(t, env.platform.ops())
}

func TestRepeatOffenderIsEscalated(t *testing.T) {
	p := basePolicy()
	p.BannedWords = []string{"damn"}
	env := newTestEnv(t, p)
	ctx := context.Background()

	var d Decision
	for i := 0; i < 4; i++ {
		d = env.engine.HandleMessage(ctx, msgFrom(42, "damn", time.Now()))
	}
	assert.Equal(t, 3, d.PriorInfractions)
	assert.Equal(t, Delete(), d.Base)
	assert.Equal(t, TempMute(10*time.Minute), d.Action)
	require.NotNil(t, d.Execution)
	assert.Contains(t, d.Execution.Request.Reason, "escalated")

	// A clean message from the same member is not escalated.
	d = env.engine.HandleMessage(ctx, msgFrom(42, "hello", time.Now()))
	assert.True(t, d.Action.IsNone())
}

func TestManualApplyAndLift(t *testing.T) {
	p := basePolicy()
	env := newTestEnv(t, p)
	ctx := context.Background()

	x, err := env.engine.Apply(ctx, ManualAction{GuildID: 1, UserID: 42, ModeratorID: 9, Action: TempBan(time.Hour), Reason: "raid"})
	require.NoError(t, err)
	assert.Equal(t, []string{"dm", "ban"}, env.platform.ops())
	require.NotNil(t, x.Infraction.ModeratorID)
	assert.Equal(t, int64(9), *x.Infraction.ModeratorID)
	assert.Equal(t, int64(9), *x.Sanction.IssuerID)
	require.Len(t, env.engine.Sanctions(SanctionBan), 1)

	require.NoError(t, env.engine.Lift(ctx, 1, 42, SanctionBan, 9, "appeal accepted"))
	assert.Empty(t, env.engine.Sanctions(SanctionBan))
	assert.Equal(t, 1, env.platform.count("unban"))

	env.platform.fail("unban", OutcomeNotFound)
	assert.NoError(t, env.engine.Lift(ctx, 1, 42, SanctionBan, 9, ""))

	_, err = env.engine.Apply(ctx, ManualAction{GuildID: 1, UserID: 42, Action: None()})
	assert.Error(t, err)
}

func TestCloseFlushesPendingWrites(t *testing.T) {
	p := basePolicy()
	p.BannedWords = []string{"damn"}
	env := newTestEnv(t, p)
	ctx := context.Background()
	env.store.failInfractions.Store(true)

	env.engine.HandleMessage(ctx, msgFrom(42, "damn", time.Now()))
	assert.Equal(t, 1, env.engine.ledger.Pending())

	env.store.failInfractions.Store(false)
	require.NoError(t, env.engine.Close(ctx))
	recs, err := env.store.RecentInfractions(ctx, 1, 42, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSetPolicyRejectsBadPatterns(t *testing.T) {
	env := newTestEnv(t, basePolicy())
	ctx := context.Background()

	bad := basePolicy()
	bad.CustomRules = []Rule{{Kind: RuleRegex, Pattern: `([`, Action: Delete()}}
	assert.Error(t, env.engine.SetPolicy(ctx, 1, bad))

	good := basePolicy()
	good.BannedWords = []string{"heck"}
	require.NoError(t, env.engine.SetPolicy(ctx, 1, good))
	p, err := env.engine.Policy(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"heck"}, p.BannedWords)
}
