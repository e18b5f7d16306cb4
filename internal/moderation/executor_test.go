package moderation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modguard/internal/eventbus"
)

func TestExecuteTempMuteWithRole(t *testing.T) {
	p := basePolicy()
	p.MuteRoleID, p.LogChannelID = 55, 99
	env := newTestEnv(t, p)

	x := env.engine.exec.Execute(context.Background(), ExecRequest{
		GuildID: 1, UserID: 42, ChannelID: 3, MessageID: 7,
		Action: TempMute(time.Minute), Category: "spam", Reason: "automod: spam", Policy: p,
	})

	assert.Equal(t, StateCompleted, x.State)
	assert.Empty(t, x.Failed())
	for _, s := range Steps {
		assert.True(t, x.Steps[s].OK(), s)
	}
	assert.Equal(t, []string{"delete", "dm", "mute_role", "channel"}, env.platform.ops())

	require.NotNil(t, x.Sanction)
	assert.Equal(t, env.clock.Now().Unix()+60, x.Sanction.ExpiresAt)
	assert.Greater(t, x.Sanction.ExpiresAt, x.Sanction.CreatedAt)
	_, ok := env.engine.sanctions.Get(x.Sanction.Key())
	assert.True(t, ok)

	require.NotNil(t, x.Infraction)
	assert.True(t, x.Infraction.Automated())
}

func TestExecuteIsBestEffort(t *testing.T) {
	p := basePolicy()
	env := newTestEnv(t, p)
	env.platform.fail("delete", OutcomeForbidden)
	env.platform.fail("dm", OutcomeBlocked)

	x := env.engine.exec.Execute(context.Background(), ExecRequest{
		GuildID: 1, UserID: 42, MessageID: 7, Action: Kick(), Category: "manual", Policy: p,
	})

	assert.Equal(t, []Step{StepDelete, StepNotice}, x.Failed())
	assert.Equal(t, OutcomeForbidden, OutcomeOf(x.Steps[StepDelete].Err))
	assert.Equal(t, OutcomeBlocked, OutcomeOf(x.Steps[StepNotice].Err))
	assert.True(t, x.Steps[StepPrimary].OK())
	assert.True(t, x.Steps[StepLedger].OK())
	_, logged := x.Steps[StepLog]
	assert.False(t, logged, "no log channel configured")
	assert.Equal(t, 1, env.platform.count("kick"))
}

func TestExecuteStepsPerAction(t *testing.T) {
	p := basePolicy()
	cases := []struct {
		action Action
		ops    []string
	}{
		{Warn(), []string{"dm"}},
		{Delete(), []string{"delete", "dm"}},
		{TempMute(time.Hour), []string{"delete", "dm", "timeout"}},
		{Ban(), []string{"delete", "dm", "ban"}},
	}
	for _, tc := range cases {
		t.Run(tc.action.String(), func(t *testing.T) {
			env := newTestEnv(t, p)
			x := env.engine.exec.Execute(context.Background(), ExecRequest{
				GuildID: 1, UserID: 42, MessageID: 7, Action: tc.action, Policy: p,
			})
			assert.Equal(t, tc.ops, env.platform.ops())
			assert.Empty(t, x.Failed())
			_, hasPrimary := x.Steps[StepPrimary]
			assert.Equal(t, tc.action.Kind != KindDelete, hasPrimary)
		})
	}
}

func TestExecuteCapsPlatformTimeout(t *testing.T) {
	p := basePolicy()
	env := newTestEnv(t, p)
	env.engine.exec.Execute(context.Background(), ExecRequest{
		GuildID: 1, UserID: 42, Action: TempMute(40 * 24 * time.Hour), Policy: p,
	})
	c, ok := env.platform.last("timeout")
	require.True(t, ok)
	assert.Equal(t, env.clock.Now().Add(28*24*time.Hour), c.Until)

	sn, ok := env.engine.sanctions.Get(SanctionKey{GuildID: 1, UserID: 42, Kind: SanctionMute})
	require.True(t, ok)
	assert.Equal(t, env.clock.Now().Add(40*24*time.Hour).Unix(), sn.ExpiresAt)
}

func TestPermanentBanReplacesTemporaryBan(t *testing.T) {
	p := basePolicy()
	env := newTestEnv(t, p)
	ctx := context.Background()
	exec := env.engine.exec

	x := exec.Execute(ctx, ExecRequest{GuildID: 1, UserID: 42, Action: TempBan(time.Hour), Policy: p})
	require.NotNil(t, x.Sanction)

	x = exec.Execute(ctx, ExecRequest{GuildID: 1, UserID: 42, Action: Ban(), Policy: p})
	assert.True(t, x.Steps[StepSanction].OK())
	assert.Nil(t, x.Sanction)
	assert.Empty(t, env.engine.Sanctions(SanctionBan))
}

func TestExecuteLedgerFailureDoesNotStopLaterSteps(t *testing.T) {
	p := basePolicy()
	p.LogChannelID = 99
	env := newTestEnv(t, p)
	env.store.failInfractions.Store(true)
	env.store.failSanctions.Store(true)

	x := env.engine.exec.Execute(context.Background(), ExecRequest{
		GuildID: 1, UserID: 42, Action: TempMute(time.Minute), Policy: p,
	})
	assert.Equal(t, []Step{StepLedger, StepSanction}, x.Failed())
	var pe *PersistenceError
	assert.ErrorAs(t, x.Steps[StepLedger].Err, &pe)
	assert.True(t, x.Steps[StepLog].OK())
	assert.Equal(t, 1, env.engine.ledger.Pending())
	assert.Len(t, env.engine.Sanctions(SanctionMute), 1, "memory stays authoritative")
}

func TestExecutePublishesEvents(t *testing.T) {
	p := basePolicy()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	env := newTestEnv(t, p, func(o *Options) { o.Bus = bus })
	env.platform.fail("dm", OutcomeBlocked)

	env.engine.exec.Execute(context.Background(), ExecRequest{GuildID: 1, UserID: 42, Action: TempMute(time.Minute), Policy: p})

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []string{eventbus.SanctionCreated, eventbus.ModerationStepFailed, eventbus.ModerationAction}, types)
}
