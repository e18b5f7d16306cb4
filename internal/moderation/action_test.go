package moderation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	cases := []struct {
		in   string
		want Action
	}{
		{"none", None()},
		{"warn", Warn()},
		{"DELETE", Delete()},
		{"temp_mute:300", TempMute(5 * time.Minute)},
		{"mute", TempMute(10 * time.Minute)},
		{"timeout:2h", TempMute(2 * time.Hour)},
		{"kick", Kick()},
		{"ban", Ban()},
		{"ban:1d", TempBan(24 * time.Hour)},
		{"temp_ban:1w", TempBan(7 * 24 * time.Hour)},
		{"delete+temp_mute:60", TempMute(time.Minute)},
		{"warn+delete", Delete()},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseAction(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	for _, bad := range []string{"", "explode", "temp_mute:abc", "temp_mute:0", "temp_ban", "delete+nope"} {
		_, err := ParseAction(bad)
		assert.Error(t, err, bad)
	}
}

func TestActionStringParsesBack(t *testing.T) {
	for _, a := range []Action{None(), Warn(), Delete(), TempMute(90 * time.Second), Kick(), Ban(), TempBan(36 * time.Hour)} {
		got, err := ParseAction(a.String())
		require.NoError(t, err, a.String())
		assert.Equal(t, a, got)
	}
	assert.Equal(t, "temp_mute:90s", TempMute(90*time.Second).String())
	assert.Equal(t, "temp_ban:36h", TempBan(36*time.Hour).String())
}

func TestMax(t *testing.T) {
	assert.Equal(t, Kick(), Max(TempMute(24*time.Hour), Kick()))
	assert.Equal(t, TempMute(time.Hour), Max(TempMute(time.Minute), TempMute(time.Hour)))
	assert.Equal(t, Ban(), Max(TempBan(time.Hour), Ban()))
	assert.Equal(t, Ban(), Max(Ban(), TempBan(time.Hour)))
	assert.Equal(t, TempBan(2*time.Hour), Max(TempBan(time.Hour), TempBan(2*time.Hour)))
	assert.Equal(t, Warn(), Max(None(), Warn()))
}

func TestSanctionKindOfAction(t *testing.T) {
	k, ok := TempMute(time.Minute).SanctionKind()
	assert.True(t, ok)
	assert.Equal(t, SanctionMute, k)

	k, ok = TempBan(time.Hour).SanctionKind()
	assert.True(t, ok)
	assert.Equal(t, SanctionBan, k)

	_, ok = Ban().SanctionKind()
	assert.False(t, ok)
	_, ok = Delete().SanctionKind()
	assert.False(t, ok)
}
