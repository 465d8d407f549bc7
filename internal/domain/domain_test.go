package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAgentID(t *testing.T) {
	for _, a := range SpecializedAgents {
		got, err := ParseAgentID(string(a))
		require.NoError(t, err)
		require.Equal(t, a, got)
		require.True(t, got.IsSpecialized())
	}

	got, err := ParseAgentID("")
	require.NoError(t, err)
	require.Equal(t, AgentNone, got)
	require.False(t, got.IsSpecialized())

	_, err = ParseAgentID("manager")
	require.Error(t, err)
}

func TestParseMediaKind(t *testing.T) {
	k, err := ParseMediaKind(" Image ")
	require.NoError(t, err)
	require.Equal(t, KindImage, k)

	_, err = ParseMediaKind("video")
	require.Error(t, err)
}

func TestConversationLock_Expiry(t *testing.T) {
	lockedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := ConversationLock{UserID: "u1", ActiveAgent: AgentScheduling, LockedAt: lockedAt, TTL: time.Hour}

	require.Equal(t, lockedAt.Add(time.Hour), l.ExpiresAt())
	require.True(t, l.Held(lockedAt.Add(59*time.Minute)))
	require.False(t, l.Expired(lockedAt.Add(time.Hour)))
	require.True(t, l.Expired(lockedAt.Add(time.Hour+time.Second)))
	require.False(t, l.Held(lockedAt.Add(2*time.Hour)))

	l.TTL = 0
	require.Equal(t, lockedAt.Add(DefaultLockTTL), l.ExpiresAt())

	l.ActiveAgent = AgentNone
	require.False(t, l.Held(lockedAt))
}

func TestMergedTurn(t *testing.T) {
	var empty MergedTurn
	require.True(t, empty.Empty())
	require.Equal(t, "", empty.Text())

	turn := MergedTurn{UserID: "u1", Texts: []string{"hello", "are you there?"}}
	require.False(t, turn.Empty())
	require.Equal(t, "hello\nare you there?", turn.Text())

	require.False(t, MergedTurn{Audio: []string{"a"}}.Empty())
}
