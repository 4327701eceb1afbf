package redis

import (
	"context"
	"testing"
	"time"

	"crm-realtime/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClient(mr.Host(), mr.Port(), "")
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestPresenceLastWriteWins(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, client.SetPresence(ctx, "u1", domain.PresenceOnline, now))
	require.NoError(t, client.SetPresence(ctx, "u1", domain.PresenceAway, now.Add(time.Minute)))

	p, err := client.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, domain.PresenceAway, p.Status)
	assert.True(t, p.LastSeen.Equal(now.Add(time.Minute)))
}

func TestPresenceUnknownUserIsOffline(t *testing.T) {
	client, _ := newTestClient(t)

	p, err := client.GetPresence(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", p.UserID)
	assert.Equal(t, domain.PresenceOffline, p.Status)
}

func TestTypingStateExpires(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.SetUserTyping(ctx, "42", "u1", true))
	require.NoError(t, client.SetUserTyping(ctx, "42", "u2", true))
	require.NoError(t, client.SetUserTyping(ctx, "43", "u3", true))

	users, err := client.GetTypingUsers(ctx, "42")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, users)

	// explicit stop clears the key right away
	require.NoError(t, client.SetUserTyping(ctx, "42", "u1", false))
	users, err = client.GetTypingUsers(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, users)

	// a client that vanished mid-burst falls off after the TTL
	mr.FastForward(typingTTL + time.Second)
	users, err = client.GetTypingUsers(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestChatOnlineMembership(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.AddUserToChat(ctx, "42", "u1"))
	require.NoError(t, client.AddUserToChat(ctx, "42", "u2"))
	require.NoError(t, client.AddUserToChat(ctx, "42", "u2")) // sets dedupe

	count, err := client.GetChatOnlineCount(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, client.RemoveUserFromChat(ctx, "42", "u1"))
	count, err = client.GetChatOnlineCount(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = client.GetChatOnlineCount(ctx, "empty")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
