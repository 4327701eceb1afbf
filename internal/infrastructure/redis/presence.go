package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crm-realtime/internal/domain"

	"github.com/go-redis/redis/v8"
)

// typingTTL caps how long a typing key can outlive a client that never sent
// its stop signal.
const typingTTL = 30 * time.Second

// SetPresence stores the latest presence report for a user. Last write wins.
func (r *RedisClient) SetPresence(ctx context.Context, userID, status string, now time.Time) error {
	key := fmt.Sprintf("presence:%s", userID)
	p := domain.PresenceStatus{
		UserID:    userID,
		Status:    status,
		LastSeen:  now,
		Timestamp: now,
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, 0).Err()
}

// GetPresence returns the last presence report for a user. A user that never
// reported is offline.
func (r *RedisClient) GetPresence(ctx context.Context, userID string) (domain.PresenceStatus, error) {
	key := fmt.Sprintf("presence:%s", userID)
	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return domain.PresenceStatus{UserID: userID, Status: domain.PresenceOffline}, nil
	}
	if err != nil {
		return domain.PresenceStatus{}, err
	}

	var p domain.PresenceStatus
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return domain.PresenceStatus{}, err
	}
	return p, nil
}

// SetUserTyping records or clears a user's typing state in a chat.
func (r *RedisClient) SetUserTyping(ctx context.Context, chatID, userID string, isTyping bool) error {
	key := fmt.Sprintf("chat:%s:typing:%s", chatID, userID)
	if isTyping {
		return r.client.Set(ctx, key, "true", typingTTL).Err()
	}
	return r.client.Del(ctx, key).Err()
}

// GetTypingUsers returns the users currently typing in a chat.
func (r *RedisClient) GetTypingUsers(ctx context.Context, chatID string) ([]string, error) {
	pattern := fmt.Sprintf("chat:%s:typing:*", chatID)
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("chat:%s:typing:", chatID)
	var typingUsers []string
	for _, key := range keys {
		if len(key) > len(prefix) {
			typingUsers = append(typingUsers, key[len(prefix):])
		}
	}
	return typingUsers, nil
}

// AddUserToChat marks a user online in a chat.
func (r *RedisClient) AddUserToChat(ctx context.Context, chatID, userID string) error {
	key := fmt.Sprintf("chat:%s:online", chatID)
	return r.client.SAdd(ctx, key, userID).Err()
}

// RemoveUserFromChat marks a user gone from a chat.
func (r *RedisClient) RemoveUserFromChat(ctx context.Context, chatID, userID string) error {
	key := fmt.Sprintf("chat:%s:online", chatID)
	return r.client.SRem(ctx, key, userID).Err()
}

// GetChatOnlineCount returns how many users are online in a chat.
func (r *RedisClient) GetChatOnlineCount(ctx context.Context, chatID string) (int, error) {
	key := fmt.Sprintf("chat:%s:online", chatID)
	count, err := r.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}
