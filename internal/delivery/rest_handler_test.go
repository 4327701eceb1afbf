package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"crm-realtime/internal/config"
	"crm-realtime/internal/domain"
	"crm-realtime/internal/infrastructure/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakePublisher records everything the handlers would ship to the broker.
type fakePublisher struct {
	mu     sync.Mutex
	events []interface{}
}

func (p *fakePublisher) SendEvent(ctx context.Context, event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) all() []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]interface{}(nil), p.events...)
}

type serverFixture struct {
	app       *fiber.App
	srv       *Server
	mr        *miniredis.Miniredis
	rdb       *redis.RedisClient
	publisher *fakePublisher
	streams   *StreamManager
}

func newServerFixture(t *testing.T, authToken string) *serverFixture {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := &config.Config{
		Port:              "8082",
		Environment:       "development",
		AuthToken:         authToken,
		HeartbeatInterval: 30 * time.Second,
	}
	rdb := redis.NewRedisClient(mr.Host(), mr.Port(), "")
	t.Cleanup(func() { rdb.Close() })

	publisher := &fakePublisher{}
	streams := NewStreamManager(zap.NewNop())
	srv := NewServer(cfg, rdb, publisher, streams, zap.NewNop())
	return &serverFixture{
		app:       srv.buildApp(),
		srv:       srv,
		mr:        mr,
		rdb:       rdb,
		publisher: publisher,
		streams:   streams,
	}
}

func (f *serverFixture) do(t *testing.T, method, target string, body interface{}, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) domain.APIResponse {
	t.Helper()
	defer resp.Body.Close()
	var out domain.APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestBearerTokenGuard(t *testing.T) {
	f := newServerFixture(t, "secret")

	resp := f.do(t, http.MethodPost, "/api/realtime/presence", domain.PresenceRequest{Status: "online"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/realtime/presence", domain.PresenceRequest{Status: "online"},
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/realtime/presence", domain.PresenceRequest{Status: "online"},
		map[string]string{"Authorization": "Bearer secret", "X-User-ID": "u1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// health stays open
	resp = f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestStartTypingFlow(t *testing.T) {
	f := newServerFixture(t, "")
	_, events := f.streams.Subscribe("42")

	resp := f.do(t, http.MethodPost, "/api/realtime/typing",
		domain.StartTypingRequest{ChatID: "42", Phone: "+628111", UserName: "Dewi"},
		map[string]string{"X-User-ID": "u1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeResponse(t, resp).Success)

	// typing key lands in redis with a TTL
	require.True(t, f.mr.Exists("chat:42:typing:u1"))
	assert.Greater(t, f.mr.TTL("chat:42:typing:u1").Seconds(), 0.0)

	// local streams got the indicator
	env := <-events
	assert.Equal(t, domain.EventTyping, env.Event)
	var ind domain.TypingIndicator
	require.NoError(t, json.Unmarshal(env.Data, &ind))
	assert.Equal(t, "u1", ind.UserID)
	assert.Equal(t, "Dewi", ind.UserName)
	assert.True(t, ind.IsTyping)

	// and the broker got it for the other instances
	published := f.publisher.all()
	require.Len(t, published, 1)
	assert.Equal(t, "u1", published[0].(domain.TypingIndicator).UserID)

	// chat_id and phone are both required
	resp = f.do(t, http.MethodPost, "/api/realtime/typing", domain.StartTypingRequest{Phone: "+628111"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
	resp = f.do(t, http.MethodPost, "/api/realtime/typing", domain.StartTypingRequest{ChatID: "42"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStopTypingClearsKey(t *testing.T) {
	f := newServerFixture(t, "")

	resp := f.do(t, http.MethodPost, "/api/realtime/typing",
		domain.StartTypingRequest{ChatID: "42", Phone: "+628111"}, nil)
	resp.Body.Close()
	require.True(t, f.mr.Exists("chat:42:typing:+628111"))

	resp = f.do(t, http.MethodDelete, "/api/realtime/typing?chatId=42&phone=%2B628111", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.False(t, f.mr.Exists("chat:42:typing:+628111"))

	resp = f.do(t, http.MethodDelete, "/api/realtime/typing", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestTypingUsersLookup(t *testing.T) {
	f := newServerFixture(t, "")

	for _, user := range []string{"u1", "u2"} {
		resp := f.do(t, http.MethodPost, "/api/realtime/typing",
			domain.StartTypingRequest{ChatID: "42", Phone: user},
			map[string]string{"X-User-ID": user})
		resp.Body.Close()
	}

	resp := f.do(t, http.MethodGet, "/api/realtime/chats/42/typing", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeResponse(t, resp)
	require.True(t, out.Success)
	users, ok := out.Data.([]interface{})
	require.True(t, ok)
	assert.ElementsMatch(t, []interface{}{"u1", "u2"}, users)
}

func TestPresenceRoundTrip(t *testing.T) {
	f := newServerFixture(t, "")
	_, events := f.streams.Subscribe("")

	resp := f.do(t, http.MethodPost, "/api/realtime/presence",
		domain.PresenceRequest{Status: "away"}, map[string]string{"X-User-ID": "u1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	env := <-events
	assert.Equal(t, domain.EventPresence, env.Event)

	resp = f.do(t, http.MethodGet, "/api/realtime/presence/u1", nil, nil)
	out := decodeResponse(t, resp)
	require.True(t, out.Success)
	data, ok := out.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "away", data["status"])

	// unknown users read back as offline, not as an error
	resp = f.do(t, http.MethodGet, "/api/realtime/presence/ghost", nil, nil)
	out = decodeResponse(t, resp)
	require.True(t, out.Success)
	data = out.Data.(map[string]interface{})
	assert.Equal(t, "offline", data["status"])
}

func TestPresenceValidation(t *testing.T) {
	f := newServerFixture(t, "")

	// bogus status
	resp := f.do(t, http.MethodPost, "/api/realtime/presence",
		domain.PresenceRequest{Status: "lurking"}, map[string]string{"X-User-ID": "u1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// no identity
	resp = f.do(t, http.MethodPost, "/api/realtime/presence", domain.PresenceRequest{Status: "online"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestChatMembershipAnnouncements(t *testing.T) {
	f := newServerFixture(t, "")
	ctx := context.Background()
	_, events := f.streams.Subscribe("")

	decodePresence := func(t *testing.T) domain.PresenceStatus {
		t.Helper()
		env := <-events
		require.Equal(t, domain.EventPresence, env.Event)
		var p domain.PresenceStatus
		require.NoError(t, json.Unmarshal(env.Data, &p))
		return p
	}

	f.srv.announceChatJoin("42", "u1")
	p := decodePresence(t)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, domain.PresenceOnline, p.Status)
	require.NotNil(t, p.Data)
	assert.Equal(t, "42", p.Data.ChatID)
	assert.Equal(t, 1, p.Data.Count)

	f.srv.announceChatJoin("42", "u2")
	p = decodePresence(t)
	assert.Equal(t, 2, p.Data.Count)

	count, err := f.rdb.GetChatOnlineCount(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// leaving keeps the user's stored status, only the count changes
	require.NoError(t, f.rdb.SetPresence(ctx, "u2", domain.PresenceAway, time.Now()))
	f.srv.announceChatLeave("42", "u2")
	p = decodePresence(t)
	assert.Equal(t, "u2", p.UserID)
	assert.Equal(t, domain.PresenceAway, p.Status)
	assert.Equal(t, 1, p.Data.Count)

	count, err = f.rdb.GetChatOnlineCount(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// every announcement also went to the broker for the other instances
	assert.Len(t, f.publisher.all(), 3)
}

func TestMarkReadFansOutStatusAndReceipt(t *testing.T) {
	f := newServerFixture(t, "")
	_, events := f.streams.Subscribe("42")

	resp := f.do(t, http.MethodPut, "/api/realtime/message-status",
		domain.MarkReadRequest{ChatID: "42", MessageIDs: []string{"m1", "m2"}},
		map[string]string{"X-User-ID": "u1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// one status per message, then the batched receipt
	var statuses []domain.MessageDeliveryStatus
	for i := 0; i < 2; i++ {
		env := <-events
		require.Equal(t, domain.EventMessageStatus, env.Event)
		var st domain.MessageDeliveryStatus
		require.NoError(t, json.Unmarshal(env.Data, &st))
		statuses = append(statuses, st)
	}
	assert.Equal(t, "m1", statuses[0].MessageID)
	assert.Equal(t, "m2", statuses[1].MessageID)
	assert.Equal(t, domain.StatusRead, statuses[0].Status)
	assert.Equal(t, "u1", statuses[0].ReadBy)
	require.NotNil(t, statuses[0].ReadAt)

	env := <-events
	require.Equal(t, domain.EventReadReceipt, env.Event)
	var receipt domain.ReadReceipt
	require.NoError(t, json.Unmarshal(env.Data, &receipt))
	assert.Equal(t, []string{"m1", "m2"}, receipt.MessageIDs)
	assert.Equal(t, "u1", receipt.ReadBy)

	assert.Len(t, f.publisher.all(), 2)

	resp = f.do(t, http.MethodPut, "/api/realtime/message-status",
		domain.MarkReadRequest{ChatID: "42"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
