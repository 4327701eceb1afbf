package delivery

import (
	"encoding/json"
	"sync"

	"crm-realtime/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// subscriberBuffer bounds how far one slow stream can fall behind before it
// starts dropping events. Delivery is best-effort, a stalled client must
// never backpressure the fan-out.
const subscriberBuffer = 64

type subscriber struct {
	id     string
	chatID string
	events chan domain.Envelope
}

// StreamManager is the in-process fan-out registry for SSE subscribers.
// Subscribers scoped to a chat see only that chat's events plus everything
// unscoped (presence); unscoped subscribers see it all.
type StreamManager struct {
	logger      *zap.Logger
	mu          sync.RWMutex
	subscribers map[string]*subscriber
}

func NewStreamManager(logger *zap.Logger) *StreamManager {
	return &StreamManager{
		logger:      logger,
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers a stream with an optional chat scope and returns its
// connection ID and event channel.
func (m *StreamManager) Subscribe(chatID string) (string, <-chan domain.Envelope) {
	sub := &subscriber{
		id:     uuid.New().String(),
		chatID: chatID,
		events: make(chan domain.Envelope, subscriberBuffer),
	}

	m.mu.Lock()
	m.subscribers[sub.id] = sub
	total := len(m.subscribers)
	m.mu.Unlock()

	m.logger.Info("stream subscribed",
		zap.String("connection_id", sub.id), zap.String("chat_id", chatID), zap.Int("total", total))
	return sub.id, sub.events
}

// Unsubscribe removes a stream. Safe to call more than once; the channel is
// left open so a concurrent Broadcast cannot hit a closed channel.
func (m *StreamManager) Unsubscribe(id string) {
	m.mu.Lock()
	_, exists := m.subscribers[id]
	delete(m.subscribers, id)
	total := len(m.subscribers)
	m.mu.Unlock()

	if exists {
		m.logger.Info("stream unsubscribed", zap.String("connection_id", id), zap.Int("total", total))
	}
}

// Broadcast delivers a named event to every subscriber in scope. A full
// subscriber buffer drops the event for that subscriber only.
func (m *StreamManager) Broadcast(chatID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Warn("failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}
	env := domain.Envelope{Event: event, Data: data}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subscribers {
		if chatID != "" && sub.chatID != "" && sub.chatID != chatID {
			continue
		}
		select {
		case sub.events <- env:
		default:
			m.logger.Warn("subscriber buffer full, dropping event",
				zap.String("connection_id", sub.id), zap.String("event", event))
		}
	}
}

// ActiveStreams returns subscriber counts per chat scope for monitoring.
func (m *StreamManager) ActiveStreams() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]int)
	for _, sub := range m.subscribers {
		scope := sub.chatID
		if scope == "" {
			scope = "*"
		}
		result[scope]++
	}
	return result
}

// EventHandler implementation: upstream events fan straight out to streams.

func (m *StreamManager) HandleChatMessage(msg domain.ChatMessage) {
	m.Broadcast(msg.ChatID, domain.EventMessage, msg)
}

func (m *StreamManager) HandleTypingIndicator(ind domain.TypingIndicator) {
	m.Broadcast(ind.ChatID, domain.EventTyping, ind)
}

func (m *StreamManager) HandlePresence(p domain.PresenceStatus) {
	m.Broadcast("", domain.EventPresence, p)
}

func (m *StreamManager) HandleMessageStatus(st domain.MessageDeliveryStatus) {
	m.Broadcast(st.ChatID, domain.EventMessageStatus, st)
}
