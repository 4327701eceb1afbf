package realtime

import (
	"sort"
	"sync"
	"time"

	"crm-realtime/internal/domain"
)

// MessageCache holds the optimistic in-memory view of one chat's messages.
// Inbound stream events land here before the authoritative refetch catches
// up, so the UI never waits on the data layer to show a new message.
type MessageCache struct {
	mu       sync.Mutex
	messages []domain.ChatMessage
}

func NewMessageCache() *MessageCache {
	return &MessageCache{}
}

// Seed replaces the cache with an authoritative message list.
func (c *MessageCache) Seed(messages []domain.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append([]domain.ChatMessage(nil), messages...)
	c.sortLocked()
}

// Upsert appends a message unless its ID is already cached, keeping the list
// ordered by creation time. Returns false for duplicates.
func (c *MessageCache) Upsert(msg domain.ChatMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.messages {
		if existing.ID == msg.ID {
			return false
		}
	}
	c.messages = append(c.messages, msg)
	c.sortLocked()
	return true
}

// PatchStatus updates the cached message's delivery status in place.
// "delivered" stamps DeliveredAt, "read" stamps ReadAt and leaves
// DeliveredAt untouched. Unknown message IDs are a no-op.
func (c *MessageCache) PatchStatus(st domain.MessageDeliveryStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.messages {
		if c.messages[i].ID != st.MessageID {
			continue
		}
		c.messages[i].Status = st.Status
		switch st.Status {
		case domain.StatusDelivered:
			ts := st.Timestamp
			c.messages[i].DeliveredAt = &ts
		case domain.StatusRead:
			readAt := st.Timestamp
			if st.ReadAt != nil {
				readAt = *st.ReadAt
			}
			c.messages[i].ReadAt = &readAt
		}
		return true
	}
	return false
}

// MarkRead patches every listed message to read status.
func (c *MessageCache) MarkRead(messageIDs []string, readAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range messageIDs {
		for i := range c.messages {
			if c.messages[i].ID == id {
				c.messages[i].Status = domain.StatusRead
				ts := readAt
				c.messages[i].ReadAt = &ts
				break
			}
		}
	}
}

// Get returns the cached message with the given ID.
func (c *MessageCache) Get(id string) (domain.ChatMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range c.messages {
		if msg.ID == id {
			return msg, true
		}
	}
	return domain.ChatMessage{}, false
}

// Messages returns a copy of the cached list, oldest first.
func (c *MessageCache) Messages() []domain.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *MessageCache) sortLocked() {
	sort.SliceStable(c.messages, func(i, j int) bool {
		return c.messages[i].CreatedAt.Before(c.messages[j].CreatedAt)
	})
}
