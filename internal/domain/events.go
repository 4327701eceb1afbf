package domain

import (
	"encoding/json"
	"time"
)

// SSE event names pushed by the realtime stream.
const (
	EventConnected     = "connected"
	EventMessage       = "message"
	EventTyping        = "typing"
	EventPresence      = "presence"
	EventReadReceipt   = "read_receipt"
	EventMessageStatus = "message_status"
	EventHeartbeat     = "heartbeat"
)

// Presence statuses.
const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)

// Message delivery statuses.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Envelope is the discriminated union for all server-pushed events.
// Data is left raw so each event name can be decoded into its own payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type ConnectedPayload struct {
	ConnectionID string    `json:"connection_id"`
	Timestamp    time.Time `json:"timestamp"`
}

type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type ChatMessage struct {
	ID          string     `json:"id"`
	ChatID      string     `json:"chat_id"`
	Phone       string     `json:"phone"`
	SenderID    string     `json:"sender_id"`
	SenderName  string     `json:"sender_name"`
	Direction   string     `json:"direction"` // inbound/outbound
	Body        string     `json:"body"`
	MessageType string     `json:"message_type"`
	Status      string     `json:"status"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Timestamp   time.Time  `json:"timestamp"`
}

type TypingIndicator struct {
	UserID    string    `json:"user_id"`
	ChatID    string    `json:"chat_id"`
	Phone     string    `json:"phone"`
	UserName  string    `json:"user_name"`
	IsTyping  bool      `json:"is_typing"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingBatch is the batched form of a typing event. The stream may push
// either a single TypingIndicator or this wrapper.
type TypingBatch struct {
	TypingIndicators []TypingIndicator `json:"typing_indicators"`
}

// PresenceData optionally rides along a presence event to report how many
// users are currently online in one chat.
type PresenceData struct {
	ChatID string `json:"chat_id"`
	Count  int    `json:"count"`
}

type PresenceStatus struct {
	UserID    string        `json:"user_id"`
	Status    string        `json:"status"`
	LastSeen  time.Time     `json:"last_seen"`
	Timestamp time.Time     `json:"timestamp"`
	Data      *PresenceData `json:"data,omitempty"`
}

type MessageDeliveryStatus struct {
	MessageID string     `json:"message_id"`
	Status    string     `json:"status"`
	ChatID    string     `json:"chat_id"`
	Phone     string     `json:"phone"`
	Timestamp time.Time  `json:"timestamp"`
	ReadBy    string     `json:"read_by,omitempty"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

type ReadReceipt struct {
	ChatID     string    `json:"chat_id"`
	MessageIDs []string  `json:"message_ids"`
	ReadBy     string    `json:"read_by"`
	ReadAt     time.Time `json:"read_at"`
}
