package realtime

import (
	"sync"
	"time"

	"crm-realtime/internal/domain"

	"go.uber.org/zap"
)

const autoReadDelay = time.Second

type ChatSessionConfig struct {
	ChatID   string
	Phone    string
	UserName string

	// TypingDebounce is the trailing-edge window after which a typing burst
	// auto-stops. Defaults to one second.
	TypingDebounce time.Duration

	// AutoRead marks inbound messages as read shortly after they arrive.
	AutoRead bool

	// Refresh, when set, is invoked in parallel after an inbound message so
	// the owning data layer can refetch the authoritative list.
	Refresh func()
}

// ChatSession adapts the shared Hub to one open chat screen: debounced
// typing signals, an optimistic message cache and auto-read pacing.
type ChatSession struct {
	hub    *Hub
	clock  Clock
	logger *zap.Logger
	cfg    ChatSessionConfig
	cache  *MessageCache

	mu           sync.Mutex
	typingActive bool
	stopTimer    Timer
	readTimer    Timer
	pendingRead  []string
	closed       bool

	subs []*Subscription
}

func NewChatSession(hub *Hub, cfg ChatSessionConfig, clock Clock, logger *zap.Logger) *ChatSession {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TypingDebounce == 0 {
		cfg.TypingDebounce = time.Second
	}

	s := &ChatSession{
		hub:    hub,
		clock:  clock,
		logger: logger,
		cfg:    cfg,
		cache:  NewMessageCache(),
	}
	s.subs = append(s.subs,
		hub.OnMessage(s.handleMessage),
		hub.OnMessageStatus(s.handleStatus),
		hub.OnReadReceipt(s.handleReceipt),
	)
	return s
}

// StartTyping signals that the user is composing. The start signal goes out
// once per burst; every call re-arms the trailing auto-stop timer, so the
// stop fires one debounce window after the last keystroke.
func (s *ChatSession) StartTyping() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	sendStart := !s.typingActive
	s.typingActive = true
	if s.stopTimer != nil {
		s.stopTimer.Reset(s.cfg.TypingDebounce)
	} else {
		s.stopTimer = s.clock.AfterFunc(s.cfg.TypingDebounce, s.autoStopTyping)
	}
	s.mu.Unlock()

	if sendStart {
		s.hub.StartTyping(s.cfg.ChatID, s.cfg.Phone, s.cfg.UserName)
	}
}

// StopTyping ends the burst immediately.
func (s *ChatSession) StopTyping() {
	s.mu.Lock()
	if s.stopTimer != nil {
		s.stopTimer.Stop()
	}
	active := s.typingActive
	s.typingActive = false
	s.mu.Unlock()

	if active {
		s.hub.StopTyping(s.cfg.ChatID, s.cfg.Phone)
	}
}

func (s *ChatSession) autoStopTyping() {
	s.mu.Lock()
	if !s.typingActive {
		s.mu.Unlock()
		return
	}
	s.typingActive = false
	s.mu.Unlock()
	s.hub.StopTyping(s.cfg.ChatID, s.cfg.Phone)
}

// Seed loads the authoritative message list into the cache.
func (s *ChatSession) Seed(messages []domain.ChatMessage) {
	s.cache.Seed(messages)
}

// Messages returns the cached message list, oldest first.
func (s *ChatSession) Messages() []domain.ChatMessage {
	return s.cache.Messages()
}

// Message returns one cached message by ID.
func (s *ChatSession) Message(id string) (domain.ChatMessage, bool) {
	return s.cache.Get(id)
}

// MarkRead reports the given messages as read right away.
func (s *ChatSession) MarkRead(messageIDs []string) {
	s.hub.MarkMessagesAsRead(s.cfg.ChatID, messageIDs)
}

// Close detaches the session from the hub. A still-active typing burst gets
// its stop signal so the other side is not left with a stuck indicator.
func (s *ChatSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.stopTimer != nil {
		s.stopTimer.Stop()
	}
	if s.readTimer != nil {
		s.readTimer.Stop()
	}
	active := s.typingActive
	s.typingActive = false
	s.mu.Unlock()

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	if active {
		s.hub.StopTyping(s.cfg.ChatID, s.cfg.Phone)
	}
}

func (s *ChatSession) handleMessage(msg domain.ChatMessage) {
	if msg.ChatID != s.cfg.ChatID {
		return
	}
	if !s.cache.Upsert(msg) {
		return
	}
	if s.cfg.Refresh != nil {
		go s.cfg.Refresh()
	}
	if s.cfg.AutoRead && msg.Direction != "outbound" {
		s.scheduleAutoRead(msg.ID)
	}
}

// scheduleAutoRead batches read marks behind a short fixed delay, a stand-in
// for the user actually looking at the message.
func (s *ChatSession) scheduleAutoRead(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pendingRead = append(s.pendingRead, messageID)
	if s.readTimer == nil {
		s.readTimer = s.clock.AfterFunc(autoReadDelay, s.flushAutoRead)
	}
}

func (s *ChatSession) flushAutoRead() {
	s.mu.Lock()
	ids := s.pendingRead
	s.pendingRead = nil
	s.readTimer = nil
	s.mu.Unlock()

	if len(ids) > 0 {
		s.hub.MarkMessagesAsRead(s.cfg.ChatID, ids)
	}
}

func (s *ChatSession) handleStatus(st domain.MessageDeliveryStatus) {
	if st.ChatID != s.cfg.ChatID {
		return
	}
	s.cache.PatchStatus(st)
}

func (s *ChatSession) handleReceipt(r domain.ReadReceipt) {
	if r.ChatID != s.cfg.ChatID {
		return
	}
	s.cache.MarkRead(r.MessageIDs, r.ReadAt)
}
