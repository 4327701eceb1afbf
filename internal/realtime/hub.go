package realtime

import (
	"context"
	"sync"
	"time"

	"crm-realtime/internal/domain"

	"go.uber.org/zap"
)

// Subscription is the handle returned by the Hub's On* methods. Unsubscribe
// is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

type HubConfig struct {
	Manager                ManagerConfig
	PresenceUpdateInterval time.Duration
}

// Hub is the process-wide realtime state owner. It holds the single Manager
// instance, folds stream events into derived state (typing users per chat,
// presence per user, online counts), and multiplexes handler subscriptions so
// any number of consumers can observe the same stream independently.
type Hub struct {
	manager          *Manager
	clock            Clock
	logger           *zap.Logger
	presenceInterval time.Duration

	mu           sync.RWMutex
	typing       map[string][]domain.TypingIndicator
	presence     map[string]domain.PresenceStatus
	onlineCounts map[string]int
	ownStatus    string

	subMu        sync.Mutex
	nextSubID    int
	msgSubs      []messageSub
	typingSubs   []typingSub
	presenceSubs []presenceSub
	receiptSubs  []receiptSub
	statusSubs   []statusSub
	connSubs     []connSub

	ctx        context.Context
	cancel     context.CancelFunc
	ticker     Ticker
	tickerDone chan struct{}
	running    bool
}

type messageSub struct {
	id int
	fn func(domain.ChatMessage)
}
type typingSub struct {
	id int
	fn func(domain.TypingIndicator)
}
type presenceSub struct {
	id int
	fn func(domain.PresenceStatus)
}
type receiptSub struct {
	id int
	fn func(domain.ReadReceipt)
}
type statusSub struct {
	id int
	fn func(domain.MessageDeliveryStatus)
}
type connSub struct {
	id int
	fn func(ConnectionState)
}

func NewHub(cfg HubConfig, clock Clock, logger *zap.Logger) *Hub {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PresenceUpdateInterval == 0 {
		cfg.PresenceUpdateInterval = 60 * time.Second
	}

	h := &Hub{
		clock:            clock,
		logger:           logger,
		presenceInterval: cfg.PresenceUpdateInterval,
		typing:           make(map[string][]domain.TypingIndicator),
		presence:         make(map[string]domain.PresenceStatus),
		onlineCounts:     make(map[string]int),
		ownStatus:        domain.PresenceOnline,
	}
	h.manager = NewManager(cfg.Manager, Handlers{
		OnConnected:     h.handleConnected,
		OnDisconnected:  h.handleDisconnected,
		OnError:         h.handleError,
		OnMessage:       h.handleMessage,
		OnTyping:        h.handleTyping,
		OnPresence:      h.handlePresence,
		OnReadReceipt:   h.handleReadReceipt,
		OnMessageStatus: h.handleMessageStatus,
	}, clock, logger)
	return h
}

// Start connects the underlying stream, announces the user as online and
// begins the periodic presence heartbeat.
func (h *Hub) Start(ctx context.Context, chatID string) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.ticker = h.clock.NewTicker(h.presenceInterval)
	h.tickerDone = make(chan struct{})
	hubCtx := h.ctx
	h.mu.Unlock()

	err := h.manager.Connect(hubCtx, chatID)
	h.manager.UpdatePresence(hubCtx, domain.PresenceOnline)
	go h.presenceLoop()
	return err
}

// Stop announces the user offline (best-effort), disconnects and clears all
// derived state. The hub can be started again afterwards.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.tickerDone)
	h.ticker.Stop()
	cancel := h.cancel
	h.mu.Unlock()

	h.manager.UpdatePresence(context.Background(), domain.PresenceOffline)
	h.manager.Disconnect()
	cancel()

	h.mu.Lock()
	h.typing = make(map[string][]domain.TypingIndicator)
	h.presence = make(map[string]domain.PresenceStatus)
	h.onlineCounts = make(map[string]int)
	h.mu.Unlock()
}

func (h *Hub) presenceLoop() {
	for {
		select {
		case <-h.tickerDone:
			return
		case <-h.ticker.C():
			h.mu.RLock()
			status := h.ownStatus
			ctx := h.ctx
			h.mu.RUnlock()
			h.manager.UpdatePresence(ctx, status)
		}
	}
}

// SetAway reports the user as away, e.g. when the window loses focus.
func (h *Hub) SetAway() { h.setOwnStatus(domain.PresenceAway) }

// SetOnline reports the user as online again.
func (h *Hub) SetOnline() { h.setOwnStatus(domain.PresenceOnline) }

func (h *Hub) setOwnStatus(status string) {
	h.mu.Lock()
	h.ownStatus = status
	ctx := h.ctx
	running := h.running
	h.mu.Unlock()
	if running {
		h.manager.UpdatePresence(ctx, status)
	}
}

// UpdateChatContext re-scopes the underlying stream to another chat.
func (h *Hub) UpdateChatContext(chatID string) {
	h.manager.UpdateChatContext(chatID)
}

// ConnectionState returns a snapshot of the stream state.
func (h *Hub) ConnectionState() ConnectionState {
	return h.manager.State()
}

// TypingUsers returns the users currently typing in a chat.
func (h *Hub) TypingUsers(chatID string) []domain.TypingIndicator {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]domain.TypingIndicator, len(h.typing[chatID]))
	copy(out, h.typing[chatID])
	return out
}

// UserPresence returns the last reported presence for a user.
func (h *Hub) UserPresence(userID string) (domain.PresenceStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.presence[userID]
	return p, ok
}

// OnlineCount returns the last reported number of online users in a chat.
func (h *Hub) OnlineCount(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineCounts[chatID]
}

// StartTyping forwards a typing-start signal. Best-effort.
func (h *Hub) StartTyping(chatID, phone, userName string) {
	h.manager.StartTyping(h.actionCtx(), chatID, phone, userName)
}

// StopTyping forwards a typing-stop signal. Best-effort.
func (h *Hub) StopTyping(chatID, phone string) {
	h.manager.StopTyping(h.actionCtx(), chatID, phone)
}

// MarkMessagesAsRead reports messages as read. Best-effort.
func (h *Hub) MarkMessagesAsRead(chatID string, messageIDs []string) {
	h.manager.MarkMessagesAsRead(h.actionCtx(), chatID, messageIDs)
}

func (h *Hub) actionCtx() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.ctx != nil {
		return h.ctx
	}
	return context.Background()
}

// OnMessage registers a callback for inbound chat messages.
func (h *Hub) OnMessage(fn func(domain.ChatMessage)) *Subscription {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.nextSubID++
	id := h.nextSubID
	h.msgSubs = append(h.msgSubs, messageSub{id: id, fn: fn})
	return &Subscription{cancel: func() {
		h.subMu.Lock()
		defer h.subMu.Unlock()
		for i, s := range h.msgSubs {
			if s.id == id {
				h.msgSubs = append(h.msgSubs[:i], h.msgSubs[i+1:]...)
				return
			}
		}
	}}
}

// OnTyping registers a callback for typing indicator changes.
func (h *Hub) OnTyping(fn func(domain.TypingIndicator)) *Subscription {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.nextSubID++
	id := h.nextSubID
	h.typingSubs = append(h.typingSubs, typingSub{id: id, fn: fn})
	return &Subscription{cancel: func() {
		h.subMu.Lock()
		defer h.subMu.Unlock()
		for i, s := range h.typingSubs {
			if s.id == id {
				h.typingSubs = append(h.typingSubs[:i], h.typingSubs[i+1:]...)
				return
			}
		}
	}}
}

// OnPresence registers a callback for presence changes.
func (h *Hub) OnPresence(fn func(domain.PresenceStatus)) *Subscription {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.nextSubID++
	id := h.nextSubID
	h.presenceSubs = append(h.presenceSubs, presenceSub{id: id, fn: fn})
	return &Subscription{cancel: func() {
		h.subMu.Lock()
		defer h.subMu.Unlock()
		for i, s := range h.presenceSubs {
			if s.id == id {
				h.presenceSubs = append(h.presenceSubs[:i], h.presenceSubs[i+1:]...)
				return
			}
		}
	}}
}

// OnReadReceipt registers a callback for read receipts.
func (h *Hub) OnReadReceipt(fn func(domain.ReadReceipt)) *Subscription {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.nextSubID++
	id := h.nextSubID
	h.receiptSubs = append(h.receiptSubs, receiptSub{id: id, fn: fn})
	return &Subscription{cancel: func() {
		h.subMu.Lock()
		defer h.subMu.Unlock()
		for i, s := range h.receiptSubs {
			if s.id == id {
				h.receiptSubs = append(h.receiptSubs[:i], h.receiptSubs[i+1:]...)
				return
			}
		}
	}}
}

// OnMessageStatus registers a callback for delivery status changes.
func (h *Hub) OnMessageStatus(fn func(domain.MessageDeliveryStatus)) *Subscription {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.nextSubID++
	id := h.nextSubID
	h.statusSubs = append(h.statusSubs, statusSub{id: id, fn: fn})
	return &Subscription{cancel: func() {
		h.subMu.Lock()
		defer h.subMu.Unlock()
		for i, s := range h.statusSubs {
			if s.id == id {
				h.statusSubs = append(h.statusSubs[:i], h.statusSubs[i+1:]...)
				return
			}
		}
	}}
}

// OnConnectionChange registers a callback for connection state transitions.
func (h *Hub) OnConnectionChange(fn func(ConnectionState)) *Subscription {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.nextSubID++
	id := h.nextSubID
	h.connSubs = append(h.connSubs, connSub{id: id, fn: fn})
	return &Subscription{cancel: func() {
		h.subMu.Lock()
		defer h.subMu.Unlock()
		for i, s := range h.connSubs {
			if s.id == id {
				h.connSubs = append(h.connSubs[:i], h.connSubs[i+1:]...)
				return
			}
		}
	}}
}

func (h *Hub) handleConnected(connectionID string) {
	h.logger.Info("realtime hub connected", zap.String("connection_id", connectionID))
	h.notifyConnChange()
}

func (h *Hub) handleDisconnected() {
	h.notifyConnChange()
}

func (h *Hub) handleError(err error) {
	h.logger.Error("realtime connection lost for good", zap.Error(err))
	h.notifyConnChange()
}

func (h *Hub) notifyConnChange() {
	state := h.manager.State()
	h.subMu.Lock()
	subs := append([]connSub(nil), h.connSubs...)
	h.subMu.Unlock()
	for _, s := range subs {
		s.fn(state)
	}
}

func (h *Hub) handleMessage(msg domain.ChatMessage) {
	h.subMu.Lock()
	subs := append([]messageSub(nil), h.msgSubs...)
	h.subMu.Unlock()
	for _, s := range subs {
		s.fn(msg)
	}
}

// handleTyping folds the indicator into the per-chat typing list before
// fanning out. The list never holds two entries for the same user; a stop
// for an absent user is a no-op. Expiry is the sender's job, not ours.
func (h *Hub) handleTyping(ind domain.TypingIndicator) {
	h.mu.Lock()
	list := h.typing[ind.ChatID]
	if ind.IsTyping {
		replaced := false
		for i, existing := range list {
			if existing.UserID == ind.UserID {
				list[i] = ind
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, ind)
		}
		h.typing[ind.ChatID] = list
	} else {
		for i, existing := range list {
			if existing.UserID == ind.UserID {
				h.typing[ind.ChatID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(h.typing[ind.ChatID]) == 0 {
			delete(h.typing, ind.ChatID)
		}
	}
	h.mu.Unlock()

	h.subMu.Lock()
	subs := append([]typingSub(nil), h.typingSubs...)
	h.subMu.Unlock()
	for _, s := range subs {
		s.fn(ind)
	}
}

// handlePresence applies last-write-wins per user and records the per-chat
// online count when the event carries one.
func (h *Hub) handlePresence(p domain.PresenceStatus) {
	h.mu.Lock()
	h.presence[p.UserID] = p
	if p.Data != nil && p.Data.ChatID != "" {
		h.onlineCounts[p.Data.ChatID] = p.Data.Count
	}
	h.mu.Unlock()

	h.subMu.Lock()
	subs := append([]presenceSub(nil), h.presenceSubs...)
	h.subMu.Unlock()
	for _, s := range subs {
		s.fn(p)
	}
}

func (h *Hub) handleReadReceipt(r domain.ReadReceipt) {
	h.subMu.Lock()
	subs := append([]receiptSub(nil), h.receiptSubs...)
	h.subMu.Unlock()
	for _, s := range subs {
		s.fn(r)
	}
}

func (h *Hub) handleMessageStatus(st domain.MessageDeliveryStatus) {
	h.subMu.Lock()
	subs := append([]statusSub(nil), h.statusSubs...)
	h.subMu.Unlock()
	for _, s := range subs {
		s.fn(st)
	}
}
