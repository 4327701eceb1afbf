package realtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"crm-realtime/internal/config"
	"crm-realtime/internal/domain"

	"go.uber.org/zap"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

var errHeartbeatTimeout = errors.New("heartbeat timeout")

// ConnectionState is a read-only snapshot of the manager for UI consumers.
type ConnectionState struct {
	IsConnected       bool
	IsConnecting      bool
	IsReconnecting    bool
	ReconnectAttempts int
	LastError         error
	ConnectionID      string
}

type ManagerConfig struct {
	APIURL               string
	AuthToken            string
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
}

func (c *ManagerConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// Handlers receives decoded stream events. They are fixed at construction and
// invoked synchronously from the read loop, in arrival order.
type Handlers struct {
	OnConnected     func(connectionID string)
	OnDisconnected  func()
	OnError         func(err error)
	OnMessage       func(domain.ChatMessage)
	OnTyping        func(domain.TypingIndicator)
	OnPresence      func(domain.PresenceStatus)
	OnReadReceipt   func(domain.ReadReceipt)
	OnMessageStatus func(domain.MessageDeliveryStatus)
}

// Manager owns one long-lived SSE connection to the realtime stream and the
// small set of side-channel REST actions (typing, presence, read receipts).
// A process is expected to hold exactly one instance, owned by the Hub.
type Manager struct {
	cfg      ManagerConfig
	handlers Handlers
	clock    Clock
	logger   *zap.Logger

	mu              sync.Mutex
	state           State
	chatID          string
	ctx             context.Context
	lastEventTime   time.Time
	attempts        int
	shouldReconnect bool
	connectionID    string
	lastErr         error
	cancelStream    context.CancelFunc
	heartbeat       Timer
	reconnectTimer  Timer
	rescopeTimer    Timer
	gen             int
}

func NewManager(cfg ManagerConfig, handlers Handlers, clock Clock, logger *zap.Logger) *Manager {
	cfg.defaults()
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		handlers: handlers,
		clock:    clock,
		logger:   logger,
		state:    StateIdle,
	}
}

// Connect opens the event stream, optionally scoped to one chat. It is a
// no-op while a connection is already open or being opened. A pending
// automatic reconnect is superseded by an explicit Connect.
func (m *Manager) Connect(ctx context.Context, chatID string) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.state = StateConnecting
	m.shouldReconnect = true
	m.chatID = chatID
	m.ctx = ctx
	m.mu.Unlock()

	return m.dial()
}

// Disconnect tears the stream down and suppresses any pending reconnect.
// Idempotent. In-flight REST calls are not aborted, only ignored.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	wasConnected := m.state == StateConnected
	m.shouldReconnect = false
	m.gen++
	if m.cancelStream != nil {
		m.cancelStream()
		m.cancelStream = nil
	}
	m.stopTimersLocked()
	m.state = StateDisconnected
	m.mu.Unlock()

	if wasConnected && m.handlers.OnDisconnected != nil {
		m.handlers.OnDisconnected()
	}
}

// UpdateChatContext changes the chat scope. When the scope actually changes
// while a stream is up, the stream is torn down and reopened with the new
// scope after a short delay; the server cannot re-scope a live stream.
func (m *Manager) UpdateChatContext(chatID string) {
	m.mu.Lock()
	if chatID == m.chatID {
		m.mu.Unlock()
		return
	}
	m.chatID = chatID
	if m.state != StateConnected && m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.gen++
	if m.cancelStream != nil {
		m.cancelStream()
		m.cancelStream = nil
	}
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	// a second scope change inside the delay window supersedes the first;
	// only the newest pending rescope may dial
	if m.rescopeTimer != nil {
		m.rescopeTimer.Stop()
	}
	m.state = StateConnecting
	gen := m.gen
	m.rescopeTimer = m.clock.AfterFunc(100*time.Millisecond, func() { m.rescope(gen) })
	m.mu.Unlock()
}

func (m *Manager) rescope(gen int) {
	m.mu.Lock()
	if gen != m.gen || !m.shouldReconnect {
		m.mu.Unlock()
		return
	}
	m.rescopeTimer = nil
	m.mu.Unlock()
	_ = m.dial()
}

// State returns a snapshot of the connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionState{
		IsConnected:       m.state == StateConnected,
		IsConnecting:      m.state == StateConnecting,
		IsReconnecting:    m.state == StateReconnecting,
		ReconnectAttempts: m.attempts,
		LastError:         m.lastErr,
		ConnectionID:      m.connectionID,
	}
}

func (m *Manager) streamURL(chatID string, last time.Time) string {
	q := url.Values{}
	if chatID != "" {
		q.Set("chatId", chatID)
	}
	if !last.IsZero() {
		q.Set("lastEventTime", last.Format(time.RFC3339Nano))
	}
	u := m.cfg.APIURL + "/api/realtime/events-stream"
	if encoded := q.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}

func (m *Manager) dial() error {
	m.mu.Lock()
	gen := m.gen
	chatID := m.chatID
	last := m.lastEventTime
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, m.streamURL(chatID, last), nil)
	if err != nil {
		cancel()
		m.streamFailed(gen, err)
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if m.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.AuthToken)
	}

	// Register the cancel func before the blocking Do so Disconnect can
	// abort a dial that is still in flight.
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.cancelStream = cancel
	m.mu.Unlock()

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		m.streamFailed(gen, err)
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("event stream returned HTTP %d", resp.StatusCode)
		m.streamFailed(gen, err)
		return err
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		resp.Body.Close()
		return nil
	}
	m.state = StateConnected
	m.attempts = 0
	m.lastErr = nil
	m.mu.Unlock()

	m.logger.Info("event stream connected", zap.String("chat_id", chatID))
	m.resetHeartbeat(gen)
	go m.readLoop(gen, resp)
	return nil
}

func (m *Manager) readLoop(gen int, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || data.Len() > 0 {
				m.dispatch(gen, event, data.Bytes())
				event = ""
				data.Reset()
			}
		case strings.HasPrefix(line, ":"):
			// comment line, still proof of life
			m.resetHeartbeat(gen)
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	err := scanner.Err()
	if err == nil {
		err = errors.New("event stream closed by server")
	}
	m.streamFailed(gen, err)
}

// streamFailed runs the shared cleanup path for transport errors and
// heartbeat timeouts, then schedules a reconnect unless the caller
// disconnected or the attempt ceiling was hit. Stale generations no-op so a
// read error and a heartbeat timeout cannot both tear down the same stream.
func (m *Manager) streamFailed(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	if m.cancelStream != nil {
		m.cancelStream()
		m.cancelStream = nil
	}
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	m.lastErr = err

	if !m.shouldReconnect {
		m.state = StateDisconnected
		m.mu.Unlock()
		return
	}

	m.attempts++
	attempts := m.attempts
	if attempts > m.cfg.MaxReconnectAttempts {
		m.state = StateDisconnected
		m.shouldReconnect = false
		terminal := fmt.Errorf("giving up after %d reconnect attempts: %w", attempts-1, err)
		m.lastErr = terminal
		m.mu.Unlock()
		m.logger.Error("event stream reconnect ceiling reached", zap.Error(err))
		if m.handlers.OnError != nil {
			m.handlers.OnError(terminal)
		}
		return
	}

	delay := backoffDelay(attempts)
	m.state = StateReconnecting
	m.reconnectTimer = m.clock.AfterFunc(delay, m.redial)
	m.mu.Unlock()

	m.logger.Warn("event stream dropped, reconnecting",
		zap.Error(err), zap.Int("attempt", attempts), zap.Duration("delay", delay))
}

func (m *Manager) redial() {
	m.mu.Lock()
	if !m.shouldReconnect || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.reconnectTimer = nil
	m.mu.Unlock()
	_ = m.dial()
}

// backoffDelay returns min(1s * 2^(attempt-1), 30s).
func backoffDelay(attempt int) time.Duration {
	ms := math.Min(1000*math.Pow(2, float64(attempt-1)), 30000)
	return time.Duration(ms) * time.Millisecond
}

func (m *Manager) resetHeartbeat(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	if m.heartbeat != nil {
		m.heartbeat.Reset(m.cfg.HeartbeatInterval)
		return
	}
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() {
		m.streamFailed(gen, errHeartbeatTimeout)
	})
}

func (m *Manager) dispatch(gen int, event string, data []byte) {
	m.resetHeartbeat(gen)
	m.advanceCursor(data)

	switch event {
	case domain.EventConnected:
		var p domain.ConnectedPayload
		if !m.decode(event, data, &p) {
			return
		}
		m.mu.Lock()
		m.connectionID = p.ConnectionID
		m.mu.Unlock()
		if m.handlers.OnConnected != nil {
			m.handlers.OnConnected(p.ConnectionID)
		}

	case domain.EventMessage:
		var p domain.ChatMessage
		if m.decode(event, data, &p) && m.handlers.OnMessage != nil {
			m.handlers.OnMessage(p)
		}

	case domain.EventTyping:
		var batch domain.TypingBatch
		if err := json.Unmarshal(data, &batch); err == nil && len(batch.TypingIndicators) > 0 {
			for _, ind := range batch.TypingIndicators {
				if m.handlers.OnTyping != nil {
					m.handlers.OnTyping(ind)
				}
			}
			return
		}
		var p domain.TypingIndicator
		if m.decode(event, data, &p) && m.handlers.OnTyping != nil {
			m.handlers.OnTyping(p)
		}

	case domain.EventPresence:
		var p domain.PresenceStatus
		if m.decode(event, data, &p) && m.handlers.OnPresence != nil {
			m.handlers.OnPresence(p)
		}

	case domain.EventReadReceipt:
		var p domain.ReadReceipt
		if m.decode(event, data, &p) && m.handlers.OnReadReceipt != nil {
			m.handlers.OnReadReceipt(p)
		}

	case domain.EventMessageStatus:
		var p domain.MessageDeliveryStatus
		if m.decode(event, data, &p) && m.handlers.OnMessageStatus != nil {
			m.handlers.OnMessageStatus(p)
		}

	case domain.EventHeartbeat:
		// activity already recorded above

	default:
		m.logger.Debug("ignoring unknown stream event", zap.String("event", event))
	}
}

// decode validates inbound payloads and drops the event on malformed JSON
// rather than letting a bad server payload kill the read loop.
func (m *Manager) decode(event string, data []byte, v interface{}) bool {
	if err := json.Unmarshal(data, v); err != nil {
		m.logger.Warn("dropping malformed stream event",
			zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

// advanceCursor moves the resume cursor forward using the event's own
// timestamp, so a reconnect can ask the server to start after the last event
// this client saw.
func (m *Manager) advanceCursor(data []byte) {
	var stamped struct {
		Timestamp time.Time `json:"timestamp"`
	}
	if json.Unmarshal(data, &stamped) != nil || stamped.Timestamp.IsZero() {
		return
	}
	m.mu.Lock()
	if stamped.Timestamp.After(m.lastEventTime) {
		m.lastEventTime = stamped.Timestamp
	}
	m.mu.Unlock()
}

func (m *Manager) stopTimersLocked() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.rescopeTimer != nil {
		m.rescopeTimer.Stop()
		m.rescopeTimer = nil
	}
}

// StartTyping announces that the user began composing in a chat.
// Best-effort: failures are logged and swallowed.
func (m *Manager) StartTyping(ctx context.Context, chatID, phone, userName string) {
	body := domain.StartTypingRequest{ChatID: chatID, Phone: phone, UserName: userName}
	m.call(ctx, http.MethodPost, "/api/realtime/typing", body)
}

// StopTyping announces that the user stopped composing. Best-effort.
func (m *Manager) StopTyping(ctx context.Context, chatID, phone string) {
	q := url.Values{}
	q.Set("chatId", chatID)
	q.Set("phone", phone)
	m.call(ctx, http.MethodDelete, "/api/realtime/typing?"+q.Encode(), nil)
}

// UpdatePresence reports the user's presence status. Skipped entirely when
// the API URL is still the unconfigured local default, which would only
// produce noise in disconnected development setups.
func (m *Manager) UpdatePresence(ctx context.Context, status string) {
	if m.cfg.APIURL == "" || m.cfg.APIURL == config.DefaultAPIURL {
		return
	}
	m.call(ctx, http.MethodPost, "/api/realtime/presence", domain.PresenceRequest{Status: status})
}

// MarkMessagesAsRead reports the given messages as read. Best-effort.
func (m *Manager) MarkMessagesAsRead(ctx context.Context, chatID string, messageIDs []string) {
	body := domain.MarkReadRequest{ChatID: chatID, MessageIDs: messageIDs}
	m.call(ctx, http.MethodPut, "/api/realtime/message-status", body)
}

// call issues a fire-and-forget authenticated REST request. These are UX
// signals, not critical-path operations, so errors never reach the caller.
func (m *Manager) call(ctx context.Context, method, path string, body interface{}) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			m.logger.Warn("realtime action encode failed", zap.String("path", path), zap.Error(err))
			return
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.cfg.APIURL+path, reader)
	if err != nil {
		m.logger.Warn("realtime action request failed", zap.String("path", path), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.AuthToken)
	}

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		m.logger.Warn("realtime action failed", zap.String("path", path), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		m.logger.Warn("realtime action rejected",
			zap.String("path", path), zap.Int("status", resp.StatusCode))
	}
}
