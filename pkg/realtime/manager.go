// Package realtime owns the single websocket connection to the
// realtime service and the per-conversation channel subscriptions. It
// translates transport events into a small, stable internal vocabulary
// and pushes them through constructor-supplied handlers; it never
// returns events from methods.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/bytebufferpool"

	"chatwidget/pkg/logger"
	"chatwidget/pkg/models"
	"chatwidget/pkg/telemetry"
)

// ErrNotConnected is returned by SubscribeToConversation when Connect
// has not been called (or the connection is gone).
var ErrNotConnected = errors.New("realtime: not connected")

// Event names on the wire.
const (
	evSubscribe       = "subscribe"
	evUnsubscribe     = "unsubscribe"
	evSubSucceeded    = "subscription_succeeded"
	evSubError        = "subscription_error"
	evNewMessage      = "new-message"
	evTyping          = "typing"
	evPresence        = "presence"
	evAgentJoined     = "agent-joined"
	channelNamePrefix = "widget-conversation-"
)

// SubscriptionState tracks a channel's acknowledgement status.
type SubscriptionState string

const (
	SubPending SubscriptionState = "pending"
	SubActive  SubscriptionState = "active"
	SubError   SubscriptionState = "error"
)

// ChannelSubscription tracks one conversation's live binding.
type ChannelSubscription struct {
	Channel string
	State   SubscriptionState
}

// InboundMessage is a new-message event as received on a channel.
// ExternalStatus carries the server's delivery status ("sent",
// "delivered") for reconciliation.
type InboundMessage struct {
	Message        models.Message
	ExternalStatus string
}

// Handlers receive inbound events. Nil handlers are skipped. This is a
// push-only component: callers react to these, never to return values.
type Handlers struct {
	OnMessage     func(InboundMessage)
	OnTyping      func(models.TypingEvent)
	OnPresence    func(models.PresenceEvent)
	OnAgentJoined func(models.AgentJoinedEvent)
	OnStateChange func(models.ConnectionState)
}

// Options configure the transport.
type Options struct {
	Endpoint       string // wss://host/path
	AppKey         string
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	HandshakeWait  time.Duration
	MaxMessageSize int64
}

// Manager owns the connection. All state transitions are logged and
// surfaced via OnStateChange; transport errors after the initial dial
// never surface as returned errors, only as state.
type Manager struct {
	opts     Options
	handlers Handlers

	mu     sync.RWMutex
	state  models.ConnectionState
	conn   *websocket.Conn
	subs   map[string]*ChannelSubscription // conversation id -> subscription
	sendCh chan *bytebufferpool.ByteBuffer
	done   chan struct{}

	// stateCh serializes OnStateChange callbacks so observers see
	// transitions in the order they happened
	stateCh chan models.ConnectionState
}

// frame is the wire envelope for every event in both directions.
type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// wireMessage is the new-message payload projection.
type wireMessage struct {
	ID             string              `json:"id"`
	ClientTempID   string              `json:"client_temp_id,omitempty"`
	ConversationID string              `json:"conversation_id"`
	SenderType     models.SenderType   `json:"sender_type"`
	SenderID       string              `json:"sender_id,omitempty"`
	SenderName     string              `json:"sender_name,omitempty"`
	Content        string              `json:"content,omitempty"`
	ContentType    models.ContentType  `json:"content_type"`
	Attachments    []models.Attachment `json:"attachments,omitempty"`
	ExternalStatus string              `json:"external_status,omitempty"`
	CreatedAt      int64               `json:"created_at"`
}

// NewManager builds a Manager. Zero timeouts are an error so a caller
// that skipped config validation fails at startup, not mid-session.
func NewManager(opts Options, handlers Handlers) (*Manager, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("realtime options missing endpoint")
	}
	if opts.PingInterval <= 0 || opts.PongWait <= 0 || opts.WriteWait <= 0 {
		return nil, fmt.Errorf("realtime options missing timeouts; ensure config.ValidateConfig() applied defaults")
	}
	if opts.MaxMessageSize <= 0 {
		return nil, fmt.Errorf("realtime options missing max_message_size; ensure config.ValidateConfig() applied defaults")
	}
	m := &Manager{
		opts:     opts,
		handlers: handlers,
		state:    models.StateDisconnected,
		subs:     make(map[string]*ChannelSubscription),
	}
	if handlers.OnStateChange != nil {
		m.stateCh = make(chan models.ConnectionState, 32)
		go func() {
			for s := range m.stateCh {
				handlers.OnStateChange(s)
			}
		}()
	}
	return m, nil
}

// ChannelName returns the wire channel for a conversation.
func ChannelName(conversationID string) string {
	return channelNamePrefix + conversationID
}

// Connect dials the realtime endpoint. Idempotent: when already
// connected it logs and returns without creating a second connection.
// The dial error is returned AND reflected in the connection state so
// callers that poll state need not handle it.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == models.StateConnected {
		m.mu.Unlock()
		logger.Info("realtime_already_connected")
		return nil
	}
	m.setStateLocked(models.StateConnecting)
	m.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: m.opts.HandshakeWait}
	url := m.opts.Endpoint
	if m.opts.AppKey != "" {
		url += "?app_key=" + m.opts.AppKey
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		m.mu.Lock()
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			m.setStateLocked(models.StateUnavailable)
		} else {
			m.setStateLocked(models.StateFailed)
		}
		m.mu.Unlock()
		return fmt.Errorf("realtime dial %s: %w", m.opts.Endpoint, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.sendCh = make(chan *bytebufferpool.ByteBuffer, 64)
	m.done = make(chan struct{})
	m.setStateLocked(models.StateConnected)
	done, sendCh := m.done, m.sendCh
	channels := make([]string, 0, len(m.subs))
	for _, sub := range m.subs {
		sub.State = SubPending
		channels = append(channels, sub.Channel)
	}
	m.mu.Unlock()

	telemetry.ReconnectsTotal.Inc()
	go m.readPump(conn, done)
	go m.writePump(conn, sendCh, done)

	// a fresh transport knows nothing about existing subscriptions:
	// every conversation subscribed before the drop is re-bound here
	sort.Strings(channels)
	for _, ch := range channels {
		logger.Info("realtime_resubscribing", "channel", ch)
		if err := m.enqueueFrame(frame{Event: evSubscribe, Channel: ch}); err != nil {
			logger.Warn("realtime_resubscribe_failed", "channel", ch, "error", err)
		}
	}
	return nil
}

// SubscribeToConversation binds the four event kinds for a
// conversation. Requires Connect to have been called; subscribing to an
// already-subscribed conversation is a safe no-op that logs a warning.
func (m *Manager) SubscribeToConversation(conversationID string) error {
	m.mu.Lock()
	if m.conn == nil || m.state != models.StateConnected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := m.subs[conversationID]; ok {
		m.mu.Unlock()
		logger.Warn("realtime_already_subscribed", "conversation", conversationID)
		return nil
	}
	ch := ChannelName(conversationID)
	m.subs[conversationID] = &ChannelSubscription{Channel: ch, State: SubPending}
	m.mu.Unlock()

	logger.Info("realtime_subscribing", "channel", ch)
	return m.enqueueFrame(frame{Event: evSubscribe, Channel: ch})
}

// UnsubscribeFromConversation unbinds handlers and removes the
// subscription; safe no-op when not subscribed.
func (m *Manager) UnsubscribeFromConversation(conversationID string) error {
	m.mu.Lock()
	sub, ok := m.subs[conversationID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.subs, conversationID)
	connected := m.conn != nil && m.state == models.StateConnected
	m.mu.Unlock()

	logger.Info("realtime_unsubscribed", "channel", sub.Channel)
	if connected {
		return m.enqueueFrame(frame{Event: evUnsubscribe, Channel: sub.Channel})
	}
	return nil
}

// Disconnect unsubscribes every active channel and tears down the
// transport; safe no-op when not connected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.conn == nil {
		m.mu.Unlock()
		return
	}
	for id, sub := range m.subs {
		logger.Info("realtime_unsubscribed", "channel", sub.Channel)
		delete(m.subs, id)
	}
	conn := m.conn
	m.conn = nil
	close(m.done)
	m.setStateLocked(models.StateDisconnected)
	m.mu.Unlock()

	deadline := time.Now().Add(m.opts.WriteWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = conn.Close()
}

// IsConnected reports whether the transport is up.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == models.StateConnected
}

// ConnectionState returns the current transport state.
func (m *Manager) ConnectionState() models.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SubscribedChannels returns the channel names with an active or
// pending subscription, sorted.
func (m *Manager) SubscribedChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub.Channel)
	}
	sort.Strings(out)
	return out
}

// SubscriptionStateFor reports the acknowledgement state for a
// conversation's channel.
func (m *Manager) SubscriptionStateFor(conversationID string) (SubscriptionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[conversationID]
	if !ok {
		return "", false
	}
	return sub.State, true
}

// setStateLocked transitions the connection state and notifies.
// Callers hold m.mu.
func (m *Manager) setStateLocked(s models.ConnectionState) {
	if m.state == s {
		return
	}
	logger.Info("realtime_state", "from", string(m.state), "to", string(s))
	m.state = s
	if m.stateCh != nil {
		m.stateCh <- s
	}
}

func (m *Manager) enqueueFrame(f frame) error {
	bb := bytebufferpool.Get()
	if err := json.NewEncoder(bb).Encode(f); err != nil {
		bytebufferpool.Put(bb)
		return fmt.Errorf("encode frame: %w", err)
	}
	m.mu.RLock()
	sendCh, done := m.sendCh, m.done
	m.mu.RUnlock()
	if sendCh == nil {
		bytebufferpool.Put(bb)
		return ErrNotConnected
	}
	select {
	case sendCh <- bb:
		return nil
	case <-done:
		bytebufferpool.Put(bb)
		return ErrNotConnected
	}
}

func (m *Manager) readPump(conn *websocket.Conn, done chan struct{}) {
	conn.SetReadLimit(m.opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			// deliberate Disconnect closes done first; everything else
			// is a transport failure observable via state, not errors.
			select {
			case <-done:
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					m.setStateLocked(models.StateDisconnected)
				} else {
					logger.Warn("realtime_read_failed", "error", err)
					m.setStateLocked(models.StateUnavailable)
				}
				m.conn = nil
				close(done)
			}
			m.mu.Unlock()
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Warn("realtime_bad_frame", "error", err)
			continue
		}
		m.dispatch(f)
	}
}

func (m *Manager) writePump(conn *websocket.Conn, sendCh <-chan *bytebufferpool.ByteBuffer, done chan struct{}) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case bb := <-sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteWait))
			err := conn.WriteMessage(websocket.TextMessage, bb.B)
			bytebufferpool.Put(bb)
			if err != nil {
				logger.Warn("realtime_write_failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn("realtime_ping_failed", "error", err)
				return
			}
		case <-done:
			return
		}
	}
}

// dispatch routes one inbound frame to its handler. Subscription errors
// are recorded per channel and do not affect other channels.
func (m *Manager) dispatch(f frame) {
	switch f.Event {
	case evSubSucceeded:
		m.markSub(f.Channel, SubActive)
	case evSubError:
		logger.Warn("realtime_subscription_error", "channel", f.Channel)
		m.markSub(f.Channel, SubError)
	case evNewMessage:
		var wm wireMessage
		if err := json.Unmarshal(f.Data, &wm); err != nil {
			logger.Warn("realtime_bad_message_payload", "channel", f.Channel, "error", err)
			return
		}
		if m.handlers.OnMessage != nil {
			m.handlers.OnMessage(InboundMessage{
				Message: models.Message{
					ID:             wm.ID,
					ClientTempID:   wm.ClientTempID,
					ConversationID: wm.ConversationID,
					SenderType:     wm.SenderType,
					SenderID:       wm.SenderID,
					SenderName:     wm.SenderName,
					Content:        wm.Content,
					ContentType:    wm.ContentType,
					Attachments:    wm.Attachments,
					CreatedAt:      wm.CreatedAt,
				},
				ExternalStatus: wm.ExternalStatus,
			})
		}
	case evTyping:
		var te models.TypingEvent
		if err := json.Unmarshal(f.Data, &te); err != nil {
			return
		}
		if m.handlers.OnTyping != nil {
			m.handlers.OnTyping(te)
		}
	case evPresence:
		var pe models.PresenceEvent
		if err := json.Unmarshal(f.Data, &pe); err != nil {
			return
		}
		if m.handlers.OnPresence != nil {
			m.handlers.OnPresence(pe)
		}
	case evAgentJoined:
		var ae models.AgentJoinedEvent
		if err := json.Unmarshal(f.Data, &ae); err != nil {
			return
		}
		if m.handlers.OnAgentJoined != nil {
			m.handlers.OnAgentJoined(ae)
		}
	default:
		logger.Debug("realtime_unknown_event", "event", f.Event)
	}
}

func (m *Manager) markSub(channel string, state SubscriptionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.Channel == channel {
			sub.State = state
			return
		}
	}
}
